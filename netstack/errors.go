package netstack

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/esphome/asynctcp/lwip"
)

// toErr maps a Go network error to the closest lwIP code. Errors from the
// gVisor adapters carry no errno, so their text is matched as a fallback.
func toErr(err error) lwip.Err {
	switch {
	case err == nil:
		return lwip.ErrOK
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return lwip.ErrRst
	case errors.Is(err, syscall.EADDRINUSE):
		return lwip.ErrUse
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return lwip.ErrVal
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return lwip.ErrRte
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return lwip.ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return lwip.ErrClsd
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return lwip.ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"), strings.Contains(msg, "reset"):
		return lwip.ErrRst
	case strings.Contains(msg, "in use"):
		return lwip.ErrUse
	case strings.Contains(msg, "unreachable"), strings.Contains(msg, "no route"):
		return lwip.ErrRte
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return lwip.ErrTimeout
	case strings.Contains(msg, "closed"):
		return lwip.ErrClsd
	}
	return lwip.ErrConn
}
