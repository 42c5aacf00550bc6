package netstack

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/esphome/asynctcp"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func newStack(t *testing.T, mutate func(cfg *Config)) *Stack {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.Resolver = NewResolver(&ResolverConfig{
		Servers: []string{"127.0.0.1:1"},
		Timeout: 200 * time.Millisecond,
		Hosts:   map[string]netip.Addr{"localhost": loopback},
		Cache:   DefaultDNSCacheConfig(),
	})
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func gvisorStack(t *testing.T) *Stack {
	t.Helper()
	tr, err := NewGVisorTransport(loopback)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return newStack(t, func(cfg *Config) { cfg.Transport = tr })
}

// startServer listens on an ephemeral loopback port; setup runs for every
// accepted client on the loop.
func startServer(t *testing.T, st *Stack, cfg *asynctcp.ServerConfig, setup asynctcp.ConnHandler) (*asynctcp.Server, uint16) {
	t.Helper()
	if cfg == nil {
		cfg = asynctcp.DefaultServerConfig()
		cfg.Addr = loopback
	}
	srv := asynctcp.NewServer(st, cfg)
	srv.OnClient(setup)
	var err error
	var port uint16
	asynctcp.Do(st, func() {
		err = srv.Begin()
		port = srv.Addr().Port()
	})
	require.NoError(t, err)
	t.Cleanup(func() { asynctcp.Do(st, srv.End) })
	return srv, port
}

// echo queues replies in a TCPBuffer so nothing is lost when the send
// buffer is momentarily full.
func echo(c *asynctcp.Client) {
	b := asynctcp.NewTCPBuffer(c, nil)
	b.OnData(func(data []byte) int {
		n, _ := b.Write(data)
		return n
	})
}

// locked reads state owned by the loop.
func locked[T any](st *Stack, fn func() T) T {
	var v T
	asynctcp.Do(st, func() { v = fn() })
	return v
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return port
}

// selfSigned returns matching server and client TLS configurations for
// 127.0.0.1.
func selfSigned(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "asynctcp test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return server, client
}

// dnsServer answers A queries from records and NXDOMAIN for anything else.
type dnsServer struct {
	addr    string
	mu      sync.Mutex
	queries int
}

func (d *dnsServer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

func startDNS(t *testing.T, records map[string]string) *dnsServer {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	d := &dnsServer{addr: pc.LocalAddr().String()}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		d.mu.Lock()
		d.queries++
		d.mu.Unlock()
		m := new(dns.Msg)
		m.SetReply(r)
		for _, q := range r.Question {
			ip, ok := records[q.Name]
			if !ok || q.Qtype != dns.TypeA {
				m.SetRcode(r, dns.RcodeNameError)
				continue
			}
			rr, err := dns.NewRR(q.Name + " 60 IN A " + ip)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Net: "udp", Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return d
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}
