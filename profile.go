package asynctcp

import "fmt"

// TrafficProfile is a hint about the traffic a server expects. It selects
// the Nagle setting of accepted connections.
type TrafficProfile int

const (
	// ProfileBulk keeps Nagle's algorithm as configured by NoDelay (default).
	ProfileBulk TrafficProfile = 1
	// ProfileInteractive forces Nagle off so small writes leave immediately.
	ProfileInteractive TrafficProfile = 2
)

func (p TrafficProfile) String() string {
	switch p {
	case ProfileBulk:
		return "bulk"
	case ProfileInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// IsValid reports whether p is a known profile.
func (p TrafficProfile) IsValid() bool {
	return p == ProfileBulk || p == ProfileInteractive
}

// ParseTrafficProfile accepts "bulk" or "interactive".
func ParseTrafficProfile(s string) (TrafficProfile, error) {
	switch s {
	case "", "bulk":
		return ProfileBulk, nil
	case "interactive":
		return ProfileInteractive, nil
	}
	return 0, fmt.Errorf("unknown traffic profile %q", s)
}

// noDelayFor returns the Nagle setting for an accepted connection.
func (p TrafficProfile) noDelayFor(noDelay bool) bool {
	if p == ProfileInteractive {
		return true
	}
	return noDelay
}
