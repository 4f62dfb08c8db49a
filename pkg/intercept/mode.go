package intercept

import (
	"fmt"
	"strings"
)

// Mode selects how intercepted requests are answered for the lifetime of a Session.
type Mode int

const (
	// ModeReplay answers from fixtures and passes unmocked requests through.
	ModeReplay Mode = iota
	// ModeCapture sends every request to the network and records the responses.
	ModeCapture
)

func (m Mode) String() string {
	if m == ModeCapture {
		return "capture"
	}
	return "replay"
}

// ParseMode parses "replay" or "capture" (empty means replay).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replay":
		return ModeReplay, nil
	case "capture", "record":
		return ModeCapture, nil
	default:
		return ModeReplay, fmt.Errorf("unknown mode %q", s)
	}
}
