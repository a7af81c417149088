package session

import "time"

// Config carries the negotiation defaults and timeouts a Session
// applies to one accepted connection, mirroring the engine's builder
// surface (spec.md 4.E) at the per-connection level.
//
// Pipelining is a *bool rather than bool so WithDefaults can tell "left
// unset" apart from "explicitly disabled" — a plain bool's zero value
// is indistinguishable from an explicit false.
type Config struct {
	MaxFrameSize uint32
	IdleTimeout  time.Duration
	Pipelining   *bool
}

func boolPtr(v bool) *bool { return &v }

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: 16384,
		IdleTimeout:  30 * time.Second,
		Pipelining:   boolPtr(true),
	}
}

// WithDefaults fills any zero-valued fields with DefaultConfig's
// values, the way protocol/session.Config.WithDefaults does in the
// lineage.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Pipelining == nil {
		c.Pipelining = d.Pipelining
	}
	return c
}

// SupportedCapabilities is the set the agent itself may advertise.
// Pipelining is the only one spec.md names.
func (c Config) SupportedCapabilities() []string {
	if c.Pipelining != nil && *c.Pipelining {
		return []string{"pipelining"}
	}
	return nil
}
