package retransmit

import "time"

// Config holds the RFC 5389 §7.2.1 retransmission parameters (SPEC_FULL.md
// §6, configuration surface). All fields have RFC-specified defaults.
type Config struct {
	// RTO is the initial retransmission timeout.
	RTO time.Duration
	// Rc is the retransmission count: the total number of times a
	// request is sent (the original send plus Rc-1 retransmits).
	Rc int
	// Rm is the final wait multiplier applied after the schedule's
	// natural doubling point before a transaction is declared timed out.
	Rm int
	// MinTransactionInterval is a lower bound on the gap between
	// successive sends of the same transaction. It is not separately
	// enforced by the scheduler: the §7.2.1 schedule itself spaces every
	// attempt by at least RTO (attemptOffset(k+1)-attemptOffset(k) =
	// 2^k*RTO >= RTO for k>=1), so clamping this field down to RTO in
	// withDefaults already makes it redundant with the formula rather
	// than a real additional floor. It is kept as part of the
	// configuration surface (and accepted from YAML/mapstructure) for a
	// future scheduler that might not derive its spacing from RTO alone.
	MinTransactionInterval time.Duration
	// CacheDuration is how long a completed transaction's id would be
	// remembered for late-response dedup. This package does not keep such
	// a cache and does not read this field: a response arriving after a
	// transaction has already been removed is dropped as unmatched by
	// channel.Channel's deliverResponse (its ordinary miss path), without
	// a separate time-bounded set. Kept as configuration surface for a
	// future cache-backed implementation.
	CacheDuration time.Duration
}

// DefaultConfig returns the RFC 5389 §7.2.1 defaults.
func DefaultConfig() Config {
	return Config{
		RTO:                    500 * time.Millisecond,
		Rc:                     7,
		Rm:                     16,
		MinTransactionInterval: 100 * time.Millisecond,
		CacheDuration:          9500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RTO <= 0 {
		c.RTO = d.RTO
	}
	if c.Rc <= 0 {
		c.Rc = d.Rc
	}
	if c.Rm <= 0 {
		c.Rm = d.Rm
	}
	if c.MinTransactionInterval <= 0 {
		c.MinTransactionInterval = d.MinTransactionInterval
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = d.CacheDuration
	}
	if c.MinTransactionInterval > c.RTO {
		c.MinTransactionInterval = c.RTO
	}
	return c
}

// attemptOffset returns the offset from a transaction's t0 at which send
// attempt k (0-indexed) fires: (2^k - 1)*RTO.
func (c Config) attemptOffset(k int) time.Duration {
	return time.Duration((1<<uint(k))-1) * c.RTO
}

// timeoutOffset returns the offset from t0 at which, absent a response,
// the transaction is declared timed out: (2^Rc - 1 + Rm)*RTO. This is the
// literal formula from the testable property P3 and end-to-end scenario 3
// (SPEC_FULL.md §9); see DESIGN.md for why it, rather than the looser
// "wait Rm*RTO after the last attempt" prose elsewhere in the
// specification, is what this package implements.
func (c Config) timeoutOffset() time.Duration {
	return time.Duration((1<<uint(c.Rc))-1+c.Rm) * c.RTO
}
