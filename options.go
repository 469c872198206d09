package hvs

import "sync"

// ringSize is 20 pages (spec §6), computed from the discovered page size
// rather than hardcoded, the same way maxSge is.
func defaultRingSize() int { return 20 * pageSize }

const (
	defaultMaxTransfer = 1 << 20 // 1MiB, a conservative guest I/O cap
	defaultPollBudget  = 1000    // spec §4.4 step 9
)

// attachConfig holds the tunables Option functions set. None of these
// are exposed as CLI flags or environment variables (spec §6: "no CLI;
// no environment variables") — they exist for the attach glue (or a
// test) to override the spec's fixed constants.
type attachConfig struct {
	ringSize    int
	maxTransfer int
	pollBudget  int
	coarseLock  *sync.Mutex
}

func defaultAttachConfig() attachConfig {
	return attachConfig{
		ringSize:    defaultRingSize(),
		maxTransfer: defaultMaxTransfer,
		pollBudget:  defaultPollBudget,
	}
}

// Option configures an optional attach-time tunable.
type Option func(*attachConfig)

// WithMaxTransfer overrides the maximum single-transfer size used to
// size each CCB's gather list (spec §4.2).
func WithMaxTransfer(n int) Option {
	return func(c *attachConfig) { c.maxTransfer = n }
}

// WithRingSize overrides the channel ring size passed to Channel.Open.
func WithRingSize(n int) Option {
	return func(c *attachConfig) { c.ringSize = n }
}

// WithPollBudget overrides the iteration budget of a polled submission
// (spec §4.4 step 9).
func WithPollBudget(n int) Option {
	return func(c *attachConfig) { c.pollBudget = n }
}

// WithCoarseLock supplies the shared coarse lock the submission path
// drops around the network path and the completion path briefly
// acquires before reentering the midlayer (spec §5). If omitted, Attach
// allocates a private one — correct for a single adapter instance, but
// a real midlayer shares one lock across every adapter it drives.
func WithCoarseLock(m *sync.Mutex) Option {
	return func(c *attachConfig) { c.coarseLock = m }
}
