package stream

import (
	"errors"
	"fmt"
)

// End reason codes (tor-spec §6.4), the subset this package's retry policy
// distinguishes.
const (
	ReasonMisc          uint8 = 1
	ReasonResolveFailed uint8 = 2
	ReasonConnectRefused uint8 = 3
	ReasonExitPolicy    uint8 = 4
	ReasonTimeout       uint8 = 8
	ReasonHibernating   uint8 = 9
	ReasonResourceLimit uint8 = 10
	ReasonTorProtocol   uint8 = 13
)

// maxRetriesPerAddress bounds the retry loop for transient failure reasons
// (spec.md §4.7: "retry while the counter is below the fixed bound (3)").
const maxRetriesPerAddress = 3

// RetryOutcome is the action the caller (the dispatcher's origin-side END
// handler) should take after EndBeforeOpen evaluates an unopened stream's
// END reason.
type RetryOutcome int

const (
	// OutcomeClose gives up and closes the stream with the remote reason.
	OutcomeClose RetryOutcome = iota
	// OutcomeReattach reattaches the stream to a different circuit.
	OutcomeReattach
)

// FailureCounter tracks per-address retry attempts for the RESOLVEFAILED/
// TIMEOUT/MISC/CONNECTREFUSED branch of the retry policy. The zero value is
// ready to use.
type FailureCounter struct {
	counts map[string]int
}

// Increment bumps addr's failure count and reports whether the bound
// (maxRetriesPerAddress) has been reached.
func (f *FailureCounter) Increment(addr string) (exhausted bool) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[addr]++
	return f.counts[addr] >= maxRetriesPerAddress
}

// Clear resets addr's failure count (e.g. after a successful connect).
func (f *FailureCounter) Clear(addr string) {
	delete(f.counts, addr)
}

// EndBeforeOpenError is returned by Begin when the stream is rejected by
// RELAY_END before reaching RELAY_CONNECTED, carrying the reason so a
// caller can apply EndBeforeOpen.
type EndBeforeOpenError struct {
	Reason uint8
}

func (e *EndBeforeOpenError) Error() string {
	return fmt.Sprintf("stream rejected before open: RELAY_END reason=%d", e.Reason)
}

// BeginWithRetry implements spec.md §4.7 end-to-end around a single
// tryBegin attempt (typically a closure calling Begin on a freshly built
// circuit): on an EndBeforeOpenError, consult EndBeforeOpen and either
// retry (calling tryBegin again, presumably against a different circuit)
// or give up.
func BeginWithRetry(tryBegin func() (*Stream, error), addr string, failures *FailureCounter) (*Stream, error) {
	for {
		s, err := tryBegin()
		if err == nil {
			failures.Clear(addr)
			return s, nil
		}

		var endErr *EndBeforeOpenError
		if !errors.As(err, &endErr) {
			return nil, err
		}
		if EndBeforeOpen(endErr.Reason, addr, failures) == OutcomeClose {
			return nil, fmt.Errorf("give up after retries: %w", err)
		}
	}
}

// EndBeforeOpen implements spec.md §4.7 for a stream that received END
// before becoming open. addr is the stream's target address and keys the
// failure counter. On EXITPOLICY it only returns OutcomeReattach: addr is
// not used, no DNS cache is seeded and the exit is not marked restrictive.
func EndBeforeOpen(reason uint8, addr string, failures *FailureCounter) RetryOutcome {
	switch reason {
	case ReasonExitPolicy:
		// Only the retry action is decided here; the END cell's
		// address+TTL payload is not read.
		return OutcomeReattach
	case ReasonResolveFailed, ReasonTimeout, ReasonMisc, ReasonConnectRefused:
		if failures.Increment(addr) {
			return OutcomeClose
		}
		return OutcomeReattach
	case ReasonHibernating, ReasonResourceLimit:
		return OutcomeReattach
	default:
		return OutcomeClose
	}
}
