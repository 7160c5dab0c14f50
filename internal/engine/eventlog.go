package engine

import (
	"sync"

	"soloride/internal/domain"
)

// EventType tags one element of a run's live stream.
type EventType string

const (
	EventLog    EventType = "log"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Event is one element of the ordered narration a run produces. The sequence
// is finite: zero or more log events, then exactly one result or error.
type Event struct {
	Type    EventType   `json:"type"`
	Line    string      `json:"line,omitempty"`
	Result  *RunResult  `json:"result,omitempty"`
	Failure *RunFailure `json:"failure,omitempty"`
}

// RunResult is the terminal payload of a successful run.
type RunResult struct {
	RunID   string               `json:"run_id"`
	Booking domain.BookingRecord `json:"booking"`
	// NeedsAttention lists filler ride ids whose commit-phase cancel
	// failed and requires manual operator cleanup.
	NeedsAttention []int64 `json:"needs_attention,omitempty"`
}

// FailureKind distinguishes why a run failed.
type FailureKind string

const (
	FailInsufficientAccounts FailureKind = "insufficient_accounts"
	FailSearch               FailureKind = "search_failed"
	FailFillerBooking        FailureKind = "filler_booking_failed"
	FailTargetBooking        FailureKind = "target_booking_failed"
	FailDispatchTimeout      FailureKind = "dispatch_timeout"
)

// RunFailure is the terminal payload of a failed run.
type RunFailure struct {
	RunID   string      `json:"run_id,omitempty"`
	Kind    FailureKind `json:"kind"`
	Account string      `json:"account,omitempty"`
	Reason  string      `json:"reason"`
	// PartialRollback is set when one or more compensating cancels failed;
	// NeedsAttention lists the ride ids left for the operator.
	PartialRollback bool    `json:"partial_rollback,omitempty"`
	NeedsAttention  []int64 `json:"needs_attention,omitempty"`
}

func (f RunFailure) Error() string { return f.Reason }

// eventLogBuffer bounds the narration buffer; the saga never blocks on a
// slow or disconnected log subscriber, it drops narration instead. The
// status store, not this stream, is the durable record of what is booked.
// The channel carries one extra slot so the terminal event always fits.
const eventLogBuffer = 256

type runLog struct {
	mu sync.Mutex
	ch chan Event
}

func newRunLog() *runLog {
	return &runLog{ch: make(chan Event, eventLogBuffer+1)}
}

// emit sends a narration event, dropping it under backpressure. Log events
// never take the last slot; that one belongs to the terminal event.
func (l *runLog) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ch) >= eventLogBuffer {
		return
	}
	l.ch <- ev
}

// emitTerminal sends the single result or error event. The reserved slot
// makes the send non-blocking even when every log slot is occupied.
func (l *runLog) emitTerminal(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch <- ev
}

func (l *runLog) close() { close(l.ch) }
