package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/domain"
)

// SinkFunc adapts a function to domain.ProgressSink.
type SinkFunc func(domain.ProgressEvent)

func (f SinkFunc) Emit(ev domain.ProgressEvent) { f(ev) }

// chanSink forwards events to a buffered channel and drops them when the
// reader has fallen behind or gone away. The terminal "complete" event is
// never dropped: it waits up to finalWait for room, then evicts the oldest
// buffered event.
type chanSink struct {
	mu        sync.Mutex
	ch        chan domain.ProgressEvent
	closed    bool
	finalWait time.Duration
}

func newChanSink(size int) *chanSink {
	return &chanSink{ch: make(chan domain.ProgressEvent, size), finalWait: 5 * time.Second}
}

func (s *chanSink) Emit(ev domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	if ev.Step != "complete" {
		return
	}

	timer := time.NewTimer(s.finalWait)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return
	case <-timer.C:
	}
	if cap(s.ch) == 0 {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *chanSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Phase weights inside one account's share of the batch percentage.
var phasePercent = map[domain.Phase]int{
	domain.PhaseInit:           0,
	domain.PhaseConnecting:     10,
	domain.PhaseAuthenticating: 20,
	domain.PhaseOTP:            30,
	domain.PhaseRetry:          30,
	domain.PhaseFetching:       40,
	domain.PhaseProcessing:     70,
	domain.PhaseSaving:         85,
	domain.PhaseComplete:       100,
}

// emitter stamps and fans out progress events for one batch. A panicking
// sink is logged and ignored.
type emitter struct {
	batchID string
	sinks   []domain.ProgressSink
	log     zerolog.Logger
	now     func() time.Time
}

func (e *emitter) emit(ev domain.ProgressEvent) {
	ev.BatchID = e.batchID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	for _, s := range e.sinks {
		if s == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn().Interface("panic", r).Str("step", ev.Step).Msg("progress sink failed")
				}
			}()
			s.Emit(ev)
		}()
	}
}

// accountPercent maps a phase of account i (0-based) of n to a batch percent.
func accountPercent(i, n int, phase domain.Phase) int {
	if n <= 0 {
		return 0
	}
	share := 100 / float64(n)
	return int(float64(i)*share + share*float64(phasePercent[phase])/100)
}

func boolPtr(b bool) *bool { return &b }
