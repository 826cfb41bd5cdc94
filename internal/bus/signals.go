package bus

import "sync"

// Shutdown phases. Workers observe these in order: Stopping means stop
// accepting new work, LastWrite covers the fragmenter's final sweep and
// forced tier moves, Shutdown means persistent connections may close.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseStopping
	PhaseLastWrite
	PhaseShutdown
)

// Signals fans out the ordered shutdown phases to every worker. Each phase
// channel is closed exactly once when the phase is entered; closed channels
// stay readable so late subscribers never miss a phase.
type Signals struct {
	mu       sync.Mutex
	phase    Phase
	stopping chan struct{}
	last     chan struct{}
	shutdown chan struct{}
}

// NewSignals creates a Signals in the running phase.
func NewSignals() *Signals {
	return &Signals{
		stopping: make(chan struct{}),
		last:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// Advance moves to the given phase, closing the channels of every phase up
// to and including it. Moving backwards is a no-op.
func (s *Signals) Advance(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p <= s.phase {
		return
	}
	if s.phase < PhaseStopping && p >= PhaseStopping {
		close(s.stopping)
	}
	if s.phase < PhaseLastWrite && p >= PhaseLastWrite {
		close(s.last)
	}
	if s.phase < PhaseShutdown && p >= PhaseShutdown {
		close(s.shutdown)
	}
	s.phase = p
}

// Phase returns the current phase.
func (s *Signals) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Stopping is closed once new work should stop being accepted.
func (s *Signals) Stopping() <-chan struct{} { return s.stopping }

// LastWrite is closed once final writes (fragmenter sweep, forced tier
// moves) should run.
func (s *Signals) LastWrite() <-chan struct{} { return s.last }

// Shutdown is closed once persistent connections may be torn down.
func (s *Signals) Shutdown() <-chan struct{} { return s.shutdown }
