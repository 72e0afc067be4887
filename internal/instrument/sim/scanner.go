package sim

import (
	"sync"
	"time"

	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
)

// Scanner simulates the confocal stage and auto-focus optimizer. Auto-focus
// wanders the stage briefly, then settles near the anchor with a small drift
// correction applied, mimicking the optimizer following a drifting emitter.
type Scanner struct {
	// FocusDuration is how long an auto-focus cycle reports running.
	FocusDuration time.Duration
	// RejectMoves makes MoveTo fail with ErrScannerBusy; tests use it to
	// exercise the abort path.
	RejectMoves bool
	// Drift is added to the anchor by each auto-focus, simulating the
	// optimizer tracking a slowly moving emitter.
	Drift instrument.Position

	logf func(format string, v ...interface{})

	mu         sync.Mutex
	pos        instrument.Position
	focusState instrument.ScanState
	focusRuns  int
}

// NewScanner creates a simulated scanner at the origin.
func NewScanner(focusDuration time.Duration) *Scanner {
	if focusDuration <= 0 {
		focusDuration = 5 * time.Millisecond
	}
	return &Scanner{
		FocusDuration: focusDuration,
		logf:          monitoring.Prefixed("sim-scanner"),
	}
}

// Position reports the current stage coordinates.
func (s *Scanner) Position() instrument.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// MoveTo repositions the stage.
func (s *Scanner) MoveTo(p instrument.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RejectMoves {
		return instrument.ErrScannerBusy
	}
	s.pos = p
	return nil
}

// StartAutofocus begins a drift-compensation cycle anchored at the given
// coordinates.
func (s *Scanner) StartAutofocus(anchor instrument.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focusState == instrument.ScanRunning {
		return instrument.ErrScannerBusy
	}
	s.focusState = instrument.ScanRunning
	s.focusRuns++
	s.logf("autofocus started at %s", anchor)
	time.AfterFunc(s.FocusDuration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pos = anchor.Add(s.Drift)
		s.focusState = instrument.ScanIdle
	})
	return nil
}

// AutofocusState reports whether an auto-focus cycle is in progress.
func (s *Scanner) AutofocusState() instrument.ScanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusState
}

// FocusRuns reports how many auto-focus cycles have been started.
func (s *Scanner) FocusRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusRuns
}
