package scpi

import (
	"encoding/json"
	"fmt"

	"github.com/nvlab-data/autochar/internal/fitting"
	"github.com/nvlab-data/autochar/internal/instrument"
)

// Scanner drives the confocal stage and auto-focus optimizer over SCPI.
type Scanner struct {
	conn *Conn
}

// NewScanner wraps a SCPI connection as a confocal scanner.
func NewScanner(conn *Conn) *Scanner {
	return &Scanner{conn: conn}
}

func (s *Scanner) Position() instrument.Position {
	coords, err := s.conn.AskFloats("POS?", 3)
	if err != nil {
		return instrument.Position{}
	}
	return instrument.Position{coords[0], coords[1], coords[2]}
}

func (s *Scanner) MoveTo(p instrument.Position) error {
	code, err := s.conn.AskFloat(fmt.Sprintf("POS %g,%g,%g", p[0], p[1], p[2]))
	if err != nil {
		return err
	}
	if code != 0 {
		return instrument.ErrScannerBusy
	}
	return nil
}

func (s *Scanner) StartAutofocus(anchor instrument.Position) error {
	return s.conn.Send(fmt.Sprintf("FOC:STAR %g,%g,%g", anchor[0], anchor[1], anchor[2]))
}

func (s *Scanner) AutofocusState() instrument.ScanState {
	reply, err := s.conn.Ask("FOC:STAT?")
	if err != nil || reply == "running" {
		// An unreadable optimizer is treated as still running; waiters keep
		// polling rather than declaring focus complete.
		return instrument.ScanRunning
	}
	return instrument.ScanIdle
}

// Resonance drives the microwave sweep subsystem over SCPI.
type Resonance struct {
	conn *Conn
}

// NewResonance wraps a SCPI connection as a resonance sweeper.
func NewResonance(conn *Conn) *Resonance {
	return &Resonance{conn: conn}
}

func (r *Resonance) ConfigureSweep(s instrument.SweepSettings) (instrument.SweepSettings, error) {
	granted, err := r.conn.AskFloats(
		fmt.Sprintf("SWE:CONF %g,%g,%g,%g", s.Start, s.Stop, s.Step, s.Power), 4)
	if err != nil {
		return instrument.SweepSettings{}, err
	}
	return instrument.SweepSettings{
		Start: granted[0], Stop: granted[1], Step: granted[2], Power: granted[3],
	}, nil
}

func (r *Resonance) SetRuntime(seconds float64) (float64, error) {
	return r.conn.AskFloat(fmt.Sprintf("SWE:TIME %g", seconds))
}

func (r *Resonance) StartScan() error {
	return r.conn.Send("SWE:STAR")
}

func (r *Resonance) State() instrument.ScanState {
	reply, err := r.conn.Ask("SWE:STAT?")
	if err != nil || reply == "running" {
		return instrument.ScanRunning
	}
	return instrument.ScanIdle
}

func (r *Resonance) StartFit(fitID string) error {
	return r.conn.Send("FIT:STAR " + fitID)
}

func (r *Resonance) FitResult() (fitting.Result, error) {
	reply, err := r.conn.Ask("FIT:RES?")
	if err != nil {
		return fitting.Result{}, err
	}
	var result fitting.Result
	if err := json.Unmarshal([]byte(reply), &result); err != nil {
		return fitting.Result{}, fmt.Errorf("decode fit result: %w", err)
	}
	return result, nil
}

func (r *Resonance) Save(tag string) error {
	return r.conn.Send("DATA:SAVE " + tag)
}
