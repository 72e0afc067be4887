package scpi

import (
	"encoding/json"
	"fmt"

	"github.com/nvlab-data/autochar/internal/fitting"
	"github.com/nvlab-data/autochar/internal/instrument"
)

// Pulser drives a pulse sequencer over SCPI. Sequence specs and fit results
// cross the wire as JSON payloads; status is a flat flag vector so the
// orchestrator's polling stays a single short query.
type Pulser struct {
	conn *Conn
}

// NewPulser wraps a SCPI connection as a pulse sequencer.
func NewPulser(conn *Conn) *Pulser {
	return &Pulser{conn: conn}
}

func (p *Pulser) GenerateSequence(kind string, spec instrument.SequenceSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode sequence spec: %w", err)
	}
	return p.conn.Send(fmt.Sprintf("SEQ:GEN %s %s", kind, payload))
}

func (p *Pulser) SampleEnsemble(name string, withLoad bool) error {
	load := 0
	if withLoad {
		load = 1
	}
	return p.conn.Send(fmt.Sprintf("SEQ:SAMP %s,%d", name, load))
}

func (p *Pulser) LoadEnsemble(name string) error {
	return p.conn.Send("SEQ:LOAD " + name)
}

func (p *Pulser) LoadedAsset() string {
	name, err := p.conn.Ask("SEQ:LOAD?")
	if err != nil {
		return ""
	}
	return name
}

func (p *Pulser) SetOutputEnabled(on bool) error {
	if on {
		return p.conn.Send("OUTP 1")
	}
	return p.conn.Send("OUTP 0")
}

func (p *Pulser) StartMeasurement() error  { return p.conn.Send("MEAS:STAR") }
func (p *Pulser) StopMeasurement() error   { return p.conn.Send("MEAS:STOP") }
func (p *Pulser) PauseMeasurement() error  { return p.conn.Send("MEAS:PAUS") }
func (p *Pulser) ResumeMeasurement() error { return p.conn.Send("MEAS:CONT") }

func (p *Pulser) SetGenerationParams(params instrument.GenerationParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode generation params: %w", err)
	}
	return p.conn.Send("GPAR " + string(payload))
}

func (p *Pulser) GenerationParams() instrument.GenerationParams {
	var params instrument.GenerationParams
	reply, err := p.conn.Ask("GPAR?")
	if err != nil {
		return params
	}
	if err := json.Unmarshal([]byte(reply), &params); err != nil {
		return instrument.GenerationParams{}
	}
	return params
}

func (p *Pulser) StartFit(fitID string) error {
	return p.conn.Send("FIT:STAR " + fitID)
}

func (p *Pulser) FitResult() (fitting.Result, error) {
	reply, err := p.conn.Ask("FIT:RES?")
	if err != nil {
		return fitting.Result{}, err
	}
	var result fitting.Result
	if err := json.Unmarshal([]byte(reply), &result); err != nil {
		return fitting.Result{}, fmt.Errorf("decode fit result: %w", err)
	}
	return result, nil
}

func (p *Pulser) Save(tag string, withError bool) error {
	we := 0
	if withError {
		we = 1
	}
	return p.conn.Send(fmt.Sprintf("DATA:SAVE %s,%d", tag, we))
}

// Status polls the sequencer's flag vector:
// generation, sample/load, loading, measuring, output, fitting.
func (p *Pulser) Status() instrument.PulserStatus {
	flags, err := p.conn.AskFlags("STAT?", 6)
	if err != nil {
		// A failed status read reports everything busy so waiters keep
		// polling instead of proceeding on garbage.
		return instrument.PulserStatus{
			GenerationBusy: true, SampleLoadBusy: true, LoadingBusy: true,
			MeasurementRunning: true, FittingBusy: true,
		}
	}
	return instrument.PulserStatus{
		GenerationBusy:     flags[0],
		SampleLoadBusy:     flags[1],
		LoadingBusy:        flags[2],
		MeasurementRunning: flags[3],
		OutputEnabled:      flags[4],
		FittingBusy:        flags[5],
	}
}
