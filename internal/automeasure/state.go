// Package automeasure drives unattended characterization measurements
// against registered targets. It owns the orchestration core: the experiment
// run state machine, the refocus interleaving that compensates spatial drift
// without losing accumulated measurement time, and the per-target
// characterization pipeline.
//
// Everything here runs on a single logical thread of control. Concurrency is
// cooperative: the orchestrator polls the independently-clocked instruments
// through instrument.Waiter and never preempts them. Mutexes exist only to
// keep the HTTP control surface safe, not to parallelize measurement.
package automeasure

// RunState is the observable lifecycle state of an experiment run.
type RunState string

const (
	StateIdle             RunState = "IDLE"
	StateConfiguring      RunState = "CONFIGURING"
	StateGenerating       RunState = "GENERATING_PROGRAM"
	StateSamplingLoading  RunState = "SAMPLING_AND_LOADING"
	StateArmed            RunState = "ARMED"
	StateAccumulating     RunState = "ACCUMULATING"
	StatePausedForRefocus RunState = "PAUSED_FOR_REFOCUS"
	StateStopped          RunState = "STOPPED"
	StateFitting          RunState = "FITTING"
	StatePersisted        RunState = "PERSISTED"
)
