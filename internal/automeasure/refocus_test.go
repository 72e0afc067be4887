package automeasure

import (
	"testing"
	"time"

	"github.com/nvlab-data/autochar/internal/instrument"
)

func newRefocusBench() (*Refocuser, *fakePulser, *fakeScanner, *testClock) {
	clock := newTestClock()
	pulser := &fakePulser{}
	scanner := &fakeScanner{}
	wait := instrument.Waiter{
		Interval: 100 * time.Millisecond,
		Sleep:    clock.Sleep,
		Now:      clock.Now,
	}
	r := NewRefocuser(pulser, scanner, wait, 500*time.Millisecond)
	r.sleep = clock.Sleep
	return r, pulser, scanner, clock
}

func TestRefocusStashesAndResumesMeasurement(t *testing.T) {
	r, pulser, scanner, _ := newRefocusBench()
	pulser.loaded = "hahn_echo"
	pulser.status.MeasurementRunning = true
	pulser.paused = false

	if err := r.Refocus(); err != nil {
		t.Fatalf("Refocus: %v", err)
	}

	// The in-flight program survives the cycle and acquisition is running
	// again at the end.
	if pulser.loaded != "hahn_echo" {
		t.Errorf("loaded = %q, want the stashed program back", pulser.loaded)
	}
	if !pulser.status.MeasurementRunning {
		t.Error("measurement not resumed after refocus")
	}
	if pulser.status.OutputEnabled {
		t.Error("pulser output left enabled after refocus")
	}

	// Pause before the neutral program, reload after the focus, resume last.
	idx := func(call string) int {
		for i, c := range pulser.calls {
			if c == call {
				return i
			}
		}
		t.Fatalf("call %q missing from %v", call, pulser.calls)
		return -1
	}
	if !(idx("pause") < idx("load:laser_on") && idx("load:laser_on") < idx("load:hahn_echo") && idx("load:hahn_echo") < idx("resume")) {
		t.Errorf("call order wrong: %v", pulser.calls)
	}
	if scanner.focusRuns != 1 {
		t.Errorf("focus runs = %d, want 1", scanner.focusRuns)
	}
}

func TestRefocusIdlePulserSkipsPauseResume(t *testing.T) {
	r, pulser, _, _ := newRefocusBench()

	if err := r.Refocus(); err != nil {
		t.Fatalf("Refocus: %v", err)
	}
	for _, c := range pulser.calls {
		if c == "pause" || c == "resume" {
			t.Errorf("unexpected %s on an idle pulser", c)
		}
	}
	// Nothing to restore: the neutral program stays loaded.
	if pulser.loaded != "laser_on" {
		t.Errorf("loaded = %q, want laser_on", pulser.loaded)
	}
	if pulser.status.MeasurementRunning {
		t.Error("idle pulser should stay idle")
	}
}

func TestRefocusAnchorsAtCurrentPosition(t *testing.T) {
	r, _, scanner, _ := newRefocusBench()
	scanner.pos = instrument.Position{1e-6, 2e-6, 3e-6}
	scanner.drift = instrument.Position{1e-8, 0, 0}

	if err := r.Refocus(); err != nil {
		t.Fatalf("Refocus: %v", err)
	}
	if scanner.lastAnchor != (instrument.Position{1e-6, 2e-6, 3e-6}) {
		t.Errorf("anchor = %v, want the pre-focus position", scanner.lastAnchor)
	}
	// The optimizer settles near the anchor with the drift correction applied.
	want := instrument.Position{1e-6 + 1e-8, 2e-6, 3e-6}
	if scanner.pos != want {
		t.Errorf("position = %v, want %v", scanner.pos, want)
	}
}
