// Package targets maintains the set of registered spatial points of interest
// and the calibration values measured against them.
package targets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
)

// ErrTargetNotFound is returned when a label or index resolves to nothing.
var ErrTargetNotFound = errors.New("target not found")

// Target is one registered point of interest. Anchor is fixed at
// registration; Shift is the mutable drift correction. The effective stage
// position is always Anchor + Shift, recomputed on every read.
type Target struct {
	Anchor instrument.Position `json:"anchor"`
	Shift  instrument.Position `json:"shift"`
	Label  string              `json:"label,omitempty"`

	// Calibration values; nil until measured.
	OdmrFreq   *float64 `json:"odmr_freq,omitempty"`   // Hz
	RabiPeriod *float64 `json:"rabi_period,omitempty"` // s
	T1         *float64 `json:"t1,omitempty"`          // s
	T2         *float64 `json:"t2,omitempty"`          // s
}

// Position returns the effective stage position Anchor + Shift.
func (t *Target) Position() instrument.Position {
	return t.Anchor.Add(t.Shift)
}

// SetPosition adjusts Shift so the effective position becomes p while the
// anchor stays fixed.
func (t *Target) SetPosition(p instrument.Position) {
	t.Shift = p.Sub(t.Anchor)
}

// Registry is the in-memory set of targets. It preserves registration order
// so targets remain addressable by index as well as by label. The mutex makes
// the registry safe for the HTTP control surface and the orchestrator to
// touch concurrently.
type Registry struct {
	mu   sync.RWMutex
	list []*Target
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a target at the given anchor position with a zero shift. A
// label collision replaces the previous entry, with a warning, so a re-scan
// of a known site does not accumulate duplicates.
func (r *Registry) Add(label string, anchor instrument.Position) *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	if label != "" {
		for i, t := range r.list {
			if t.Label == label {
				monitoring.Logf("target %q already registered, replacing old entry", label)
				r.list = append(r.list[:i], r.list[i+1:]...)
				break
			}
		}
	}
	t := &Target{Anchor: anchor, Label: label}
	r.list = append(r.list, t)
	return t
}

// Lookup resolves a target by label.
func (r *Registry) Lookup(label string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.list {
		if t.Label == label {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrTargetNotFound, label)
}

// At resolves a target by registration index.
func (r *Registry) At(index int) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.list) {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrTargetNotFound, index, len(r.list))
	}
	return r.list[index], nil
}

// RemoveLabel deletes the target with the given label. Removing an absent
// label is a no-op and reports false.
func (r *Registry) RemoveLabel(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.list {
		if t.Label == label {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveIndex deletes the target at the given index. Out-of-range indices
// are a no-op and report false.
func (r *Registry) RemoveIndex(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.list) {
		return false
	}
	r.list = append(r.list[:index], r.list[index+1:]...)
	return true
}

// SetShift sets the same drift correction on every registered target,
// re-anchoring the whole set after a coarse sample-stage move.
func (r *Registry) SetShift(shift instrument.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.list {
		t.Shift = shift
	}
}

// AddShift adds delta to every target's current shift.
func (r *Registry) AddShift(delta instrument.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.list {
		t.Shift = t.Shift.Add(delta)
	}
}

// Labels returns the labels of all targets in registration order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.list))
	for i, t := range r.list {
		out[i] = t.Label
	}
	return out
}

// Len reports the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Snapshot returns copies of all targets in registration order.
func (r *Registry) Snapshot() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, len(r.list))
	for i, t := range r.list {
		out[i] = *t
	}
	return out
}

// Replace swaps the registry contents, used when reloading from a store.
func (r *Registry) Replace(list []Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = make([]*Target, len(list))
	for i := range list {
		t := list[i]
		r.list[i] = &t
	}
}

// Store persists registry contents across process restarts. Implemented by
// the sqlite-backed store in internal/db.
type Store interface {
	SaveTargets([]Target) error
	LoadTargets() ([]Target, error)
}
