package db

import (
	"database/sql"
	"fmt"

	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/targets"
)

// TargetStore persists the target registry. It implements targets.Store.
type TargetStore struct {
	db *DB
}

// NewTargetStore creates a store over the shared database handle.
func NewTargetStore(db *DB) *TargetStore {
	return &TargetStore{db: db}
}

// SaveTargets replaces the persisted target set with the given snapshot. The
// replace runs in one transaction so a crash cannot leave a half-written set.
// Unlabeled targets are legal and may repeat; only non-empty labels are
// unique, matching the registry's collision rule.
func (s *TargetStore) SaveTargets(list []targets.Target) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin target save: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM targets`); err != nil {
			return fmt.Errorf("clear targets: %w", err)
		}
		for _, t := range list {
			_, err := tx.Exec(`
				INSERT INTO targets (
					label, anchor_x, anchor_y, anchor_z,
					shift_x, shift_y, shift_z,
					odmr_freq, rabi_period, t1, t2, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
				t.Label,
				t.Anchor[0], t.Anchor[1], t.Anchor[2],
				t.Shift[0], t.Shift[1], t.Shift[2],
				nullFloat(t.OdmrFreq), nullFloat(t.RabiPeriod),
				nullFloat(t.T1), nullFloat(t.T2),
			)
			if err != nil {
				return fmt.Errorf("insert target %q: %w", t.Label, err)
			}
		}
		return tx.Commit()
	})
}

// LoadTargets reads back the persisted target set in insertion order, so
// index addressing survives a restart.
func (s *TargetStore) LoadTargets() ([]targets.Target, error) {
	rows, err := s.db.Query(`
		SELECT label, anchor_x, anchor_y, anchor_z,
		       shift_x, shift_y, shift_z,
		       odmr_freq, rabi_period, t1, t2
		FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []targets.Target
	for rows.Next() {
		var t targets.Target
		var anchor, shift instrument.Position
		var odmr, rabi, t1, t2 sql.NullFloat64
		err := rows.Scan(&t.Label,
			&anchor[0], &anchor[1], &anchor[2],
			&shift[0], &shift[1], &shift[2],
			&odmr, &rabi, &t1, &t2)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.Anchor = anchor
		t.Shift = shift
		t.OdmrFreq = floatPtr(odmr)
		t.RabiPeriod = floatPtr(rabi)
		t.T1 = floatPtr(t1)
		t.T2 = floatPtr(t2)
		out = append(out, t)
	}
	return out, rows.Err()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
