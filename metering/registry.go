/*
registry.go - Meter lookup, lazy provisioning and last-index bookkeeping

PURPOSE:
  A unit gets its meter record the first time someone submits a reading for
  it. Several readers can hit the same unit at the same moment, so creation
  goes through FindOrCreateMeter, which the store makes atomic. The registry
  never does "lookup, then insert" in application code.

INVARIANT:
  At most one active Meter per (UnitID, ServiceID).

LAST INDEX:
  Meter.LastReading follows the latest committed Reading on the meter,
  whichever assignment produced it. Advance is a compare-and-set on the
  reading date: a late-arriving older reading never rewinds the meter.

SEE ALSO:
  - submission.go: calls FindOrCreate and Advance while committing
  - store/sqlite/sqlite.go: partial unique index idx_meters_active_unit_service
*/
package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Registry owns meter records.
type Registry struct {
	store MeterStore
	now   func() time.Time
}

func NewRegistry(store MeterStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Find returns the active meter for the unit and service, or nil.
func (r *Registry) Find(ctx context.Context, unitID UnitID, serviceID ServiceID) (*Meter, error) {
	m, err := r.store.FindMeter(ctx, unitID, serviceID)
	if err != nil {
		return nil, classify("find meter", err)
	}
	return m, nil
}

// ListForUnits returns the active meters of the units, keyed by unit.
func (r *Registry) ListForUnits(ctx context.Context, serviceID ServiceID, unitIDs []UnitID) (map[UnitID]Meter, error) {
	meters, err := r.store.ListMeters(ctx, serviceID, unitIDs)
	if err != nil {
		return nil, classify("list meters", err)
	}
	byUnit := make(map[UnitID]Meter, len(meters))
	for _, m := range meters {
		if m.Active {
			byUnit[m.UnitID] = m
		}
	}
	return byUnit, nil
}

// FindOrCreate returns the active meter for the unit, provisioning one with
// the given code when none exists. created reports whether a row was inserted.
func (r *Registry) FindOrCreate(ctx context.Context, unitID UnitID, serviceID ServiceID, code string) (Meter, bool, error) {
	candidate := Meter{
		ID:        MeterID(uuid.NewString()),
		UnitID:    unitID,
		ServiceID: serviceID,
		Code:      code,
		Active:    true,
		CreatedAt: r.now().UTC(),
	}

	m, created, err := r.store.FindOrCreateMeter(ctx, candidate)
	if errors.Is(err, ErrConflict) {
		// Lost a race against another writer between its insert and commit.
		existing, findErr := r.store.FindMeter(ctx, unitID, serviceID)
		if findErr == nil && existing != nil {
			return *existing, false, nil
		}
		return Meter{}, false, &ConflictError{Resource: "meter", Key: string(unitID) + "/" + string(serviceID), Err: err}
	}
	if err != nil {
		return Meter{}, false, classify("find or create meter", err)
	}
	return m, created, nil
}

// Advance moves the meter's last index inside a reading transaction.
func (r *Registry) Advance(ctx context.Context, tx ReadingTx, meterID MeterID, value decimal.Decimal, date time.Time) (bool, error) {
	moved, err := tx.AdvanceMeter(ctx, meterID, value, Day(date))
	if err != nil {
		return false, classify("advance meter", err)
	}
	return moved, nil
}

// EffectivePrev returns the index a new reading on the meter must exceed.
//
// The latest stored reading wins. If that reading belongs to the assignment
// being submitted, the new reading replaces it, so its PrevIndex still
// applies; otherwise its CurrIndex is the new floor. With no readings the
// meter's LastReading applies, and a meter that doesn't exist yet starts at 0.
func EffectivePrev(latest *Reading, meter *Meter, assignmentID AssignmentID) decimal.Decimal {
	if latest != nil {
		if latest.AssignmentID == assignmentID {
			return latest.PrevIndex
		}
		return latest.CurrIndex
	}
	if meter != nil {
		return meter.LastIndex()
	}
	return decimal.Zero
}

// LatestOf returns the chronologically latest reading, or nil for none.
func LatestOf(readings []Reading) *Reading {
	var latest *Reading
	for i := range readings {
		if latest == nil || readings[i].After(*latest) {
			latest = &readings[i]
		}
	}
	return latest
}
