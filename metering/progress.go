package metering

import "context"

// Progress is how far an assignment got: units with at least one committed
// reading out of all units. Always 0 <= UnitsWithReading <= UnitsTotal.
type Progress struct {
	AssignmentID     AssignmentID
	UnitsTotal       int
	UnitsWithReading int
}

// Done is true when every unit of a non-empty assignment was read.
func (p Progress) Done() bool {
	return p.UnitsTotal > 0 && p.UnitsWithReading == p.UnitsTotal
}

// Percent returns the completion ratio as 0..100.
func (p Progress) Percent() float64 {
	if p.UnitsTotal == 0 {
		return 0
	}
	return float64(p.UnitsWithReading) * 100 / float64(p.UnitsTotal)
}

// ProgressTracker is a read model over assignments and readings. It keeps
// no state of its own.
type ProgressTracker struct {
	store Store
}

func NewProgressTracker(store Store) *ProgressTracker {
	return &ProgressTracker{store: store}
}

// Get computes progress for an assignment.
func (pt *ProgressTracker) Get(ctx context.Context, id AssignmentID) (Progress, error) {
	a, err := pt.store.GetAssignment(ctx, id)
	if err != nil {
		return Progress{}, classify("get assignment", err)
	}
	return pt.compute(ctx, *a)
}

// FromSession computes progress for the assignment of a loaded session.
func (pt *ProgressTracker) FromSession(ctx context.Context, s *Session) (Progress, error) {
	return pt.compute(ctx, s.Assignment)
}

func (pt *ProgressTracker) compute(ctx context.Context, a Assignment) (Progress, error) {
	readings, err := pt.store.ListReadingsByAssignment(ctx, a.ID)
	if err != nil {
		return Progress{}, classify("list readings", err)
	}

	inAssignment := unitSet(a.UnitIDs)
	read := make(map[UnitID]bool)
	for _, r := range readings {
		// Readings on units outside the frozen list don't count.
		if inAssignment[r.UnitID] {
			read[r.UnitID] = true
		}
	}

	p := Progress{AssignmentID: a.ID, UnitsTotal: len(inAssignment), UnitsWithReading: len(read)}
	if p.UnitsWithReading > p.UnitsTotal {
		p.UnitsWithReading = p.UnitsTotal
	}
	return p, nil
}
