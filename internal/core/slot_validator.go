package core

import (
	"fmt"

	"Percolator/internal/riskerr"
)

// SlotValidator enforces that the clock never runs backwards across
// committed instructions. Equal slots are allowed: many instructions may
// execute within one slot.
// Not thread-safe: only accessed from the single-threaded controller.
type SlotValidator struct {
	lastSlot    uint64
	regressions int64
}

func NewSlotValidator(startSlot uint64) *SlotValidator {
	return &SlotValidator{lastSlot: startSlot}
}

// ValidateSlot rejects a slot behind the last committed one.
func (sv *SlotValidator) ValidateSlot(slot uint64) error {
	if slot < sv.lastSlot {
		sv.regressions++
		return fmt.Errorf("%w: got %d, last committed %d", riskerr.ErrSlotRegress, slot, sv.lastSlot)
	}
	return nil
}

// Advance records the slot of a committed instruction.
func (sv *SlotValidator) Advance(slot uint64) {
	if slot > sv.lastSlot {
		sv.lastSlot = slot
	}
}

// PushIsFresh reports whether an oracle push published at publishSlot is
// newer than the stored one. Older pushes are ignored, gaps are tolerated.
func PushIsFresh(storedSlot, publishSlot uint64) bool {
	return publishSlot > storedSlot
}

// LastSlot returns the slot of the last committed instruction.
func (sv *SlotValidator) LastSlot() uint64 {
	return sv.lastSlot
}

// Regressions returns how many requests arrived with a stale slot.
func (sv *SlotValidator) Regressions() int64 {
	return sv.regressions
}
