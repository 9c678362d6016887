package ingestion

import "time"

// SlotClock is the server's source of the current slot. Every request is
// stamped from it on arrival.
type SlotClock interface {
	Slot() uint64
}

// SlotFunc adapts a function to SlotClock.
type SlotFunc func() uint64

func (f SlotFunc) Slot() uint64 { return f() }

// WallClock counts one slot per SlotDuration since Genesis.
type WallClock struct {
	Genesis      time.Time
	SlotDuration time.Duration
}

func (c WallClock) Slot() uint64 {
	elapsed := time.Since(c.Genesis)
	if elapsed <= 0 || c.SlotDuration <= 0 {
		return 0
	}
	return uint64(elapsed / c.SlotDuration)
}
