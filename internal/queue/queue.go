// Package queue groups the per-mode job queues behind a single lookup so the
// API intake and the dispatcher agree on routing without sharing wiring.
package queue

import (
	"fmt"

	"lenslate/internal/lens"
)

// Named pairs a queue with the mode it serves.
type Named struct {
	Mode  lens.Mode
	Queue lens.Queue
}

// Set routes jobs to the queue that owns their mode.
type Set struct {
	byMode map[lens.Mode]lens.Queue
}

// NewSet builds a Set from the given mode queues.
func NewSet(queues ...Named) *Set {
	byMode := make(map[lens.Mode]lens.Queue, len(queues))
	for _, n := range queues {
		byMode[n.Mode] = n.Queue
	}
	return &Set{byMode: byMode}
}

// ByMode returns the queue owning the given mode.
func (s *Set) ByMode(mode lens.Mode) (lens.Queue, error) {
	q, ok := s.byMode[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lens.ErrUnsupportedMode, mode)
	}
	return q, nil
}

// Modes lists the modes with a registered queue.
func (s *Set) Modes() []lens.Mode {
	modes := make([]lens.Mode, 0, len(s.byMode))
	for _, mode := range []lens.Mode{lens.ModeImages, lens.ModeText} {
		if _, ok := s.byMode[mode]; ok {
			modes = append(modes, mode)
		}
	}
	return modes
}

// Depths reports the current backlog per mode for queues that expose one.
func (s *Set) Depths() map[lens.Mode]int {
	depths := make(map[lens.Mode]int, len(s.byMode))
	for mode, q := range s.byMode {
		if m, ok := q.(interface{ Len() int }); ok {
			depths[mode] = m.Len()
		}
	}
	return depths
}
