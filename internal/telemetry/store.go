package telemetry

import (
	"cmp"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

// snapshotSet is never modified after it is published.
type snapshotSet struct {
	devices    map[int]core.GPUState
	generation uint64
}

// Store holds the latest GPU snapshots. Writers swap in a whole new set, so readers
// always see the devices of a single generation.
type Store struct {
	current atomic.Pointer[snapshotSet]
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(&snapshotSet{devices: map[int]core.GPUState{}})
	return s
}

// Publish merges the given snapshots into the current set and returns the new
// generation. Devices not mentioned keep their previous snapshot.
func (s *Store) Publish(states ...core.GPUState) (uint64, error) {
	return s.swap(states, true)
}

// Replace installs exactly the given snapshots; devices not mentioned are dropped.
func (s *Store) Replace(states ...core.GPUState) (uint64, error) {
	return s.swap(states, false)
}

func (s *Store) swap(states []core.GPUState, merge bool) (uint64, error) {
	incoming := make(map[int]core.GPUState, len(states))
	for _, g := range states {
		if _, dup := incoming[g.DeviceID()]; dup {
			e := core.NewError(core.InvalidSnapshot, "device %d reported twice", g.DeviceID())
			e.DeviceID = g.DeviceID()
			return 0, e
		}
		incoming[g.DeviceID()] = g
	}

	for {
		old := s.current.Load()
		next := &snapshotSet{generation: old.generation + 1}
		if merge {
			next.devices = maps.Clone(old.devices)
			maps.Copy(next.devices, incoming)
		} else {
			next.devices = incoming
		}
		if s.current.CompareAndSwap(old, next) {
			return next.generation, nil
		}
	}
}

// Snapshots returns the current snapshots sorted by device id.
func (s *Store) Snapshots() []core.GPUState {
	snaps, _ := s.View()
	return snaps
}

// View returns the current snapshots together with their generation.
func (s *Store) View() ([]core.GPUState, uint64) {
	set := s.current.Load()
	snaps := slices.Collect(maps.Values(set.devices))
	slices.SortFunc(snaps, func(a, b core.GPUState) int {
		return cmp.Compare(a.DeviceID(), b.DeviceID())
	})
	return snaps, set.generation
}

func (s *Store) Generation() uint64 {
	return s.current.Load().generation
}

func (s *Store) Device(id int) (core.GPUState, bool) {
	g, ok := s.current.Load().devices[id]
	return g, ok
}

func (s *Store) Len() int {
	return len(s.current.Load().devices)
}
