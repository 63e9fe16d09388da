package crdt

import (
	"sort"
)

// Struct is a unit of the operation log: either an Item or a GC range.
type Struct interface {
	StructID() ID
	Len() uint64
	IsDeleted() bool
}

// GC is a range of clocks whose items were garbage-collected. It keeps the
// clocks occupied so per-client sequences stay contiguous.
type GC struct {
	ID     ID
	Length uint64
}

func (g *GC) StructID() ID    { return g.ID }
func (g *GC) Len() uint64     { return g.Length }
func (g *GC) IsDeleted() bool { return true }

func lastID(s Struct) ID {
	id := s.StructID()
	return ID{Client: id.Client, Clock: id.Clock + s.Len() - 1}
}

// structStore is the operation log of one replica: for every client, its
// structs sorted by clock with no gaps.
type structStore struct {
	clients map[uint64][]Struct
}

func newStructStore() *structStore {
	return &structStore{clients: make(map[uint64][]Struct)}
}

// state is the next clock expected from client.
func (s *structStore) state(client uint64) uint64 {
	structs := s.clients[client]
	if len(structs) == 0 {
		return 0
	}
	last := structs[len(structs)-1]
	return last.StructID().Clock + last.Len()
}

func (s *structStore) stateVector() StateVector {
	sv := make(StateVector, len(s.clients))
	for client := range s.clients {
		if st := s.state(client); st > 0 {
			sv[client] = st
		}
	}
	return sv
}

func (s *structStore) add(st Struct) {
	id := st.StructID()
	s.clients[id.Client] = append(s.clients[id.Client], st)
}

// sortedClients returns the client ids in descending order, the order used
// on the wire.
func (s *structStore) sortedClients() []uint64 {
	out := make([]uint64, 0, len(s.clients))
	for client := range s.clients {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// findIndex returns the index of the struct containing clock, or -1.
func findIndex(structs []Struct, clock uint64) int {
	i := sort.Search(len(structs), func(i int) bool {
		st := structs[i]
		return st.StructID().Clock+st.Len() > clock
	})
	if i < len(structs) && structs[i].StructID().Clock <= clock {
		return i
	}
	return -1
}

func (s *structStore) find(id ID) Struct {
	structs := s.clients[id.Client]
	if i := findIndex(structs, id.Clock); i >= 0 {
		return structs[i]
	}
	return nil
}

func (s *structStore) insertAt(client uint64, index int, st Struct) {
	structs := s.clients[client]
	structs = append(structs, nil)
	copy(structs[index+1:], structs[index:])
	structs[index] = st
	s.clients[client] = structs
}

// cleanStart returns the struct that starts exactly at id, splitting an item
// if needed. GC ranges are never split.
func (s *structStore) cleanStart(id ID) Struct {
	structs := s.clients[id.Client]
	i := findIndex(structs, id.Clock)
	if i < 0 {
		return nil
	}
	st := structs[i]
	if it, ok := st.(*Item); ok && it.ID.Clock < id.Clock {
		right := it.split(id.Clock - it.ID.Clock)
		s.insertAt(id.Client, i+1, right)
		return right
	}
	return st
}

// cleanEnd returns the struct that ends exactly at id, splitting an item if
// needed.
func (s *structStore) cleanEnd(id ID) Struct {
	structs := s.clients[id.Client]
	i := findIndex(structs, id.Clock)
	if i < 0 {
		return nil
	}
	st := structs[i]
	if it, ok := st.(*Item); ok && id.Clock != it.ID.Clock+it.Length-1 {
		right := it.split(id.Clock - it.ID.Clock + 1)
		s.insertAt(id.Client, i+1, right)
	}
	return st
}

// deleteSet collects the clock ranges of every deleted struct.
func (s *structStore) deleteSet() DeleteSet {
	ds := DeleteSet{}
	for client, structs := range s.clients {
		for _, st := range structs {
			if st.IsDeleted() {
				ds.Add(client, st.StructID().Clock, st.Len())
			}
		}
	}
	ds.normalize()
	return ds
}
