package crdt

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// StateVector maps a client to the next clock expected from it, which is one
// past the highest clock seen. Absent clients have seen nothing.
type StateVector map[uint64]uint64

func (sv StateVector) Get(client uint64) uint64 { return sv[client] }

// Covers reports whether id has already been seen.
func (sv StateVector) Covers(id ID) bool { return id.Clock < sv[id.Client] }

// Dominates reports whether sv has seen everything other has seen.
func (sv StateVector) Dominates(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

// Clients returns the client ids in descending order.
func (sv StateVector) Clients() []uint64 {
	out := make([]uint64, 0, len(sv))
	for client := range sv {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// ComputeStateVector derives the state vector of a batch of structs: for
// every client, the end of its furthest struct.
func ComputeStateVector(structs []Struct) StateVector {
	sv := StateVector{}
	for _, st := range structs {
		id := st.StructID()
		if end := id.Clock + st.Len(); end > sv[id.Client] {
			sv[id.Client] = end
		}
	}
	return sv
}

// EncodeStateVector writes sv as varuint pairs in descending client order.
func EncodeStateVector(sv StateVector) []byte {
	enc := &encoder{}
	clients := sv.Clients()
	enc.writeVarUint(uint64(len(clients)))
	for _, client := range clients {
		enc.writeVarUint(client)
		enc.writeVarUint(sv[client])
	}
	return enc.bytes()
}

// DecodeStateVector parses an encoded state vector. Empty input is the empty
// vector. A client listed twice is malformed.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	d := newDecoder(b)
	n, err := d.readLen(2)
	if err != nil {
		return nil, err
	}
	seen := mapset.NewThreadUnsafeSetWithSize[uint64](n)
	for i := 0; i < n; i++ {
		client, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		if !seen.Add(client) {
			return nil, d.fail("duplicate client in state vector")
		}
		sv[client] = clock
	}
	if d.remaining() > 0 {
		return nil, d.fail("trailing bytes after state vector")
	}
	return sv, nil
}
