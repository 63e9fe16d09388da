package crdt

import (
	"sort"
)

// Update is a decoded update: structs in wire order plus the delete set.
type Update struct {
	Structs []Struct
	Deletes DeleteSet
}

// skip fills a clock gap inside a client block on the wire. It is never
// integrated.
type skip struct {
	ID     ID
	Length uint64
}

func (s *skip) StructID() ID    { return s.ID }
func (s *skip) Len() uint64     { return s.Length }
func (s *skip) IsDeleted() bool { return false }

func (s *skip) write(enc *encoder) {
	enc.writeUint8(refSkip)
	enc.writeVarUint(s.Length)
}

type structWriter interface {
	Struct
	write(enc *encoder)
}

// EmptyUpdate is the canonical encoding of an update with no structs and no
// deletions.
func EmptyUpdate() []byte {
	return []byte{0, 0}
}

// DecodeUpdate parses a v1 update. Skip structs are dropped.
func DecodeUpdate(b []byte) (*Update, error) {
	d := newDecoder(b)
	u := &Update{}
	clients, err := d.readLen(3)
	if err != nil {
		return nil, err
	}
	for i := 0; i < clients; i++ {
		count, err := d.readLen(2)
		if err != nil {
			return nil, err
		}
		client, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		for j := 0; j < count; j++ {
			st, n, err := readStruct(d, client, clock)
			if err != nil {
				return nil, err
			}
			if clock+n < clock {
				return nil, d.fail("clock overflow")
			}
			clock += n
			if st != nil {
				u.Structs = append(u.Structs, st)
			}
		}
	}
	if u.Deletes, err = readDeleteSet(d); err != nil {
		return nil, err
	}
	if d.remaining() > 0 {
		return nil, d.fail("trailing bytes after delete set")
	}
	return u, nil
}

// EncodeUpdate writes u as a v1 update. Structs are grouped by client and
// ordered by clock; gaps become skips and overlapping ranges are written
// once.
func EncodeUpdate(u *Update) []byte {
	byClient := make(map[uint64][]Struct)
	for _, st := range u.Structs {
		c := st.StructID().Client
		byClient[c] = append(byClient[c], st)
	}
	enc := &encoder{}
	writeClients(enc, byClient, nil)
	deletes := u.Deletes
	if deletes == nil {
		deletes = DeleteSet{}
	}
	deletes.write(enc)
	return enc.bytes()
}

// writeClients writes the client blocks in descending client order. Structs
// below from[client] are left out; a struct straddling that clock is sliced.
func writeClients(enc *encoder, byClient map[uint64][]Struct, from StateVector) {
	clients := make([]uint64, 0, len(byClient))
	blocks := make(map[uint64][]structWriter, len(byClient))
	for client, structs := range byClient {
		block := clientBlock(structs, from.Get(client))
		if len(block) == 0 {
			continue
		}
		clients = append(clients, client)
		blocks[client] = block
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })

	enc.writeVarUint(uint64(len(clients)))
	for _, client := range clients {
		block := blocks[client]
		enc.writeVarUint(uint64(len(block)))
		enc.writeVarUint(client)
		enc.writeVarUint(block[0].StructID().Clock)
		for _, st := range block {
			st.write(enc)
		}
	}
}

// clientBlock orders one client's structs by clock, drops what lies below
// next and fills gaps with skips.
func clientBlock(structs []Struct, next uint64) []structWriter {
	sorted := append([]Struct(nil), structs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].StructID().Clock, sorted[j].StructID().Clock
		if a != b {
			return a < b
		}
		return sorted[i].Len() > sorted[j].Len()
	})
	var block []structWriter
	first := true
	for _, st := range sorted {
		id := st.StructID()
		end := id.Clock + st.Len()
		if end <= next {
			continue
		}
		switch {
		case id.Clock < next:
			st = sliceStruct(st, next-id.Clock)
		case id.Clock > next && !first:
			block = append(block, &skip{ID: ID{Client: id.Client, Clock: next}, Length: id.Clock - next})
		}
		if w, ok := st.(structWriter); ok {
			block = append(block, w)
		}
		next = end
		first = false
	}
	return block
}

func sliceStruct(st Struct, offset uint64) Struct {
	switch s := st.(type) {
	case *Item:
		return s.sliceFrom(offset)
	case *GC:
		return &GC{ID: ID{Client: s.ID.Client, Clock: s.ID.Clock + offset}, Length: s.Length - offset}
	case *skip:
		return &skip{ID: ID{Client: s.ID.Client, Clock: s.ID.Clock + offset}, Length: s.Length - offset}
	}
	return st
}
