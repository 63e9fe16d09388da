package crdt

import "sort"

// DeleteRange is a run of deleted clocks [Clock, Clock+Len).
type DeleteRange struct {
	Clock uint64
	Len   uint64
}

// DeleteSet maps a client to the ranges of its clocks that are deleted.
type DeleteSet map[uint64][]DeleteRange

func (ds DeleteSet) Add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	ds[client] = append(ds[client], DeleteRange{Clock: clock, Len: length})
}

// Contains reports whether id falls into one of the deleted ranges.
func (ds DeleteSet) Contains(id ID) bool {
	for _, r := range ds[id.Client] {
		if r.Clock <= id.Clock && id.Clock < r.Clock+r.Len {
			return true
		}
	}
	return false
}

// Merge adds every range of other to ds.
func (ds DeleteSet) Merge(other DeleteSet) {
	for client, ranges := range other {
		ds[client] = append(ds[client], ranges...)
	}
}

// normalize sorts every client's ranges and joins overlapping or adjacent
// ones, so equal sets always encode identically.
func (ds DeleteSet) normalize() {
	for client, ranges := range ds {
		if len(ranges) == 0 {
			delete(ds, client)
			continue
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Clock < ranges[j].Clock })
		merged := ranges[:1]
		for _, r := range ranges[1:] {
			last := &merged[len(merged)-1]
			if r.Clock <= last.Clock+last.Len {
				if end := r.Clock + r.Len; end > last.Clock+last.Len {
					last.Len = end - last.Clock
				}
				continue
			}
			merged = append(merged, r)
		}
		ds[client] = merged
	}
}

func (ds DeleteSet) clone() DeleteSet {
	out := make(DeleteSet, len(ds))
	for client, ranges := range ds {
		out[client] = append([]DeleteRange(nil), ranges...)
	}
	return out
}

func (ds DeleteSet) write(enc *encoder) {
	norm := ds.clone()
	norm.normalize()
	clients := make([]uint64, 0, len(norm))
	for client := range norm {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })
	enc.writeVarUint(uint64(len(clients)))
	for _, client := range clients {
		ranges := norm[client]
		enc.writeVarUint(client)
		enc.writeVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			enc.writeVarUint(r.Clock)
			enc.writeVarUint(r.Len)
		}
	}
}

func readDeleteSet(d *decoder) (DeleteSet, error) {
	ds := DeleteSet{}
	n, err := d.readLen(2)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		client, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		count, err := d.readLen(2)
		if err != nil {
			return nil, err
		}
		for j := 0; j < count; j++ {
			clock, err := d.readVarUint()
			if err != nil {
				return nil, err
			}
			length, err := d.readVarUint()
			if err != nil {
				return nil, err
			}
			if clock+length < clock {
				return nil, d.fail("delete range overflows clock")
			}
			ds.Add(client, clock, length)
		}
	}
	return ds, nil
}
