package crdt

import (
	"sort"
)

// Doc is one replica: the struct store of every client plus the root shared
// types. A Doc is not safe for concurrent use; callers serialize access per
// document.
type Doc struct {
	clientID uint64
	store    *structStore
	share    map[string]*SharedType
	// pending holds deletions of clocks this replica has not seen yet.
	pending DeleteSet
}

// NewDoc creates an empty replica whose local edits are attributed to
// clientID.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		store:    newStructStore(),
		share:    make(map[string]*SharedType),
		pending:  DeleteSet{},
	}
}

func (d *Doc) ClientID() uint64 { return d.clientID }

// Get returns the root type called name, declaring its kind if the document
// only knew it from remote updates.
func (d *Doc) Get(name string, kind TypeKind) (*SharedType, error) {
	t := d.root(name)
	switch t.kind {
	case kind:
	case KindUnknown:
		t.kind = kind
	default:
		return nil, ErrKindMismatch
	}
	return t, nil
}

func (d *Doc) root(name string) *SharedType {
	t, ok := d.share[name]
	if !ok {
		t = newSharedType(KindUnknown)
		t.root = name
		t.doc = d
		d.share[name] = t
	}
	return t
}

// RootNames returns the names of all root types in sorted order.
func (d *Doc) RootNames() []string {
	names := make([]string, 0, len(d.share))
	for name := range d.share {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doc) newItem(parent *SharedType, left, right *Item, c Content) *Item {
	it := &Item{
		ID:      ID{Client: d.clientID, Clock: d.store.state(d.clientID)},
		Length:  c.Len(),
		Content: c,
		left:    left,
		right:   right,
		parent:  parent,
	}
	if left != nil {
		it.Origin = idPtr(left.lastID())
	}
	if right != nil {
		it.RightOrigin = idPtr(right.ID)
	}
	return it
}

// ApplyUpdate decodes b and integrates it.
func (d *Doc) ApplyUpdate(b []byte) error {
	u, err := DecodeUpdate(b)
	if err != nil {
		return err
	}
	return d.Integrate(u)
}

// Integrate merges a decoded update into the replica. Structs are taken in
// causal order regardless of their order in the batch. Structs whose
// dependencies are neither in the replica nor in the batch are left out and
// reported as an *IntegrationError after everything else, deletions
// included, has been applied.
func (d *Doc) Integrate(u *Update) error {
	byClient := make(map[uint64][]Struct)
	for _, st := range u.Structs {
		c := st.StructID().Client
		byClient[c] = append(byClient[c], st)
	}
	clients := make([]uint64, 0, len(byClient))
	for client, structs := range byClient {
		clients = append(clients, client)
		sort.SliceStable(structs, func(i, j int) bool {
			a, b := structs[i].StructID().Clock, structs[j].StructID().Clock
			if a != b {
				return a < b
			}
			return structs[i].Len() > structs[j].Len()
		})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })

	failed := make(map[uint64]error)
	for progress := true; progress; {
		progress = false
		for _, client := range clients {
			if failed[client] != nil {
				continue
			}
			queue := byClient[client]
			for len(queue) > 0 {
				st := queue[0]
				id := st.StructID()
				state := d.store.state(client)
				if id.Clock+st.Len() <= state {
					queue = queue[1:]
					continue
				}
				if id.Clock > state {
					break
				}
				if !d.integrateStruct(st, state-id.Clock, failed) {
					break
				}
				queue = queue[1:]
				progress = true
			}
			byClient[client] = queue
		}
	}

	pending := d.pending
	d.pending = DeleteSet{}
	d.applyDeleteSet(pending)
	d.applyDeleteSet(u.Deletes)

	for _, client := range clients {
		if err := failed[client]; err != nil {
			return err
		}
		if queue := byClient[client]; len(queue) > 0 {
			return d.blockedError(queue[0])
		}
	}
	return nil
}

// integrateStruct integrates one struct whose first offset clocks are
// already known. It reports false if the struct has to wait.
func (d *Doc) integrateStruct(st Struct, offset uint64, failed map[uint64]error) bool {
	switch s := st.(type) {
	case *GC:
		d.store.add(&GC{ID: ID{Client: s.ID.Client, Clock: s.ID.Clock + offset}, Length: s.Length - offset})
	case *Item:
		if _, missing := s.missing(d.store); missing {
			return false
		}
		if err := s.resolve(d); err != nil {
			failed[s.ID.Client] = err
			return false
		}
		s.integrate(d, offset)
	}
	return true
}

func (d *Doc) blockedError(st Struct) error {
	id := st.StructID()
	if state := d.store.state(id.Client); id.Clock > state {
		return &IntegrationError{Item: id, Missing: ID{Client: id.Client, Clock: state}}
	}
	if it, ok := st.(*Item); ok {
		if dep, missing := it.missing(d.store); missing {
			return &IntegrationError{Item: id, Missing: dep}
		}
	}
	return &IntegrationError{Item: id, Missing: id}
}

// applyDeleteSet tombstones every known item in ds. Ranges beyond what the
// replica has seen are kept pending.
func (d *Doc) applyDeleteSet(ds DeleteSet) {
	for client, ranges := range ds {
		state := d.store.state(client)
		for _, r := range ranges {
			start, end := r.Clock, r.Clock+r.Len
			if end > state {
				if start >= state {
					d.pending.Add(client, start, end-start)
					continue
				}
				d.pending.Add(client, state, end-state)
				end = state
			}
			d.deleteRange(client, start, end)
		}
	}
}

func (d *Doc) deleteRange(client, start, end uint64) {
	structs := d.store.clients[client]
	i := findIndex(structs, start)
	if i < 0 {
		return
	}
	if it, ok := structs[i].(*Item); ok && !it.Deleted && it.ID.Clock < start {
		d.store.cleanStart(ID{Client: client, Clock: start})
		i++
	}
	for ; ; i++ {
		structs = d.store.clients[client]
		if i >= len(structs) || structs[i].StructID().Clock >= end {
			return
		}
		it, ok := structs[i].(*Item)
		if !ok || it.Deleted {
			continue
		}
		if it.ID.Clock+it.Length > end {
			d.store.cleanStart(ID{Client: client, Clock: end})
		}
		it.delete(d)
	}
}

// StateVector returns the replica's current state vector.
func (d *Doc) StateVector() StateVector {
	return d.store.stateVector()
}

// DeleteSet returns every deleted range, including pending ones.
func (d *Doc) DeleteSet() DeleteSet {
	ds := d.store.deleteSet()
	ds.Merge(d.pending)
	ds.normalize()
	return ds
}

// EncodeStateAsUpdate encodes everything the replica holds past sv. A nil
// or empty sv encodes the whole document. Adjacent items that can be joined
// are written as one, so equal documents encode to equal bytes.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	byClient := make(map[uint64][]Struct, len(d.store.clients))
	for client, structs := range d.store.clients {
		if d.store.state(client) > sv.Get(client) {
			byClient[client] = coalesce(structs)
		}
	}
	enc := &encoder{}
	writeClients(enc, byClient, sv)
	d.DeleteSet().write(enc)
	return enc.bytes()
}

// coalesce joins runs of adjacent structs that a replica could have produced
// as a single struct. The store is left untouched.
func coalesce(structs []Struct) []Struct {
	out := make([]Struct, 0, len(structs))
	var prevItem *Item
	for _, st := range structs {
		if len(out) == 0 {
			out = append(out, copyStruct(st))
			prevItem, _ = st.(*Item)
			continue
		}
		last := out[len(out)-1]
		switch cur := st.(type) {
		case *GC:
			if g, ok := last.(*GC); ok {
				g.Length += cur.Length
				prevItem = nil
				continue
			}
		case *Item:
			if acc, ok := last.(*Item); ok && prevItem != nil && mergeable(prevItem, cur) {
				if content, ok := acc.Content.merge(cur.Content); ok {
					acc.Content = content
					acc.Length += cur.Length
					prevItem = cur
					continue
				}
			}
		}
		out = append(out, copyStruct(st))
		prevItem, _ = st.(*Item)
	}
	return out
}

// mergeable reports whether cur directly continues prev in both the clock
// and the list order with the same anchors.
func mergeable(prev, cur *Item) bool {
	return cur.Origin != nil && *cur.Origin == prev.lastID() &&
		prev.right == cur &&
		sameID(prev.RightOrigin, cur.RightOrigin) &&
		prev.Deleted == cur.Deleted &&
		prev.parent == cur.parent
}

func copyStruct(st Struct) Struct {
	switch s := st.(type) {
	case *GC:
		g := *s
		return &g
	case *Item:
		it := *s
		return &it
	}
	return st
}

// Materialize returns the projection of the root type called name, or nil
// if the document has no such root.
func (d *Doc) Materialize(name string) any {
	t, ok := d.share[name]
	if !ok {
		return nil
	}
	return materialize(t)
}

// ToJSON materializes every root type.
func (d *Doc) ToJSON() map[string]any {
	out := make(map[string]any, len(d.share))
	for name, t := range d.share {
		out[name] = materialize(t)
	}
	return out
}
