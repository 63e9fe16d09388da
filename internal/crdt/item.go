package crdt

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Item is one insertion: a run of Length consecutive clocks from one client,
// anchored between the items it saw to its left (Origin) and right
// (RightOrigin) when it was created.
//
// Parent information is only carried on the wire when both origins are
// absent; otherwise it is inferred from the neighbours on integration.
type Item struct {
	ID          ID
	Length      uint64
	Origin      *ID
	RightOrigin *ID
	ParentName  string
	ParentID    *ID
	ParentSub   *string
	Content     Content
	// Deleted only ever moves from false to true.
	Deleted bool

	// parentSubFlag preserves the parentSub info bit of a decoded item whose
	// key was left implicit.
	parentSubFlag bool

	left   *Item
	right  *Item
	parent *SharedType
}

func (it *Item) StructID() ID    { return it.ID }
func (it *Item) Len() uint64     { return it.Length }
func (it *Item) IsDeleted() bool { return it.Deleted }

func (it *Item) lastID() ID {
	return ID{Client: it.ID.Client, Clock: it.ID.Clock + it.Length - 1}
}

func (it *Item) countable() bool { return it.Content.Countable() }

// split cuts the item at diff and returns the new right half. The caller
// places the right half into the store.
func (it *Item) split(diff uint64) *Item {
	leftContent, rightContent := it.Content.cut(diff)
	right := &Item{
		ID:          ID{Client: it.ID.Client, Clock: it.ID.Clock + diff},
		Length:      it.Length - diff,
		Origin:      &ID{Client: it.ID.Client, Clock: it.ID.Clock + diff - 1},
		RightOrigin: it.RightOrigin,
		ParentSub:   it.ParentSub,
		Content:     rightContent,
		Deleted:     it.Deleted,
		left:        it,
		right:       it.right,
		parent:      it.parent,
	}
	if right.right != nil {
		right.right.left = right
	}
	if it.parent != nil && it.ParentSub != nil && right.right == nil {
		it.parent.entries[*it.ParentSub] = right
	}
	it.right = right
	it.Length = diff
	it.Content = leftContent
	return right
}

// sliceFrom returns a detached copy of the item starting offset clocks in,
// shaped the way it would be written after the first offset clocks are
// already known to the receiver.
func (it *Item) sliceFrom(offset uint64) *Item {
	if offset == 0 {
		return it
	}
	_, content := it.Content.cut(offset)
	return &Item{
		ID:            ID{Client: it.ID.Client, Clock: it.ID.Clock + offset},
		Length:        it.Length - offset,
		Origin:        &ID{Client: it.ID.Client, Clock: it.ID.Clock + offset - 1},
		RightOrigin:   it.RightOrigin,
		Content:       content,
		Deleted:       it.Deleted,
		parentSubFlag: it.ParentSub != nil || it.parentSubFlag,
	}
}

// missing returns a dependency of the item that the store does not hold yet.
func (it *Item) missing(s *structStore) (ID, bool) {
	for _, dep := range []*ID{it.Origin, it.RightOrigin, it.ParentID} {
		if dep != nil && dep.Client != it.ID.Client && dep.Clock >= s.state(dep.Client) {
			return *dep, true
		}
	}
	return ID{}, false
}

// resolve links the item to its neighbours and parent. Every dependency must
// already be present.
func (it *Item) resolve(doc *Doc) error {
	s := doc.store
	var leftGC, rightGC bool
	if it.Origin != nil {
		switch l := s.cleanEnd(*it.Origin).(type) {
		case *Item:
			it.left = l
			it.Origin = idPtr(l.lastID())
		case *GC:
			leftGC = true
		default:
			return &IntegrationError{Item: it.ID, Missing: *it.Origin}
		}
	}
	if it.RightOrigin != nil {
		switch r := s.cleanStart(*it.RightOrigin).(type) {
		case *Item:
			it.right = r
		case *GC:
			rightGC = true
		default:
			return &IntegrationError{Item: it.ID, Missing: *it.RightOrigin}
		}
	}

	switch {
	case leftGC || rightGC:
		it.parent = nil
	case it.ParentName != "":
		it.parent = doc.root(it.ParentName)
	case it.ParentID != nil:
		switch p := s.find(*it.ParentID).(type) {
		case *Item:
			if ct, ok := p.Content.(*ContentType); ok {
				it.parent = ct.Type
			}
		case nil:
			return &IntegrationError{Item: it.ID, Missing: *it.ParentID}
		}
	default:
		if it.left != nil {
			it.parent = it.left.parent
			it.ParentSub = it.left.ParentSub
		}
		if it.right != nil {
			it.parent = it.right.parent
			it.ParentSub = it.right.ParentSub
		}
	}
	return nil
}

// integrate places the item into its parent's sequence using the YATA rule
// and appends it to the store. offset clocks at the front are already known
// and are skipped.
func (it *Item) integrate(doc *Doc, offset uint64) {
	s := doc.store
	it.parentSubFlag = false
	if offset > 0 {
		it.ID.Clock += offset
		if l, ok := s.cleanEnd(ID{Client: it.ID.Client, Clock: it.ID.Clock - 1}).(*Item); ok {
			it.left = l
			it.Origin = idPtr(l.lastID())
		} else {
			it.parent = nil
		}
		_, it.Content = it.Content.cut(offset)
		it.Length -= offset
	}

	if it.parent == nil {
		s.add(&GC{ID: it.ID, Length: it.Length})
		return
	}
	parent := it.parent

	if (it.left == nil && (it.right == nil || it.right.left != nil)) || (it.left != nil && it.left.right != it.right) {
		left := it.left
		var o *Item
		switch {
		case left != nil:
			o = left.right
		case it.ParentSub != nil:
			o = parent.entries[*it.ParentSub]
			for o != nil && o.left != nil {
				o = o.left
			}
		default:
			o = parent.start
		}

		conflicting := mapset.NewThreadUnsafeSet[*Item]()
		beforeOrigin := mapset.NewThreadUnsafeSet[*Item]()
		for o != nil && o != it.right {
			beforeOrigin.Add(o)
			conflicting.Add(o)
			if sameID(it.Origin, o.Origin) {
				// concurrent insert at the same position: lower client goes left
				if o.ID.Client < it.ID.Client {
					left = o
					conflicting.Clear()
				} else if sameID(it.RightOrigin, o.RightOrigin) {
					break
				}
			} else if o.Origin != nil {
				oo, _ := s.find(*o.Origin).(*Item)
				if oo == nil || !beforeOrigin.Contains(oo) {
					break
				}
				if !conflicting.Contains(oo) {
					left = o
					conflicting.Clear()
				}
			} else {
				break
			}
			o = o.right
		}
		it.left = left
	}

	if it.left != nil {
		it.right = it.left.right
		it.left.right = it
	} else {
		var r *Item
		if it.ParentSub != nil {
			r = parent.entries[*it.ParentSub]
			for r != nil && r.left != nil {
				r = r.left
			}
		} else {
			r = parent.start
			parent.start = it
		}
		it.right = r
	}

	if it.right != nil {
		it.right.left = it
	} else if it.ParentSub != nil {
		parent.entries[*it.ParentSub] = it
		if it.left != nil {
			it.left.delete(doc)
		}
	}

	if it.ParentSub == nil && it.countable() && !it.Deleted {
		parent.length += it.Length
	}
	if it.Origin == nil && it.RightOrigin == nil {
		it.parentInfo()
	}
	s.add(it)

	if ct, ok := it.Content.(*ContentType); ok {
		ct.Type.doc = doc
		ct.Type.item = it
	}
	if _, ok := it.Content.(*ContentDeleted); ok {
		it.Deleted = true
	}
	if (parent.item != nil && parent.item.Deleted) || (it.ParentSub != nil && it.right != nil) {
		it.delete(doc)
	}
}

// delete tombstones the item. Deleting twice is a no-op.
func (it *Item) delete(doc *Doc) {
	if it.Deleted {
		return
	}
	if it.parent != nil && it.ParentSub == nil && it.countable() {
		it.parent.length -= it.Length
	}
	it.Deleted = true
	if ct, ok := it.Content.(*ContentType); ok {
		for n := ct.Type.start; n != nil; n = n.right {
			n.delete(doc)
		}
		for _, n := range ct.Type.entries {
			n.delete(doc)
		}
	}
}

// parentInfo fills the wire parent fields from the resolved parent.
func (it *Item) parentInfo() {
	if it.parent == nil {
		return
	}
	if it.parent.item == nil {
		it.ParentName = it.parent.root
		it.ParentID = nil
	} else {
		it.ParentName = ""
		it.ParentID = idPtr(it.parent.item.ID)
	}
}

func (it *Item) write(enc *encoder) {
	info := it.Content.ref() & 0x1f
	if it.Origin != nil {
		info |= 0x80
	}
	if it.RightOrigin != nil {
		info |= 0x40
	}
	if it.ParentSub != nil || it.parentSubFlag {
		info |= 0x20
	}
	enc.writeUint8(info)
	if it.Origin != nil {
		enc.writeID(*it.Origin)
	}
	if it.RightOrigin != nil {
		enc.writeID(*it.RightOrigin)
	}
	if it.Origin == nil && it.RightOrigin == nil {
		if it.ParentID != nil {
			enc.writeVarUint(0)
			enc.writeID(*it.ParentID)
		} else {
			enc.writeVarUint(1)
			enc.writeVarString(it.ParentName)
		}
		if it.ParentSub != nil {
			enc.writeVarString(*it.ParentSub)
		}
	}
	it.Content.write(enc)
}

func (g *GC) write(enc *encoder) {
	enc.writeUint8(refGC)
	enc.writeVarUint(g.Length)
}

// readStruct decodes one struct starting at clock. A nil struct with a
// non-zero length is a skip.
func readStruct(d *decoder, client, clock uint64) (Struct, uint64, error) {
	info, err := d.readUint8()
	if err != nil {
		return nil, 0, err
	}
	id := ID{Client: client, Clock: clock}
	switch info & 0x1f {
	case refGC, refSkip:
		length, err := d.readVarUint()
		if err != nil {
			return nil, 0, err
		}
		if length == 0 {
			return nil, 0, d.fail("zero-length struct")
		}
		if info&0x1f == refSkip {
			return nil, length, nil
		}
		return &GC{ID: id, Length: length}, length, nil
	}

	it := &Item{ID: id}
	if info&0x80 != 0 {
		origin, err := d.readID()
		if err != nil {
			return nil, 0, err
		}
		it.Origin = &origin
	}
	if info&0x40 != 0 {
		right, err := d.readID()
		if err != nil {
			return nil, 0, err
		}
		it.RightOrigin = &right
	}
	if info&0xc0 == 0 {
		isRoot, err := d.readVarUint()
		if err != nil {
			return nil, 0, err
		}
		if isRoot == 1 {
			if it.ParentName, err = d.readVarString(); err != nil {
				return nil, 0, err
			}
			if it.ParentName == "" {
				return nil, 0, d.fail("empty root type name")
			}
		} else {
			pid, err := d.readID()
			if err != nil {
				return nil, 0, err
			}
			it.ParentID = &pid
		}
		if info&0x20 != 0 {
			sub, err := d.readVarString()
			if err != nil {
				return nil, 0, err
			}
			it.ParentSub = &sub
		}
	} else if info&0x20 != 0 {
		it.parentSubFlag = true
	}
	if it.Content, err = readContent(d, info&0x1f); err != nil {
		return nil, 0, err
	}
	it.Length = it.Content.Len()
	if it.Length == 0 {
		return nil, 0, d.fail("zero-length item")
	}
	return it, it.Length, nil
}
