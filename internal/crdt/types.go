package crdt

import (
	"sort"
	"strings"
)

// TypeKind is the closed set of shared type kinds. The numeric values are
// the wire type references.
type TypeKind uint8

const (
	KindArray       TypeKind = 0
	KindMap         TypeKind = 1
	KindText        TypeKind = 2
	KindXMLElement  TypeKind = 3
	KindXMLFragment TypeKind = 4
	KindXMLHook     TypeKind = 5
	KindXMLText     TypeKind = 6
	// KindUnknown marks a root type referenced by an update before any
	// caller asked for it with a concrete kind.
	KindUnknown TypeKind = 255
)

func (k TypeKind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindText:
		return "text"
	case KindXMLElement:
		return "xml-element"
	case KindXMLFragment:
		return "xml-fragment"
	case KindXMLHook:
		return "xml-hook"
	case KindXMLText:
		return "xml-text"
	default:
		return "unknown"
	}
}

func (k TypeKind) isList() bool {
	return k == KindArray || k == KindXMLFragment || k == KindXMLElement
}

func (k TypeKind) isText() bool { return k == KindText || k == KindXMLText }

func (k TypeKind) isMap() bool {
	return k == KindMap || k == KindXMLElement || k == KindXMLHook
}

// SharedType is a view over the items whose parent it is. It owns no data
// of its own beyond the heads of its item chains: start for the sequence
// part, entries for the newest item of every map key.
type SharedType struct {
	kind     TypeKind
	root     string
	nodeName string

	doc     *Doc
	item    *Item
	start   *Item
	entries map[string]*Item
	length  uint64
}

func newSharedType(kind TypeKind) *SharedType {
	return &SharedType{kind: kind, entries: make(map[string]*Item)}
}

func (t *SharedType) Kind() TypeKind { return t.kind }

// Len is the number of visible elements, or UTF-16 units for text.
func (t *SharedType) Len() uint64 { return t.length }

// Value materializes the type into plain Go values: map[string]any for
// maps, []any for arrays and string for text.
func (t *SharedType) Value() any {
	return materialize(t)
}

func materialize(t *SharedType) any {
	switch t.kind {
	case KindMap, KindXMLHook:
		return t.mapValue()
	case KindText, KindXMLText:
		return t.String()
	case KindArray, KindXMLFragment:
		return t.listValue()
	case KindXMLElement:
		return map[string]any{
			"nodeName":   t.nodeName,
			"attributes": t.mapValue(),
			"children":   t.listValue(),
		}
	default:
		return t.inferredValue()
	}
}

// inferredValue projects a root type whose kind was never declared.
func (t *SharedType) inferredValue() any {
	if t.start == nil {
		if len(t.entries) > 0 {
			return t.mapValue()
		}
		return []any{}
	}
	for n := t.start; n != nil; n = n.right {
		if n.Deleted || !n.countable() {
			continue
		}
		if _, ok := n.Content.(*ContentString); !ok {
			return t.listValue()
		}
	}
	return t.String()
}

func (t *SharedType) mapValue() map[string]any {
	out := make(map[string]any, len(t.entries))
	for key, it := range t.entries {
		if it.Deleted {
			continue
		}
		out[key] = lastValue(it)
	}
	return out
}

func (t *SharedType) listValue() []any {
	out := make([]any, 0, t.length)
	for n := t.start; n != nil; n = n.right {
		if n.Deleted || !n.countable() {
			continue
		}
		for _, v := range n.Content.Values() {
			out = append(out, materializeValue(v))
		}
	}
	return out
}

func lastValue(it *Item) any {
	values := it.Content.Values()
	if len(values) == 0 {
		return nil
	}
	return materializeValue(values[len(values)-1])
}

func materializeValue(v any) any {
	if t, ok := v.(*SharedType); ok {
		return materialize(t)
	}
	return v
}

// String returns the visible text of a text type.
func (t *SharedType) String() string {
	var b strings.Builder
	for n := t.start; n != nil; n = n.right {
		if n.Deleted {
			continue
		}
		if s, ok := n.Content.(*ContentString); ok {
			b.WriteString(s.Str)
		}
	}
	return b.String()
}

// Get returns the current value stored under key.
func (t *SharedType) Get(key string) (any, bool) {
	it, ok := t.entries[key]
	if !ok || it.Deleted {
		return nil, false
	}
	return lastValue(it), true
}

// Keys returns the live keys in sorted order.
func (t *SharedType) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for key, it := range t.entries {
		if !it.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Insert adds values to a list type at index. Plain values are grouped into
// one item; byte slices, sub-documents and nested types get their own.
func (t *SharedType) Insert(index uint64, values ...any) error {
	if !t.kind.isList() {
		return ErrKindMismatch
	}
	contents, err := contentsFor(values)
	if err != nil {
		return err
	}
	return t.insertContents(index, contents)
}

// InsertText inserts s into a text type at the UTF-16 offset index.
func (t *SharedType) InsertText(index uint64, s string) error {
	if !t.kind.isText() {
		return ErrKindMismatch
	}
	if s == "" {
		return nil
	}
	return t.insertContents(index, []Content{&ContentString{Str: s}})
}

// InsertType inserts a new nested type into a list type and returns it.
func (t *SharedType) InsertType(index uint64, kind TypeKind) (*SharedType, error) {
	if !t.kind.isList() {
		return nil, ErrKindMismatch
	}
	if kind > KindXMLText {
		return nil, ErrKindMismatch
	}
	nested := newSharedType(kind)
	if err := t.insertContents(index, []Content{&ContentType{Type: nested}}); err != nil {
		return nil, err
	}
	return nested, nil
}

// Delete removes length visible elements starting at index.
func (t *SharedType) Delete(index, length uint64) error {
	if t.kind.isMap() && !t.kind.isList() {
		return ErrKindMismatch
	}
	if length == 0 {
		return nil
	}
	if index+length > t.length {
		return ErrIndexOutOfRange
	}
	s := t.doc.store
	n := t.start
	for ; n != nil && index > 0; n = n.right {
		if !n.Deleted && n.countable() {
			if index < n.Length {
				s.cleanStart(ID{Client: n.ID.Client, Clock: n.ID.Clock + index})
			}
			index -= n.Length
		}
	}
	for ; n != nil && length > 0; n = n.right {
		if n.Deleted || !n.countable() {
			continue
		}
		if length < n.Length {
			s.cleanStart(ID{Client: n.ID.Client, Clock: n.ID.Clock + length})
		}
		length -= n.Length
		n.delete(t.doc)
	}
	return nil
}

// Set stores value under key, superseding whatever was there.
func (t *SharedType) Set(key string, value any) error {
	if !t.kind.isMap() {
		return ErrKindMismatch
	}
	contents, err := contentsFor([]any{value})
	if err != nil {
		return err
	}
	return t.setContent(key, contents[0])
}

// SetType stores a new nested type under key and returns it.
func (t *SharedType) SetType(key string, kind TypeKind) (*SharedType, error) {
	if !t.kind.isMap() || kind > KindXMLText {
		return nil, ErrKindMismatch
	}
	nested := newSharedType(kind)
	if err := t.setContent(key, &ContentType{Type: nested}); err != nil {
		return nil, err
	}
	return nested, nil
}

// DeleteKey tombstones the entry under key, if any.
func (t *SharedType) DeleteKey(key string) {
	if it, ok := t.entries[key]; ok {
		it.delete(t.doc)
	}
}

func (t *SharedType) setContent(key string, c Content) error {
	left := t.entries[key]
	it := t.doc.newItem(t, left, nil, c)
	it.ParentSub = &key
	it.integrate(t.doc, 0)
	return nil
}

func (t *SharedType) insertContents(index uint64, contents []Content) error {
	if index > t.length {
		return ErrIndexOutOfRange
	}
	var left *Item
	if index > 0 {
		for n := t.start; n != nil; n = n.right {
			if n.Deleted || !n.countable() {
				continue
			}
			if index <= n.Length {
				if index < n.Length {
					t.doc.store.cleanStart(ID{Client: n.ID.Client, Clock: n.ID.Clock + index})
				}
				left = n
				break
			}
			index -= n.Length
		}
	}
	right := t.start
	if left != nil {
		right = left.right
	}
	for _, c := range contents {
		it := t.doc.newItem(t, left, right, c)
		it.integrate(t.doc, 0)
		left = it
	}
	return nil
}

// contentsFor groups caller values into item contents.
func contentsFor(values []any) ([]Content, error) {
	var out []Content
	var pending []any
	flush := func() {
		if len(pending) > 0 {
			out = append(out, &ContentAny{Items: pending})
			pending = nil
		}
	}
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			flush()
			out = append(out, &ContentBinary{Data: append([]byte(nil), v...)})
		case SubDoc:
			flush()
			if v.Opts == nil {
				v.Opts = map[string]any{}
			}
			out = append(out, &ContentDoc{Doc: v})
		case *SharedType:
			return nil, ErrUnsupportedValue
		default:
			n, err := normalizeAny(v)
			if err != nil {
				return nil, err
			}
			pending = append(pending, n)
		}
	}
	flush()
	return out, nil
}
