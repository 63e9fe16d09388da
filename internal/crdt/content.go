package crdt

import (
	"encoding/json"
	"unicode/utf16"
)

// Content reference numbers as they appear in the low five bits of a struct's
// info byte.
const (
	refGC      = 0
	refDeleted = 1
	refJSON    = 2
	refBinary  = 3
	refString  = 4
	refEmbed   = 5
	refFormat  = 6
	refType    = 7
	refAny     = 8
	refDoc     = 9
	refSkip    = 10
)

// Content is the payload carried by an Item. Implementations are immutable;
// splitting and merging return new values.
type Content interface {
	// Len is the number of clock ticks the content spans.
	Len() uint64
	// Countable reports whether the content contributes to the length of a
	// list or text.
	Countable() bool
	// Values returns the materialized elements of the content.
	Values() []any

	ref() byte
	// cut splits the content into [0, offset) and [offset, Len()).
	cut(offset uint64) (Content, Content)
	// merge appends right to the content if the two can be joined.
	merge(right Content) (Content, bool)
	write(enc *encoder)
}

// ContentDeleted stands in for content that has been deleted and discarded.
type ContentDeleted struct {
	Length uint64
}

func (c *ContentDeleted) Len() uint64     { return c.Length }
func (c *ContentDeleted) Countable() bool { return false }
func (c *ContentDeleted) Values() []any   { return nil }
func (c *ContentDeleted) ref() byte       { return refDeleted }

func (c *ContentDeleted) cut(offset uint64) (Content, Content) {
	return &ContentDeleted{Length: offset}, &ContentDeleted{Length: c.Length - offset}
}

func (c *ContentDeleted) merge(right Content) (Content, bool) {
	r, ok := right.(*ContentDeleted)
	if !ok {
		return nil, false
	}
	return &ContentDeleted{Length: c.Length + r.Length}, true
}

func (c *ContentDeleted) write(enc *encoder) { enc.writeVarUint(c.Length) }

// ContentJSON holds values that travel as individually JSON-encoded strings.
type ContentJSON struct {
	Items []any
}

func (c *ContentJSON) Len() uint64     { return uint64(len(c.Items)) }
func (c *ContentJSON) Countable() bool { return true }
func (c *ContentJSON) Values() []any   { return c.Items }
func (c *ContentJSON) ref() byte       { return refJSON }

func (c *ContentJSON) cut(offset uint64) (Content, Content) {
	return &ContentJSON{Items: append([]any(nil), c.Items[:offset]...)},
		&ContentJSON{Items: append([]any(nil), c.Items[offset:]...)}
}

func (c *ContentJSON) merge(right Content) (Content, bool) {
	r, ok := right.(*ContentJSON)
	if !ok {
		return nil, false
	}
	items := make([]any, 0, len(c.Items)+len(r.Items))
	return &ContentJSON{Items: append(append(items, c.Items...), r.Items...)}, true
}

func (c *ContentJSON) write(enc *encoder) {
	enc.writeVarUint(uint64(len(c.Items)))
	for _, item := range c.Items {
		enc.writeVarString(marshalJSON(item))
	}
}

// ContentBinary is an opaque byte payload occupying one position.
type ContentBinary struct {
	Data []byte
}

func (c *ContentBinary) Len() uint64     { return 1 }
func (c *ContentBinary) Countable() bool { return true }
func (c *ContentBinary) Values() []any   { return []any{c.Data} }
func (c *ContentBinary) ref() byte       { return refBinary }

func (c *ContentBinary) cut(uint64) (Content, Content)  { return c, nil }
func (c *ContentBinary) merge(Content) (Content, bool) { return nil, false }
func (c *ContentBinary) write(enc *encoder)            { enc.writeVarBytes(c.Data) }

// ContentString is a run of text. Its length counts UTF-16 code units.
type ContentString struct {
	Str string
}

func (c *ContentString) Len() uint64     { return utf16Len(c.Str) }
func (c *ContentString) Countable() bool { return true }
func (c *ContentString) ref() byte       { return refString }

func (c *ContentString) Values() []any {
	out := make([]any, 0, len(c.Str))
	for _, r := range c.Str {
		out = append(out, string(r))
	}
	return out
}

func (c *ContentString) cut(offset uint64) (Content, Content) {
	units := utf16.Encode([]rune(c.Str))
	left := string(utf16.Decode(units[:offset]))
	right := string(utf16.Decode(units[offset:]))
	return &ContentString{Str: left}, &ContentString{Str: right}
}

func (c *ContentString) merge(right Content) (Content, bool) {
	r, ok := right.(*ContentString)
	if !ok {
		return nil, false
	}
	return &ContentString{Str: c.Str + r.Str}, true
}

func (c *ContentString) write(enc *encoder) { enc.writeVarString(c.Str) }

func utf16Len(s string) uint64 {
	var n uint64
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ContentEmbed is a rich-text embed occupying one position.
type ContentEmbed struct {
	Embed any
}

func (c *ContentEmbed) Len() uint64     { return 1 }
func (c *ContentEmbed) Countable() bool { return true }
func (c *ContentEmbed) Values() []any   { return []any{c.Embed} }
func (c *ContentEmbed) ref() byte       { return refEmbed }

func (c *ContentEmbed) cut(uint64) (Content, Content)  { return c, nil }
func (c *ContentEmbed) merge(Content) (Content, bool) { return nil, false }
func (c *ContentEmbed) write(enc *encoder)            { enc.writeVarString(marshalJSON(c.Embed)) }

// ContentFormat is a rich-text formatting marker. It takes a clock tick but
// no visible position.
type ContentFormat struct {
	Key   string
	Value any
}

func (c *ContentFormat) Len() uint64     { return 1 }
func (c *ContentFormat) Countable() bool { return false }
func (c *ContentFormat) Values() []any   { return nil }
func (c *ContentFormat) ref() byte       { return refFormat }

func (c *ContentFormat) cut(uint64) (Content, Content)  { return c, nil }
func (c *ContentFormat) merge(Content) (Content, bool) { return nil, false }

func (c *ContentFormat) write(enc *encoder) {
	enc.writeVarString(c.Key)
	enc.writeVarString(marshalJSON(c.Value))
}

// ContentType embeds a nested shared type.
type ContentType struct {
	Type *SharedType
}

func (c *ContentType) Len() uint64     { return 1 }
func (c *ContentType) Countable() bool { return true }
func (c *ContentType) Values() []any   { return []any{c.Type} }
func (c *ContentType) ref() byte       { return refType }

func (c *ContentType) cut(uint64) (Content, Content)  { return c, nil }
func (c *ContentType) merge(Content) (Content, bool) { return nil, false }

func (c *ContentType) write(enc *encoder) {
	enc.writeVarUint(uint64(c.Type.kind))
	if c.Type.kind == KindXMLElement || c.Type.kind == KindXMLHook {
		enc.writeVarString(c.Type.nodeName)
	}
}

// ContentAny holds plain values: numbers, strings, booleans, null, arrays
// and objects of those, and byte slices.
type ContentAny struct {
	Items []any
}

func (c *ContentAny) Len() uint64     { return uint64(len(c.Items)) }
func (c *ContentAny) Countable() bool { return true }
func (c *ContentAny) Values() []any   { return c.Items }
func (c *ContentAny) ref() byte       { return refAny }

func (c *ContentAny) cut(offset uint64) (Content, Content) {
	return &ContentAny{Items: append([]any(nil), c.Items[:offset]...)},
		&ContentAny{Items: append([]any(nil), c.Items[offset:]...)}
}

func (c *ContentAny) merge(right Content) (Content, bool) {
	r, ok := right.(*ContentAny)
	if !ok {
		return nil, false
	}
	items := make([]any, 0, len(c.Items)+len(r.Items))
	return &ContentAny{Items: append(append(items, c.Items...), r.Items...)}, true
}

func (c *ContentAny) write(enc *encoder) {
	enc.writeVarUint(uint64(len(c.Items)))
	for _, item := range c.Items {
		enc.writeAny(item)
	}
}

// SubDoc references an embedded sub-document by guid.
type SubDoc struct {
	GUID string `json:"guid"`
	Opts any    `json:"opts,omitempty"`
}

// ContentDoc embeds a sub-document handle.
type ContentDoc struct {
	Doc SubDoc
}

func (c *ContentDoc) Len() uint64     { return 1 }
func (c *ContentDoc) Countable() bool { return true }
func (c *ContentDoc) Values() []any   { return []any{c.Doc} }
func (c *ContentDoc) ref() byte       { return refDoc }

func (c *ContentDoc) cut(uint64) (Content, Content)  { return c, nil }
func (c *ContentDoc) merge(Content) (Content, bool) { return nil, false }

func (c *ContentDoc) write(enc *encoder) {
	enc.writeVarString(c.Doc.GUID)
	enc.writeAny(c.Doc.Opts)
}

func marshalJSON(v any) string {
	if _, ok := v.(Undefined); ok {
		return "undefined"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func unmarshalJSON(s string) (any, error) {
	if s == "undefined" {
		return Undefined{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// readContent decodes the payload for content reference ref.
func readContent(d *decoder, ref byte) (Content, error) {
	switch ref {
	case refDeleted:
		n, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		return &ContentDeleted{Length: n}, nil
	case refJSON:
		n, err := d.readLen(1)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			s, err := d.readVarString()
			if err != nil {
				return nil, err
			}
			v, err := unmarshalJSON(s)
			if err != nil {
				return nil, d.fail("invalid JSON content")
			}
			items = append(items, v)
		}
		return &ContentJSON{Items: items}, nil
	case refBinary:
		b, err := d.readVarBytes()
		if err != nil {
			return nil, err
		}
		return &ContentBinary{Data: b}, nil
	case refString:
		s, err := d.readVarString()
		if err != nil {
			return nil, err
		}
		return &ContentString{Str: s}, nil
	case refEmbed:
		s, err := d.readVarString()
		if err != nil {
			return nil, err
		}
		v, err := unmarshalJSON(s)
		if err != nil {
			return nil, d.fail("invalid embed content")
		}
		return &ContentEmbed{Embed: v}, nil
	case refFormat:
		key, err := d.readVarString()
		if err != nil {
			return nil, err
		}
		s, err := d.readVarString()
		if err != nil {
			return nil, err
		}
		v, err := unmarshalJSON(s)
		if err != nil {
			return nil, d.fail("invalid format content")
		}
		return &ContentFormat{Key: key, Value: v}, nil
	case refType:
		kind, err := d.readVarUint()
		if err != nil {
			return nil, err
		}
		if kind > uint64(KindXMLText) {
			return nil, d.fail("unknown type reference")
		}
		t := newSharedType(TypeKind(kind))
		if t.kind == KindXMLElement || t.kind == KindXMLHook {
			if t.nodeName, err = d.readVarString(); err != nil {
				return nil, err
			}
		}
		return &ContentType{Type: t}, nil
	case refAny:
		n, err := d.readLen(1)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.readAny()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return &ContentAny{Items: items}, nil
	case refDoc:
		guid, err := d.readVarString()
		if err != nil {
			return nil, err
		}
		opts, err := d.readAny()
		if err != nil {
			return nil, err
		}
		return &ContentDoc{Doc: SubDoc{GUID: guid, Opts: opts}}, nil
	default:
		return nil, d.fail("unknown content reference")
	}
}
