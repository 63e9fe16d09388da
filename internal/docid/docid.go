// Package docid resolves the textual document addresses clients send into
// (workspace, variant, sub) triples that route to one operation log.
package docid

import (
	"errors"
	"fmt"
	"strings"
)

// Variant is the kind of document an address points at.
type Variant string

const (
	Workspace    Variant = "workspace"
	Page         Variant = "page"
	Space        Variant = "space"
	Settings     Variant = "settings"
	Unknown      Variant = "unknown"
	DatabaseSync Variant = "db"
	UserData     Variant = "userdata"
)

func (v Variant) valid() bool {
	switch v {
	case Workspace, Page, Space, Settings, Unknown, DatabaseSync, UserData:
		return true
	}
	return false
}

var (
	ErrInvalidFormat           = errors.New("docid: invalid format")
	ErrMissingWorkspaceContext = errors.New("docid: missing workspace context")
)

// AddressError reports an address that could not be parsed.
type AddressError struct {
	Raw string
	Err error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Raw)
}

func (e *AddressError) Unwrap() error { return e.Err }

// DocID is an immutable, comparable document address.
type DocID struct {
	workspace string
	variant   Variant
	sub       string
}

// New builds an address from its parts. Every variant but Workspace needs a
// sub id; a Workspace address drops any sub it is given.
func New(workspace string, variant Variant, sub string) (DocID, error) {
	raw := workspace + ":" + string(variant) + ":" + sub
	if workspace == "" || !variant.valid() {
		return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
	}
	if variant == Workspace {
		return DocID{workspace: workspace, variant: Workspace}, nil
	}
	if sub == "" {
		return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
	}
	return DocID{workspace: workspace, variant: variant, sub: sub}, nil
}

// Parse resolves raw against an optional workspace context; an empty ctx
// means none. Accepted forms, in priority order:
//
//	db$<name>                    database sync doc, needs ctx
//	userdata$<user>$<collection> user data doc, needs ctx
//	<ws>:space:page:<id>         legacy form of <ws>:space:<id>
//	<ws>:<variant>:<id>
//	<variant>:<id>               needs ctx
//	<id>                         needs ctx; equal to ctx means the workspace
func Parse(raw, ctx string) (DocID, error) {
	if raw == "" {
		return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
	}

	if name, ok := strings.CutPrefix(raw, "db$"); ok {
		if ctx == "" {
			return DocID{}, &AddressError{Raw: raw, Err: ErrMissingWorkspaceContext}
		}
		return build(raw, ctx, DatabaseSync, name)
	}
	if rest, ok := strings.CutPrefix(raw, "userdata$"); ok {
		if ctx == "" {
			return DocID{}, &AddressError{Raw: raw, Err: ErrMissingWorkspaceContext}
		}
		user, collection, ok := strings.Cut(rest, "$")
		if !ok || user == "" || collection == "" {
			return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
		}
		return build(raw, ctx, UserData, rest)
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 4:
		// legacy <ws>:space:page:<id>; the page segment is dropped
		if parts[1] != string(Space) || parts[2] != string(Page) {
			return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
		}
		ws := parts[0]
		if ctx != "" {
			ws = ctx
		}
		return build(raw, ws, Space, parts[3])
	case 3:
		return build(raw, parts[0], Variant(parts[1]), parts[2])
	case 2:
		if ctx == "" {
			return DocID{}, &AddressError{Raw: raw, Err: ErrMissingWorkspaceContext}
		}
		return build(raw, ctx, Variant(parts[0]), parts[1])
	case 1:
		if ctx == "" {
			return DocID{}, &AddressError{Raw: raw, Err: ErrMissingWorkspaceContext}
		}
		if raw == ctx {
			return build(raw, ctx, Workspace, "")
		}
		return build(raw, ctx, Unknown, raw)
	}
	return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
}

func build(raw, workspace string, variant Variant, sub string) (DocID, error) {
	if strings.Contains(sub, ":") {
		return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
	}
	id, err := New(workspace, variant, sub)
	if err != nil {
		return DocID{}, &AddressError{Raw: raw, Err: ErrInvalidFormat}
	}
	return id, nil
}

// MustParse is Parse for addresses known to be valid. It panics otherwise.
func MustParse(raw, ctx string) DocID {
	id, err := Parse(raw, ctx)
	if err != nil {
		panic(err)
	}
	return id
}

func (id DocID) Workspace() string { return id.workspace }
func (id DocID) Variant() Variant  { return id.variant }

// Sub returns the sub id. Workspace addresses have none.
func (id DocID) Sub() (string, bool) {
	return id.sub, id.variant != Workspace
}

// Guid is the id of the document within its workspace.
func (id DocID) Guid() string {
	if id.variant == Workspace {
		return id.workspace
	}
	return id.sub
}

// Full is the canonical text form, which Parse reads back without context.
func (id DocID) Full() string {
	if id.variant == Workspace {
		return id.workspace
	}
	return id.workspace + ":" + string(id.variant) + ":" + id.sub
}

func (id DocID) String() string { return id.Full() }

func (id DocID) IsWorkspace() bool { return id.variant == Workspace }
func (id DocID) IsPage() bool      { return id.variant == Page }
func (id DocID) IsZero() bool      { return id == DocID{} }

// WithWorkspace returns the address moved to workspace. Workspace addresses
// name their own workspace and are returned unchanged.
func (id DocID) WithWorkspace(workspace string) (DocID, error) {
	if id.variant == Workspace {
		return id, nil
	}
	return New(workspace, id.variant, id.sub)
}
