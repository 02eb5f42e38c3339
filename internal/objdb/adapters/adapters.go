// Package adapters converts store objects into flat metadata records
// and back. Each object type registers a handler; a fixed-order list
// of generic capabilities runs before the type-specific one so shared
// concerns (title, properties, ownership) are handled uniformly.
package adapters

import (
	"fmt"
	"maps"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
)

// Record is a flat metadata record for one object. It is what gets
// serialized to the filesystem. The synchronizer core only inspects
// the reserved keys "type", "title", "source", "source_text", "owner"
// and "contents"; everything else passes through opaquely.
type Record map[string]any

// Type returns the record's object-type tag.
func (r Record) Type() string {
	s, _ := r["type"].(string)
	return s
}

// Title returns the record's title, or "".
func (r Record) Title() string {
	s, _ := r["title"].(string)
	return s
}

// Source returns the record's content and whether it is text.
func (r Record) Source() ([]byte, bool) {
	src, _ := r["source"].([]byte)
	text, _ := r["source_text"].(bool)
	return src, text
}

// Contents returns the record's child names (folders only).
func (r Record) Contents() []string {
	names, _ := r["contents"].([]string)
	return names
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	return maps.Clone(r)
}

// Capability reads and writes one aspect shared by several object
// types.
type Capability interface {
	// Applies reports whether this capability handles the object.
	Applies(obj *objdb.Object) bool
	// Read merges the capability's aspect into the record.
	Read(obj *objdb.Object, rec Record)
	// Write applies the record's aspect back onto the object.
	Write(obj *objdb.Object, rec Record) error
}

// TypeHandler is the capability set of one object type.
type TypeHandler interface {
	Capability
	// Create builds a minimal object of this type from a record, to
	// be filled in by the subsequent Write pass.
	Create(rec Record) *objdb.Object
}

// Registry resolves type tags to handlers. Generic capabilities run
// first, in registration order, then the type handler; resolution is
// therefore deterministic for a given registry.
type Registry struct {
	generic []Capability
	types   map[string]TypeHandler
}

// NewRegistry returns a registry with the built-in handlers
// registered.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]TypeHandler)}
	r.RegisterGeneric(titleCapability{})
	r.RegisterGeneric(ownerCapability{})
	r.RegisterGeneric(propertiesCapability{})
	r.RegisterType("folder", folderHandler{})
	r.RegisterType("document", sourceHandler{text: true})
	r.RegisterType("template", sourceHandler{text: true})
	r.RegisterType("script", sourceHandler{text: true})
	r.RegisterType("sqlmethod", sourceHandler{text: true})
	r.RegisterType("file", sourceHandler{})
	r.RegisterType("image", sourceHandler{})
	return r
}

// RegisterGeneric appends a generic capability. Order of registration
// is the order of application.
func (r *Registry) RegisterGeneric(c Capability) {
	r.generic = append(r.generic, c)
}

// RegisterType registers the handler for a type tag, replacing any
// previous registration.
func (r *Registry) RegisterType(name string, h TypeHandler) {
	r.types[name] = h
}

// handlerFor returns the type handler for the tag.
func (r *Registry) handlerFor(tag string) (TypeHandler, error) {
	h, ok := r.types[tag]
	if !ok {
		return nil, fmt.Errorf("type %q: %w", tag, apperrors.ErrUnsupportedType)
	}
	return h, nil
}

// Read builds the full metadata record for an object. Unknown types
// yield a record carrying an "unsupported" marker instead of an
// error, mirroring how unknown objects are skipped rather than
// aborting a whole recording pass.
func (r *Registry) Read(obj *objdb.Object) Record {
	rec := Record{"type": obj.Type}
	handler, err := r.handlerFor(obj.Type)
	if err != nil {
		rec["unsupported"] = obj.Type
		return rec
	}
	for _, c := range r.generic {
		if c.Applies(obj) {
			c.Read(obj, rec)
		}
	}
	if handler.Applies(obj) {
		handler.Read(obj, rec)
	}
	return rec
}

// Write applies a record onto an existing object of the same type.
func (r *Registry) Write(obj *objdb.Object, rec Record) error {
	handler, err := r.handlerFor(rec.Type())
	if err != nil {
		return err
	}
	for _, c := range r.generic {
		if c.Applies(obj) {
			if err := c.Write(obj, rec); err != nil {
				return err
			}
		}
	}
	if handler.Applies(obj) {
		if err := handler.Write(obj, rec); err != nil {
			return err
		}
	}
	return nil
}

// Create builds a new minimal object for the record's type and then
// writes the record onto it.
func (r *Registry) Create(rec Record) (*objdb.Object, error) {
	handler, err := r.handlerFor(rec.Type())
	if err != nil {
		return nil, err
	}
	obj := handler.Create(rec)
	if err := r.Write(obj, rec); err != nil {
		return nil, err
	}
	return obj, nil
}
