package objdb

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// Object is one versioned record in the store. The core synchronizer
// never interprets anything beyond Type, Title, Owner and Source; the
// rest is carried opaquely through the type adapters.
type Object struct {
	// Type is the object-type tag resolved against the adapter registry.
	Type string `json:"type"`
	// Title is the human-readable title, possibly empty.
	Title string `json:"title,omitempty"`
	// Owner is the owning user, empty when owned by the default owner.
	Owner string `json:"owner,omitempty"`
	// Props holds type-specific properties such as content_type.
	Props map[string]string `json:"props,omitempty"`
	// Source is the object's content, nil for containers.
	Source []byte `json:"source,omitempty"`
	// SourceText marks Source as UTF-8 text rather than binary data.
	SourceText bool `json:"source_text,omitempty"`
	// Children maps local names to child OIDs.
	Children map[string]OID `json:"children,omitempty"`
}

// Clone returns a deep copy, so a snapshot read can be mutated by the
// caller without affecting the stored version.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := &Object{
		Type:       o.Type,
		Title:      o.Title,
		Owner:      o.Owner,
		SourceText: o.SourceText,
	}
	if o.Props != nil {
		out.Props = maps.Clone(o.Props)
	}
	if o.Source != nil {
		out.Source = append([]byte(nil), o.Source...)
	}
	if o.Children != nil {
		out.Children = maps.Clone(o.Children)
	}
	return out
}

// ChildNames returns the children's local names in lexicographic
// order. Traversals use this so identical store states always yield
// identical visit orders.
func (o *Object) ChildNames() []string {
	names := make([]string, 0, len(o.Children))
	for name := range o.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// encode serializes the object into a log record payload.
func (o *Object) encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	return data, nil
}

// decodeObject deserializes a log record payload. A container whose
// child map was empty at encode time gets it restored, so an object
// round-tripped through the log is identical to the one written.
func decodeObject(data []byte) (*Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if o.Type == "folder" && o.Children == nil {
		o.Children = map[string]OID{}
	}
	return &o, nil
}
