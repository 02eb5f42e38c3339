package adapters

import (
	"github.com/fclairamb/objsync/internal/objdb"
)

// titleCapability mirrors the object title.
type titleCapability struct{}

func (titleCapability) Applies(*objdb.Object) bool { return true }

func (titleCapability) Read(obj *objdb.Object, rec Record) {
	if obj.Title != "" {
		rec["title"] = obj.Title
	}
}

func (titleCapability) Write(obj *objdb.Object, rec Record) error {
	obj.Title = rec.Title()
	return nil
}

// ownerCapability mirrors the owning user. The serializer suppresses
// the key when it matches the configured default owner, so recorded
// trees stay diff-stable across installations.
type ownerCapability struct{}

func (ownerCapability) Applies(*objdb.Object) bool { return true }

func (ownerCapability) Read(obj *objdb.Object, rec Record) {
	if obj.Owner != "" {
		rec["owner"] = obj.Owner
	}
}

func (ownerCapability) Write(obj *objdb.Object, rec Record) error {
	owner, _ := rec["owner"].(string)
	obj.Owner = owner
	return nil
}

// propertiesCapability mirrors the free-form property map.
type propertiesCapability struct{}

func (propertiesCapability) Applies(*objdb.Object) bool { return true }

func (propertiesCapability) Read(obj *objdb.Object, rec Record) {
	if len(obj.Props) > 0 {
		props := make(map[string]string, len(obj.Props))
		for k, v := range obj.Props {
			props[k] = v
		}
		rec["props"] = props
	}
}

func (propertiesCapability) Write(obj *objdb.Object, rec Record) error {
	props, ok := rec["props"].(map[string]string)
	if !ok || len(props) == 0 {
		obj.Props = nil
		return nil
	}
	obj.Props = make(map[string]string, len(props))
	for k, v := range props {
		obj.Props[k] = v
	}
	return nil
}

// folderHandler handles container objects. Children themselves are
// reconciled by the synchronizer; the record only carries the sorted
// child name list.
type folderHandler struct{}

// The registry already resolved the handler by type tag, so it always
// applies. Keying on the child map would misread an empty folder whose
// map decoded as nil.
func (folderHandler) Applies(*objdb.Object) bool { return true }

func (folderHandler) Read(obj *objdb.Object, rec Record) {
	rec["contents"] = obj.ChildNames()
}

func (folderHandler) Write(*objdb.Object, Record) error { return nil }

func (folderHandler) Create(Record) *objdb.Object {
	return &objdb.Object{Type: "folder", Children: map[string]objdb.OID{}}
}

// sourceHandler handles leaf objects carrying content, either text
// (documents, templates, scripts) or binary (files, images).
type sourceHandler struct {
	text bool
}

func (sourceHandler) Applies(*objdb.Object) bool { return true }

func (h sourceHandler) Read(obj *objdb.Object, rec Record) {
	if obj.Source != nil {
		rec["source"] = append([]byte(nil), obj.Source...)
		rec["source_text"] = obj.SourceText
	}
}

func (h sourceHandler) Write(obj *objdb.Object, rec Record) error {
	src, text := rec.Source()
	if src == nil {
		obj.Source = nil
		obj.SourceText = h.text
		return nil
	}
	obj.Source = append([]byte(nil), src...)
	obj.SourceText = text
	return nil
}

func (h sourceHandler) Create(rec Record) *objdb.Object {
	return &objdb.Object{Type: rec.Type(), SourceText: h.text}
}
