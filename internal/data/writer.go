package data

import (
	"github.com/nhle/groupware/internal/record"
)

// WriteMode selects which fields a Writer serializes.
type WriteMode int

const (
	// WriteDelta sends only modified fields. Unsaved records are always
	// written in full.
	WriteDelta WriteMode = iota

	// WriteFull sends every field holding a value.
	WriteFull

	// WriteID sends only the id and key fields.
	WriteID
)

// Writer serializes records into request parameters. The id and the key
// fields are written at the top level; all other fields go into a nested
// "props" object.
type Writer struct {
	mode WriteMode
	keys []string
}

// NewWriter creates a writer. Without keyFields the parent folder and
// message store ids are used.
func NewWriter(mode WriteMode, keyFields ...string) *Writer {
	if len(keyFields) == 0 {
		keyFields = []string{"parent_entryid", "store_entryid"}
	}
	return &Writer{mode: mode, keys: keyFields}
}

// Mode returns the writer's mode.
func (w *Writer) Mode() WriteMode { return w.mode }

// Write serializes r per the writer's mode.
func (w *Writer) Write(r *record.Record) map[string]any {
	return w.WriteMode(r, w.mode)
}

// WriteID serializes only the id and key fields of r.
func (w *Writer) WriteID(r *record.Record) map[string]any {
	return w.WriteMode(r, WriteID)
}

// WriteMode serializes r with an explicit mode.
func (w *Writer) WriteMode(r *record.Record, mode WriteMode) map[string]any {
	def := r.Definition()
	out := make(map[string]any, len(w.keys)+2)
	if !r.IsPhantom() {
		out[def.IDProperty] = r.ID()
	}
	top := map[string]bool{def.IDProperty: true}
	for _, k := range w.keys {
		top[k] = true
		if r.Has(k) {
			out[k] = encodeValue(def, k, r.Get(k))
		}
	}
	if mode == WriteID {
		return out
	}

	var fields []string
	if mode == WriteFull || r.IsPhantom() {
		fields = r.Fields()
	} else {
		fields = r.Modified()
	}

	props := make(map[string]any, len(fields))
	for _, name := range fields {
		if top[name] {
			continue
		}
		props[name] = encodeValue(def, name, r.Get(name))
	}
	if r.IsPhantom() && def.MessageClass != "" && !r.Has("message_class") {
		props["message_class"] = def.MessageClass
	}
	out["props"] = props
	return out
}

func encodeValue(def *record.Definition, name string, v any) any {
	if sub, ok := v.(*record.SubStore); ok {
		return encodeMembers(sub)
	}
	if f, ok := def.Field(name); ok {
		return f.Encode(v)
	}
	return v
}

// encodeMembers writes sub-record members flat, each with all its fields.
func encodeMembers(sub *record.SubStore) []map[string]any {
	members := sub.Records()
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		def := m.Definition()
		item := make(map[string]any)
		for _, name := range m.Fields() {
			item[name] = encodeValue(def, name, m.Get(name))
		}
		if m.IsPhantom() {
			delete(item, def.IDProperty)
		} else {
			item[def.IDProperty] = m.ID()
		}
		out = append(out, item)
	}
	return out
}
