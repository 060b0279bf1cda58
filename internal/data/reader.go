package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/record"
)

// ReadResult holds the records materialized from one payload. Items that
// could not be read are reported in Errors and left out of Records.
type ReadResult struct {
	Records []*record.Record

	// Items are the raw items of Records, in the same order.
	Items []json.RawMessage

	Errors  []error
	Page    protocol.Page
	HasPage bool
}

// Reader turns response payloads into records. The definition of each
// item is resolved through a registry by its message class and object
// type, so one payload may yield records of different types.
type Reader struct {
	registry *record.Registry
	def      *record.Definition
}

// NewReader creates a reader. def is used for items carrying no
// discriminator at all; with a nil registry it is used for every item.
func NewReader(registry *record.Registry, def *record.Definition) *Reader {
	return &Reader{registry: registry, def: def}
}

// Definition returns the reader's default definition.
func (r *Reader) Definition() *record.Definition { return r.def }

// Resolve returns the definition for one item. An item whose
// discriminator is not registered yields a SchemaError.
func (r *Reader) Resolve(index int, item json.RawMessage) (*record.Definition, error) {
	class := protocol.Peek(item, "message_class").String()
	objectType := int(protocol.Peek(item, "object_type").Int())

	if r.registry == nil || (class == "" && objectType == 0) {
		if r.def == nil {
			return nil, &record.SchemaError{
				Index: index,
				Err:   errors.New("item has no discriminator and the reader no default definition"),
			}
		}
		return r.def, nil
	}

	if def, ok := r.registry.Lookup(class, objectType); ok {
		return def, nil
	}
	return nil, &record.SchemaError{Index: index, MessageClass: class, ObjectType: objectType}
}

// ReadValues resolves an item's definition and decodes its raw values
// without building a record. Numbers are kept as json.Number.
func (r *Reader) ReadValues(index int, item json.RawMessage) (*record.Definition, map[string]any, error) {
	def, err := r.Resolve(index, item)
	if err != nil {
		return nil, nil, err
	}
	values, err := decodeValues(item)
	if err != nil {
		return nil, nil, &record.SchemaError{Index: index, Err: err}
	}
	return def, values, nil
}

func decodeValues(item json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	return values, nil
}

// ReadItem materializes one item into a committed record.
func (r *Reader) ReadItem(index int, item json.RawMessage) (*record.Record, error) {
	def, values, err := r.ReadValues(index, item)
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(def, values)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", index, err)
	}
	return rec, nil
}

// ReadRecords reads the item list of a response payload. Single-object
// payloads are normalized to a list first.
func (r *Reader) ReadRecords(payload json.RawMessage) ReadResult {
	res := r.ReadItems(protocol.Items(payload))
	res.Page, res.HasPage = protocol.PageOf(payload)
	return res
}

// ReadItems reads every item, skipping the ones that fail.
func (r *Reader) ReadItems(items []json.RawMessage) ReadResult {
	res := ReadResult{
		Records: make([]*record.Record, 0, len(items)),
		Items:   make([]json.RawMessage, 0, len(items)),
	}
	for i, item := range items {
		rec, err := r.ReadItem(i, item)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Records = append(res.Records, rec)
		res.Items = append(res.Items, item)
	}
	return res
}
