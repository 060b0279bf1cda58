package record

// Definition is the schema of one record type: its id property, the
// discriminators that select it and the typed fields it declares.
type Definition struct {
	// Name identifies the definition in logs, usually the message class.
	Name string

	// IDProperty names the field holding the backend-assigned id.
	IDProperty string

	// MessageClass and ObjectType are the discriminators a Reader matches
	// against when resolving a response item to this definition.
	MessageClass string
	ObjectType   int

	fields map[string]Field
	order  []string
}

// NewDefinition creates a definition with the given id property and fields.
func NewDefinition(name, idProperty string, fields ...Field) *Definition {
	d := &Definition{
		Name:       name,
		IDProperty: idProperty,
		fields:     make(map[string]Field, len(fields)),
	}
	d.add(fields...)
	return d
}

// Extend returns a new definition carrying all of d's fields plus the
// given ones. Later fields replace earlier fields of the same name.
func (d *Definition) Extend(name string, fields ...Field) *Definition {
	ext := NewDefinition(name, d.IDProperty)
	ext.ObjectType = d.ObjectType
	for _, n := range d.order {
		ext.add(d.fields[n])
	}
	ext.add(fields...)
	return ext
}

// WithDiscriminators sets the message class and object type and returns d.
func (d *Definition) WithDiscriminators(messageClass string, objectType int) *Definition {
	d.MessageClass = messageClass
	d.ObjectType = objectType
	return d
}

func (d *Definition) add(fields ...Field) {
	for _, f := range fields {
		if _, exists := d.fields[f.Name]; !exists {
			d.order = append(d.order, f.Name)
		}
		d.fields[f.Name] = f
	}
}

// Field returns the declaration for name.
func (d *Definition) Field(name string) (Field, bool) {
	f, ok := d.fields[name]
	return f, ok
}

// Fields returns the declared fields in declaration order.
func (d *Definition) Fields() []Field {
	out := make([]Field, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.fields[n])
	}
	return out
}

// fieldFor returns the declaration for name, or an untyped field for
// properties the definition does not declare.
func (d *Definition) fieldFor(name string) Field {
	if f, ok := d.fields[name]; ok {
		return f
	}
	return Auto(name)
}
