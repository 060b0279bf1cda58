package record

import (
	"errors"
	"fmt"
)

// ValidationError reports a value that failed the type coercion declared
// for a field. It is returned synchronously by Set and by Decode.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %#v for field %q: %s", e.Value, e.Field, e.Reason)
}

// IsValidationError reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// SchemaError reports a response item whose discriminator does not resolve
// to a registered Definition.
type SchemaError struct {
	Index        int
	MessageClass string
	ObjectType   int
	Err          error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("item %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf(
		"item %d: no record definition for message class %q / object type %d",
		e.Index, e.MessageClass, e.ObjectType,
	)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IsSchemaError reports whether err (or any error in its chain) is a
// SchemaError.
func IsSchemaError(err error) bool {
	var sErr *SchemaError
	return errors.As(err, &sErr)
}

// ErrUnknownField is returned by typed accessors for fields the record's
// Definition does not declare and that carry no value.
var ErrUnknownField = errors.New("unknown field")
