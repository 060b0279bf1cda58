package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType identifies the value type a field is coerced to.
type FieldType int

const (
	TypeAuto FieldType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
	TypeRecords
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeRecords:
		return "records"
	default:
		return "auto"
	}
}

// Field declares one typed property of a record Definition.
type Field struct {
	Name string
	Type FieldType

	// DateFormat is the time layout used for TypeDate fields. Empty means
	// the backend's unix timestamp (seconds) representation.
	DateFormat string

	// Default is returned by Get when the record holds no value.
	Default any

	// Records is the member schema of a TypeRecords field.
	Records *Definition
}

// String declares a string field.
func String(name string) Field { return Field{Name: name, Type: TypeString} }

// Int declares an integer field. Values are stored as int64.
func Int(name string) Field { return Field{Name: name, Type: TypeInt} }

// Float declares a floating point field. Non-finite values are rejected.
func Float(name string) Field { return Field{Name: name, Type: TypeFloat} }

// Bool declares a boolean field.
func Bool(name string) Field { return Field{Name: name, Type: TypeBool} }

// Date declares a timestamp field transported as unix seconds.
func Date(name string) Field { return Field{Name: name, Type: TypeDate} }

// DateFormat declares a timestamp field transported as a formatted string.
func DateFormat(name, layout string) Field {
	return Field{Name: name, Type: TypeDate, DateFormat: layout}
}

// Records declares a nested sub-record list whose members follow def.
func Records(name string, def *Definition) Field {
	return Field{Name: name, Type: TypeRecords, Records: def}
}

// Auto declares a field whose value is kept as decoded.
func Auto(name string) Field { return Field{Name: name, Type: TypeAuto} }

// WithDefault returns a copy of f with the given default value.
func (f Field) WithDefault(v any) Field {
	f.Default = v
	return f
}

// Zero returns the value Get reports for a field without a value.
func (f Field) Zero() any {
	if f.Default != nil {
		return f.Default
	}
	switch f.Type {
	case TypeString:
		return ""
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeBool:
		return false
	case TypeDate:
		return time.Time{}
	default:
		return nil
	}
}

// Coerce converts v to the field's declared type. TypeRecords values are
// handled by the owning Record and are rejected here.
func (f Field) Coerce(v any) (any, error) {
	switch f.Type {
	case TypeString:
		return f.toString(v)
	case TypeInt:
		return f.toInt(v)
	case TypeFloat:
		return f.toFloat(v)
	case TypeBool:
		return f.toBool(v)
	case TypeDate:
		return f.toDate(v)
	case TypeRecords:
		return nil, f.invalid(v, "sub-record fields are set through their SubStore")
	default:
		return v, nil
	}
}

// Encode converts a coerced value to its wire representation.
func (f Field) Encode(v any) any {
	if f.Type != TypeDate {
		return v
	}
	t, ok := v.(time.Time)
	if !ok || t.IsZero() {
		return nil
	}
	if f.DateFormat != "" {
		return t.Format(f.DateFormat)
	}
	if t.Nanosecond() == 0 {
		return t.Unix()
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func (f Field) invalid(v any, reason string) error {
	return &ValidationError{Field: f.Name, Value: v, Reason: reason}
}

func (f Field) toString(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, f.invalid(v, "not a string")
	}
}

func (f Field) toInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return int64(0), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float32:
		return f.intFromFloat(float64(x), v)
	case float64:
		return f.intFromFloat(x, v)
	case json.Number:
		return f.intFromString(string(x), v)
	case string:
		return f.intFromString(x, v)
	default:
		return nil, f.invalid(v, "not an integer")
	}
}

// intFromString is stricter than a prefix parse: "15%" or "12abc" fail
// instead of yielding 15 or 12.
func (f Field) intFromString(s string, orig any) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return int64(0), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, f.invalid(orig, "not an integer")
	}
	return f.intFromFloat(fv, orig)
}

func (f Field) intFromFloat(x float64, orig any) (any, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, f.invalid(orig, "not a finite number")
	}
	if x != math.Trunc(x) {
		return nil, f.invalid(orig, "not an integer")
	}
	if x > math.MaxInt64 || x < math.MinInt64 {
		return nil, f.invalid(orig, "out of range")
	}
	return int64(x), nil
}

func (f Field) toFloat(v any) (any, error) {
	var x float64
	switch n := v.(type) {
	case nil:
		return float64(0), nil
	case int:
		x = float64(n)
	case int64:
		x = float64(n)
	case float32:
		x = float64(n)
	case float64:
		x = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, f.invalid(v, "not a number")
		}
		x = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return float64(0), nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, f.invalid(v, "not a number")
		}
		x = parsed
	default:
		return nil, f.invalid(v, "not a number")
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, f.invalid(v, "not a finite number")
	}
	return x, nil
}

func (f Field) toBool(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return nil, f.invalid(v, "not a boolean")
		}
		return n != 0, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, f.invalid(v, "not a boolean")
		}
		return b, nil
	default:
		return nil, f.invalid(v, "not a boolean")
	}
}

func (f Field) toDate(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case *time.Time:
		if x == nil {
			return time.Time{}, nil
		}
		return x.UTC(), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case float64:
		return f.dateFromFloat(x, v)
	case json.Number:
		return f.dateFromString(string(x), v)
	case string:
		return f.dateFromString(x, v)
	default:
		return nil, f.invalid(v, "not a date")
	}
}

func (f Field) dateFromFloat(x float64, orig any) (any, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, f.invalid(orig, "not a finite timestamp")
	}
	sec, frac := math.Modf(x)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

func (f Field) dateFromString(s string, orig any) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if f.DateFormat != "" {
		t, err := time.Parse(f.DateFormat, s)
		if err != nil {
			return nil, f.invalid(orig, fmt.Sprintf("does not match layout %q", f.DateFormat))
		}
		return t.UTC(), nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return f.dateFromFloat(n, orig)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, f.invalid(orig, "not a timestamp")
	}
	return t.UTC(), nil
}
