package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies a backend error.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindMAPI
	ErrorKindServer
	ErrorKindGeneral
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindMAPI:
		return "mapi"
	case ErrorKindServer:
		return "server"
	case ErrorKindGeneral:
		return "general"
	default:
		return "unknown"
	}
}

// BackendError is a structured error returned by the backend in an
// "error" action payload.
type BackendError struct {
	Kind    ErrorKind
	Header  string
	Message string

	// Code is the backend status code (hresult), zero when absent.
	Code int64
}

func (e *BackendError) Error() string {
	switch {
	case e.Header != "" && e.Message != "":
		return fmt.Sprintf("backend %s error: %s: %s", e.Kind, e.Header, e.Message)
	case e.Message != "":
		return fmt.Sprintf("backend %s error: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("backend %s error (code %#x)", e.Kind, e.Code)
	}
}

// IsBackendError reports whether err (or any error in its chain) is a
// BackendError.
func IsBackendError(err error) bool {
	var bErr *BackendError
	return errors.As(err, &bErr)
}

// DecodeError builds a BackendError from an "error" action payload. Both
// the nested {"error": {"type", "info": {...}}} form and a flat
// {"header", "message"} object are understood.
func DecodeError(payload json.RawMessage) *BackendError {
	res := gjson.ParseBytes(payload)
	if e := res.Get("error"); e.IsObject() {
		res = e
	}
	info := res.Get("info")
	if !info.IsObject() {
		info = res
	}
	return &BackendError{
		Kind:    ErrorKind(res.Get("type").Int()),
		Header:  firstString(info, "header", "display_message"),
		Message: firstString(info, "message", "original_message"),
		Code:    info.Get("hresult").Int(),
	}
}

func firstString(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ParseError reports a response body that is not a valid envelope.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "malformed response: " + e.Reason
}
