// Package protocol encodes request envelopes and decodes response
// envelopes of the groupware JSON backend.
//
// A request body batches one or more transactions:
//
//	{"zarafa": {"<module>": {"<moduleid>": {"<action>": {params}}}}}
//
// The response mirrors the structure, with each module id echoing the
// transaction it answers and the action naming the payload shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Root is the top-level key of every envelope.
const Root = "zarafa"

// Action names a backend operation or a response payload shape.
type Action string

const (
	ActionList         Action = "list"
	ActionOpen         Action = "open"
	ActionItem         Action = "item"
	ActionSave         Action = "save"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionExpand       Action = "expand"
	ActionSearch       Action = "search"
	ActionUpdateSearch Action = "updatesearch"
	ActionStopSearch   Action = "stopsearch"
	ActionError        Action = "error"
	ActionSuccess      Action = "success"
	ActionKeepAlive    Action = "keepalive"

	// Notification actions, delivered without a matching request.
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
	ActionNewMail  Action = "newmail"
)

// IsNotification reports whether a is an out-of-band notification action.
func (a Action) IsNotification() bool {
	switch a {
	case ActionCreated, ActionModified, ActionDeleted, ActionNewMail:
		return true
	}
	return false
}

// Request is one outbound transaction.
type Request struct {
	// Module is the backend module, such as "maillistmodule".
	Module string

	// ID is the module id correlating the response with this request.
	ID string

	Action Action
	Params map[string]any
}

// Response is one inbound action payload.
type Response struct {
	Module  string
	ID      string
	Action  Action
	Payload json.RawMessage
}

// EncodeBatch builds a single request body carrying every request.
func EncodeBatch(reqs ...Request) ([]byte, error) {
	modules := make(map[string]map[string]map[string]any)
	for _, r := range reqs {
		if r.Module == "" || r.ID == "" || r.Action == "" {
			return nil, fmt.Errorf("encoding request %q/%q: module, id and action are required", r.Module, r.ID)
		}
		ids, ok := modules[r.Module]
		if !ok {
			ids = make(map[string]map[string]any)
			modules[r.Module] = ids
		}
		if _, dup := ids[r.ID]; dup {
			return nil, fmt.Errorf("encoding request: duplicate module id %q", r.ID)
		}
		params := r.Params
		if params == nil {
			params = map[string]any{}
		}
		ids[r.ID] = map[string]any{string(r.Action): params}
	}

	body, err := json.Marshal(map[string]any{Root: modules})
	if err != nil {
		return nil, fmt.Errorf("encoding request batch: %w", err)
	}
	return body, nil
}

// DecodeBatch splits a response body into its action payloads, in
// document order.
func DecodeBatch(body []byte) ([]Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ParseError{Reason: "response is not valid JSON"}
	}
	root := gjson.GetBytes(body, Root)
	if !root.IsObject() {
		return nil, &ParseError{Reason: fmt.Sprintf("response has no %q object", Root)}
	}

	var out []Response
	var perr error
	root.ForEach(func(module, ids gjson.Result) bool {
		if !ids.IsObject() {
			perr = &ParseError{Reason: fmt.Sprintf("module %q is not an object", module.String())}
			return false
		}
		ids.ForEach(func(id, actions gjson.Result) bool {
			if !actions.IsObject() {
				perr = &ParseError{Reason: fmt.Sprintf("module id %q is not an object", id.String())}
				return false
			}
			actions.ForEach(func(action, payload gjson.Result) bool {
				out = append(out, Response{
					Module:  module.String(),
					ID:      id.String(),
					Action:  Action(strings.ToLower(action.String())),
					Payload: json.RawMessage(payload.Raw),
				})
				return true
			})
			return true
		})
		return perr == nil
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

// Items returns the records carried by a payload. Both "item" and
// "results" are accepted, and a single object is normalized to a list of
// one.
func Items(payload json.RawMessage) []json.RawMessage {
	for _, key := range []string{"item", "results", "items"} {
		res := gjson.GetBytes(payload, key)
		if !res.Exists() {
			continue
		}
		return rawList(res)
	}
	return nil
}

func rawList(res gjson.Result) []json.RawMessage {
	switch {
	case res.IsArray():
		var out []json.RawMessage
		res.ForEach(func(_, v gjson.Result) bool {
			if v.IsObject() {
				out = append(out, json.RawMessage(v.Raw))
			}
			return true
		})
		return out
	case res.IsObject():
		return []json.RawMessage{json.RawMessage(res.Raw)}
	default:
		return nil
	}
}

// Page describes the window of a paged list response.
type Page struct {
	Start         int `json:"start"`
	RowCount      int `json:"rowcount"`
	TotalRowCount int `json:"totalrowcount"`
}

// PageOf returns the page block of a payload, if present.
func PageOf(payload json.RawMessage) (Page, bool) {
	res := gjson.GetBytes(payload, "page")
	if !res.IsObject() {
		return Page{}, false
	}
	return Page{
		Start:         int(res.Get("start").Int()),
		RowCount:      int(res.Get("rowcount").Int()),
		TotalRowCount: int(res.Get("totalrowcount").Int()),
	}, true
}

// Peek returns the value at a gjson path of an item, looking in
// the nested "props" object first.
func Peek(item json.RawMessage, path string) gjson.Result {
	if v := gjson.GetBytes(item, "props."+path); v.Exists() {
		return v
	}
	return gjson.GetBytes(item, path)
}
