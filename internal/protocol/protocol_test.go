package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncodeBatchNestsModuleIDAndAction(t *testing.T) {
	body, err := EncodeBatch(
		Request{Module: "maillistmodule", ID: "maillistmodule-1", Action: ActionList,
			Params: map[string]any{"entryid": "F1", "restriction": map[string]any{"start": 0, "limit": 50}}},
		Request{Module: "maillistmodule", ID: "maillistmodule-2", Action: ActionOpen},
		Request{Module: "hierarchymodule", ID: "hierarchymodule-1", Action: ActionList},
	)
	require.NoError(t, err)

	assert.Equal(t, "F1", gjson.GetBytes(body, "zarafa.maillistmodule.maillistmodule-1.list.entryid").String())
	assert.Equal(t, int64(50), gjson.GetBytes(body, "zarafa.maillistmodule.maillistmodule-1.list.restriction.limit").Int())
	assert.True(t, gjson.GetBytes(body, "zarafa.maillistmodule.maillistmodule-2.open").IsObject())
	assert.True(t, gjson.GetBytes(body, "zarafa.hierarchymodule.hierarchymodule-1.list").Exists())
}

func TestEncodeBatchRejectsDuplicatesAndMissingParts(t *testing.T) {
	_, err := EncodeBatch(
		Request{Module: "m", ID: "m-1", Action: ActionList},
		Request{Module: "m", ID: "m-1", Action: ActionOpen},
	)
	require.Error(t, err)

	_, err = EncodeBatch(Request{Module: "m", Action: ActionList})
	require.Error(t, err)
}

func TestDecodeBatchKeepsDocumentOrder(t *testing.T) {
	body := []byte(`{"zarafa":{
		"maillistmodule":{
			"maillistmodule-2":{"item":{"item":{"entryid":"A1"}}},
			"maillistmodule-1":{"list":{"item":[]},"error":{"error":{"type":1}}}
		},
		"hierarchynotifier":{"hierarchynotifier1":{"newmail":{}}}
	}}`)

	got, err := DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "maillistmodule-2", got[0].ID)
	assert.Equal(t, ActionItem, got[0].Action)
	assert.Equal(t, ActionList, got[1].Action)
	assert.Equal(t, ActionError, got[2].Action)
	assert.Equal(t, "hierarchynotifier", got[3].Module)
	assert.True(t, got[3].Action.IsNotification())
}

func TestDecodeBatchMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"other":{}}`, `{"zarafa":{"m":[]}}`, `{"zarafa":{"m":{"m-1":"x"}}}`} {
		_, err := DecodeBatch([]byte(body))
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, body)
	}
}

func TestItemsNormalizesSingleObject(t *testing.T) {
	list := Items(json.RawMessage(`{"item":[{"entryid":"A1"},{"entryid":"A2"}]}`))
	assert.Len(t, list, 2)

	single := Items(json.RawMessage(`{"results":{"entryid":"M1","display_name":"Ann"}}`))
	require.Len(t, single, 1)
	assert.Equal(t, "M1", gjson.GetBytes(single[0], "entryid").String())

	assert.Empty(t, Items(json.RawMessage(`{"page":{}}`)))
	assert.Empty(t, Items(json.RawMessage(`{"item":[1,"x",null]}`)))
}

func TestPageOf(t *testing.T) {
	page, ok := PageOf(json.RawMessage(`{"item":[],"page":{"start":50,"rowcount":25,"totalrowcount":310}}`))
	require.True(t, ok)
	assert.Equal(t, Page{Start: 50, RowCount: 25, TotalRowCount: 310}, page)

	_, ok = PageOf(json.RawMessage(`{"item":[]}`))
	assert.False(t, ok)
}

func TestPeekPrefersProps(t *testing.T) {
	item := json.RawMessage(`{"message_class":"IPM","props":{"message_class":"IPM.Note"}}`)
	assert.Equal(t, "IPM.Note", Peek(item, "message_class").String())
	assert.False(t, Peek(item, "object_type").Exists())
}

func TestDecodeError(t *testing.T) {
	nested := DecodeError(json.RawMessage(`{"error":{"type":1,"info":{"hresult":-2147221233,"header":"Not found","message":"The item does not exist"}}}`))
	assert.Equal(t, ErrorKindMAPI, nested.Kind)
	assert.Equal(t, "Not found", nested.Header)
	assert.Equal(t, "The item does not exist", nested.Message)
	assert.Equal(t, int64(-2147221233), nested.Code)
	assert.Contains(t, nested.Error(), "Not found")

	flat := DecodeError(json.RawMessage(`{"header":"Denied","display_message":"ignored","message":"No access"}`))
	assert.Equal(t, ErrorKindUnknown, flat.Kind)
	assert.Equal(t, "Denied", flat.Header)
	assert.Equal(t, "No access", flat.Message)

	var err error = nested
	assert.True(t, IsBackendError(err))
}
