package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/storage"
)

func testHandler(t *testing.T) http.Handler {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc, err := core.New(db, nil)
	require.NoError(t, err)
	return NewServer(svc).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := testHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestEventRecord_CreatesEventAndChunk(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]interface{}{
		"tenant_id":  "acme",
		"session_id": "sess-1",
		"channel":    "private",
		"kind":       "message",
		"actor":      map[string]string{"type": "agent", "id": "agent-a"},
		"content":    map[string]string{"text": "the export finished cleanly"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	ev := body["event"].(map[string]interface{})
	chunk := body["chunk"].(map[string]interface{})
	assert.Contains(t, ev["event_id"], "evt_")
	assert.Equal(t, "the export finished cleanly", chunk["text"])
}

func TestEventRecord_ValidationIs400(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]interface{}{
		"tenant_id":  "acme",
		"session_id": "sess-1",
		"channel":    "loudspeaker",
		"kind":       "message",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "validation", errObj["code"])
}

func TestMemoryResolve_MissingIs404(t *testing.T) {
	h := testHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/memory/chk_missing?tenant_id=acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditFlow_ProposeApprove(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]interface{}{
		"tenant_id":  "acme",
		"session_id": "sess-1",
		"channel":    "private",
		"kind":       "message",
		"content":    map[string]string{"text": "the retry limit is 3"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	chunkID := decodeBody(t, rec)["chunk"].(map[string]interface{})["chunk_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/v1/edits", map[string]interface{}{
		"tenant_id":   "acme",
		"target_type": "chunk",
		"target_id":   chunkID,
		"op":          "amend",
		"patch":       map[string]string{"text": "the retry limit is 5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	edit := decodeBody(t, rec)
	assert.Equal(t, "proposed", edit["status"])
	editID := edit["edit_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/v1/edits/"+editID+"/approve?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody(t, rec)["status"])

	// approving twice conflicts
	rec = doJSON(t, h, http.MethodPost, "/v1/edits/"+editID+"/approve?tenant_id=acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/memory/"+chunkID+"?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the retry limit is 5", decodeBody(t, rec)["text"])
}

func TestDecisionSupersedeFlow(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/decisions", map[string]interface{}{
		"tenant_id": "acme",
		"scope":     "project",
		"decision":  "use sqlite",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	oldID := decodeBody(t, rec)["decision_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/v1/decisions/"+oldID+"/supersede", map[string]interface{}{
		"tenant_id": "acme",
		"scope":     "project",
		"decision":  "use postgres",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// superseding again targets a dead decision
	rec = doJSON(t, h, http.MethodPost, "/v1/decisions/"+oldID+"/supersede", map[string]interface{}{
		"tenant_id": "acme",
		"scope":     "project",
		"decision":  "use mariadb",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/decisions?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decisions := decodeBody(t, rec)["decisions"].([]interface{})
	require.Len(t, decisions, 1)
	assert.Equal(t, "use postgres", decisions[0].(map[string]interface{})["decision"])
}

func TestEdgeCycleIs409(t *testing.T) {
	h := testHandler(t)

	mk := func(from, to string) *httptest.ResponseRecorder {
		return doJSON(t, h, http.MethodPost, "/v1/edges", map[string]interface{}{
			"tenant_id":    "acme",
			"from_node_id": from,
			"to_node_id":   to,
			"type":         "depends_on",
		})
	}
	require.Equal(t, http.StatusCreated, mk("a", "b").Code)
	require.Equal(t, http.StatusCreated, mk("b", "c").Code)

	rec := mk("c", "a")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAssemble(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/context/assemble", map[string]interface{}{
		"tenant_id":  "acme",
		"session_id": "sess-1",
		"agent_id":   "agent-a",
		"channel":    "private",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.EqualValues(t, 65000, body["budget_tokens"])
	assert.Len(t, body["sections"].([]interface{}), 8)
}

func TestInvalidJSONIs400(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	h := testHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]interface{}{
		"tenant_id":  "acme",
		"session_id": "sess-1",
		"channel":    "private",
		"kind":       "message",
		"content":    map[string]string{"text": "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/stats?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["events"])
	assert.EqualValues(t, 1, body["chunks"])
}
