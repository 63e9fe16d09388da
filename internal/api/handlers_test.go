package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crdt-sync/internal/crdt"
	"crdt-sync/internal/docid"
	"crdt-sync/internal/models"
	"crdt-sync/internal/services"
	"crdt-sync/internal/services/collaboration"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocs records the last address it was called with and answers from
// fixed values
type fakeDocs struct {
	mu         sync.Mutex
	lastID     docid.DocID
	lastClient uint64
	lastBody   []byte
	err        error
	applied    bool
}

func (f *fakeDocs) PushUpdate(ctx context.Context, id docid.DocID, update []byte, clientID uint64) (*services.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID, f.lastClient, f.lastBody = id, clientID, update
	if f.err != nil {
		return nil, f.err
	}
	return &services.PushResult{UpdateID: "u1", Applied: f.applied, StateVector: []byte{1, 1, 1}, Pending: 3}, nil
}

func (f *fakeDocs) Load(ctx context.Context, id docid.DocID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return []byte("merged"), f.err
}

func (f *fakeDocs) Diff(ctx context.Context, id docid.DocID, sv []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID, f.lastBody = id, sv
	return []byte("diff"), f.err
}

func (f *fakeDocs) StateVector(ctx context.Context, id docid.DocID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return []byte{0}, f.err
}

func (f *fakeDocs) Materialize(ctx context.Context, id docid.DocID) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return map[string]any{"content": "hi"}, f.err
}

func (f *fakeDocs) Compact(ctx context.Context, id docid.DocID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return f.err
}

func (f *fakeDocs) ListDocuments(ctx context.Context, workspace string) ([]models.DocumentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []models.DocumentInfo{{DocID: workspace + ":page:a", Workspace: workspace, Pending: 2}}, f.err
}

func (f *fakeDocs) DeleteDocument(ctx context.Context, id docid.DocID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return f.err
}

type fixedQueue int

func (q fixedQueue) GetQueueLength() int { return int(q) }

func newTestRouter(docs *fakeDocs) http.Handler {
	return SetupRoutes(NewHandler(docs, fixedQueue(4), nil, nil))
}

// recordingRelay records every relayed update as "<address>=<bytes>"
type recordingRelay struct {
	relayed []string
}

func (r *recordingRelay) Relay(ctx context.Context, id docid.DocID, update []byte) {
	r.relayed = append(r.relayed, fmt.Sprintf("%s=%v", id.Full(), update))
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rec
}

func textUpdate(t *testing.T, client uint64, text string) []byte {
	t.Helper()
	doc := crdt.NewDoc(client)
	txt, err := doc.Get("content", crdt.KindText)
	require.NoError(t, err)
	require.NoError(t, txt.InsertText(0, text))
	return doc.EncodeStateAsUpdate(nil)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(&fakeDocs{}), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","compaction_queue":4}`, rec.Body.String())
}

func TestStatelessMerge(t *testing.T) {
	router := newTestRouter(&fakeDocs{})
	a := textUpdate(t, 1, "a")
	b := textUpdate(t, 2, "b")

	body, err := json.Marshal(mergeRequest{Updates: [][]byte{a, b}})
	require.NoError(t, err)
	rec := do(t, router, http.MethodPost, "/api/crdt/merge", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp updateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	want, err := crdt.MergeUpdates(a, b)
	require.NoError(t, err)
	assert.Equal(t, want, resp.Update)

	// the merged update reads back through the JSON endpoint
	body, err = json.Marshal(updateRequest{Update: resp.Update})
	require.NoError(t, err)
	rec = do(t, router, http.MethodPost, "/api/crdt/json", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":"ab"}`, rec.Body.String())
}

func TestStatelessDiffAndStateVector(t *testing.T) {
	router := newTestRouter(&fakeDocs{})
	update := textUpdate(t, 1, "abc")

	body, err := json.Marshal(updateRequest{Update: update})
	require.NoError(t, err)
	rec := do(t, router, http.MethodPost, "/api/crdt/state-vector", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var svResp stateVectorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svResp))
	assert.Equal(t, crdt.EncodeStateVector(crdt.StateVector{1: 3}), svResp.StateVector)

	body, err = json.Marshal(diffRequest{Update: update, StateVector: svResp.StateVector})
	require.NoError(t, err)
	rec = do(t, router, http.MethodPost, "/api/crdt/diff", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var diffResp updateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diffResp))
	assert.Equal(t, crdt.EmptyUpdate(), diffResp.Update)
}

func TestStatelessRejectsMalformed(t *testing.T) {
	router := newTestRouter(&fakeDocs{})

	body, err := json.Marshal(mergeRequest{Updates: [][]byte{{0, 0}, {5}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/crdt/merge", body).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/crdt/merge", []byte("{")).Code)
}

func TestPushUpdate(t *testing.T) {
	docs := &fakeDocs{applied: true}
	router := newTestRouter(docs)

	rec := do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/page:intro/updates?client_id=9", []byte{1, 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ws1:page:intro", docs.lastID.Full())
	assert.Equal(t, uint64(9), docs.lastClient)
	assert.Equal(t, []byte{1, 2}, docs.lastBody)

	var result services.PushResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "u1", result.UpdateID)
	assert.Equal(t, int64(3), result.Pending)

	docs.applied = false
	rec = do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/page:intro/updates", []byte{1, 2})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPushUpdateRelaysOnlyAppliedUpdates(t *testing.T) {
	docs := &fakeDocs{applied: true}
	relay := &recordingRelay{}
	router := SetupRoutes(NewHandler(docs, nil, nil, relay))

	rec := do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/ws1/updates", []byte{1, 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"ws1=[1 2]"}, relay.relayed)

	docs.applied = false
	do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/ws1/updates", []byte{1, 2})
	docs.err = errors.New("boom")
	do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/ws1/updates", []byte{1, 2})
	assert.Len(t, relay.relayed, 1)
}

func TestRESTPushReachesWebsocketSessions(t *testing.T) {
	docs := &fakeDocs{applied: true}
	manager := collaboration.NewSessionManager(docs)
	manager.Start()
	handler := NewHandler(docs, nil, collaboration.NewWebSocketHandler(manager), manager)
	srv := httptest.NewServer(SetupRoutes(handler))
	t.Cleanup(func() {
		manager.Shutdown()
		srv.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/workspaces/ws1/docs/page:intro", nil)
	require.NoError(t, err)
	defer conn.Close()

	readSync := func() models.SyncMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg models.SyncMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	}
	assert.Equal(t, "diff", string(readSync().Payload))
	require.Eventually(t, func() bool {
		return len(manager.GetSessions("ws1:page:intro")) == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/workspaces/ws1/docs/page:intro/updates", "application/octet-stream", bytes.NewReader([]byte{1, 2}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := readSync()
	assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
	assert.Equal(t, []byte{1, 2}, msg.Payload)
}

func TestBareDocIDResolvesAgainstWorkspace(t *testing.T) {
	docs := &fakeDocs{}
	router := newTestRouter(docs)

	do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/abc", nil)
	assert.Equal(t, docid.Unknown, docs.lastID.Variant())
	assert.Equal(t, "ws1:unknown:abc", docs.lastID.Full())

	do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/ws1", nil)
	assert.True(t, docs.lastID.IsWorkspace())
}

func TestGetDocument(t *testing.T) {
	docs := &fakeDocs{}
	router := newTestRouter(docs)

	rec := do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/page:intro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "merged", rec.Body.String())

	sv := base64.StdEncoding.EncodeToString([]byte{1, 1, 3})
	rec = do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/page:intro?state_vector="+sv, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "diff", rec.Body.String())
	assert.Equal(t, []byte{1, 1, 3}, docs.lastBody)

	rec = do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/page:intro?state_vector=!!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentEndpoints(t *testing.T) {
	docs := &fakeDocs{}
	router := newTestRouter(docs)

	rec := do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/page:intro/diff", []byte{0})
	assert.Equal(t, "diff", rec.Body.String())
	assert.Equal(t, []byte{0}, docs.lastBody)

	rec = do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/page:intro/state-vector", nil)
	assert.Equal(t, []byte{0}, rec.Body.Bytes())

	rec = do(t, router, http.MethodGet, "/api/workspaces/ws1/docs/page:intro/json", nil)
	assert.JSONEq(t, `{"content":"hi"}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/page:intro/compact", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/workspaces/ws1/docs/page:intro", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/workspaces/ws1/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"workspace":"ws1","documents":[{"doc_id":"ws1:page:a","workspace":"ws1","pending_updates":2,"has_snapshot":false}]}`, rec.Body.String())
}

func TestErrorMapping(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want int
	}{
		"malformed":          {&crdt.DecodeError{Offset: 3, Reason: "truncated"}, http.StatusBadRequest},
		"missing dependency": {fmt.Errorf("push: %w", crdt.ErrMissingDependency), http.StatusConflict},
		"not found":          {fmt.Errorf("ws1: %w", services.ErrDocumentNotFound), http.StatusNotFound},
		"other":              {errors.New("database down"), http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(&fakeDocs{err: tc.err})
			rec := do(t, router, http.MethodPost, "/api/workspaces/ws1/docs/page:intro/updates", []byte{0, 0})
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestInvalidAddress(t *testing.T) {
	rec := do(t, newTestRouter(&fakeDocs{}), http.MethodGet, "/api/workspaces/ws1/docs/a:b:c:d:e", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
