package collaboration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crdt-sync/internal/docid"
	"crdt-sync/internal/models"
	"crdt-sync/internal/services"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

// fakeDocs answers Diff with "diff:" + sv and accepts every update except
// the payload "bad"; the payload "dup" is accepted but not applied
type fakeDocs struct {
	mu     sync.Mutex
	pushed []string
}

func (f *fakeDocs) PushUpdate(ctx context.Context, id docid.DocID, update []byte, clientID uint64) (*services.PushResult, error) {
	switch string(update) {
	case "bad":
		return nil, errRejected
	case "dup":
		return &services.PushResult{}, nil
	}
	f.mu.Lock()
	f.pushed = append(f.pushed, id.Full()+"="+string(update))
	f.mu.Unlock()
	return &services.PushResult{Applied: true}, nil
}

func (f *fakeDocs) Diff(ctx context.Context, id docid.DocID, sv []byte) ([]byte, error) {
	return append([]byte("diff:"), sv...), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) Publish(ctx context.Context, id docid.DocID, update []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, id.Full()+"="+string(update))
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testServer struct {
	*httptest.Server
	manager   *SessionManager
	docs      *fakeDocs
	publisher *fakePublisher
}

func newTestServer(t *testing.T) *testServer {
	docs := &fakeDocs{}
	publisher := &fakePublisher{}
	manager := NewSessionManager(docs)
	manager.SetPublisher(publisher)
	manager.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws/workspaces/{workspace}/docs/{doc}", NewWebSocketHandler(manager).HandleDocumentConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Shutdown()
		srv.Close()
	})
	return &testServer{Server: srv, manager: manager, docs: docs, publisher: publisher}
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.SyncMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg models.SyncMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msgType models.MessageType, payload []byte) {
	t.Helper()
	raw, err := json.Marshal(models.SyncMessage{Type: msgType, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestInitialSyncUsesStateVector(t *testing.T) {
	ts := newTestServer(t)
	sv := base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3})

	conn := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro?client_id=7&sv="+sv)
	msg := readFrame(t, conn)
	assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
	assert.Equal(t, []byte{'d', 'i', 'f', 'f', ':', 1, 2, 3}, msg.Payload)

	assert.Eventually(t, func() bool {
		sessions := ts.manager.GetSessions("ws1:page:intro")
		return len(sessions) == 1 && sessions[0].ClientID == 7
	}, time.Second, 10*time.Millisecond)
}

func TestSyncMessageRepliesWithDiff(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, conn)

	writeFrame(t, conn, models.MessageTypeSync, []byte("sv"))
	msg := readFrame(t, conn)
	assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
	assert.Equal(t, "diff:sv", string(msg.Payload))
}

func TestUpdateIsRelayedToOtherSessions(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, alice)
	bob := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, bob)
	other := ts.dial(t, "/ws/workspaces/ws1/docs/page:other")
	readFrame(t, other)

	require.Eventually(t, func() bool {
		return len(ts.manager.GetSessions("ws1:page:intro")) == 2
	}, time.Second, 10*time.Millisecond)

	writeFrame(t, alice, models.MessageTypeUpdate, []byte("edit"))

	msg := readFrame(t, bob)
	assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
	assert.Equal(t, "edit", string(msg.Payload))

	assert.Eventually(t, func() bool { return ts.publisher.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ws1:page:intro=edit"}, ts.docs.pushed)

	// the sender and other rooms get nothing
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)
}

func TestRejectedUpdateReturnsError(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, conn)

	writeFrame(t, conn, models.MessageTypeUpdate, []byte("bad"))
	msg := readFrame(t, conn)
	assert.Equal(t, models.MessageTypeError, msg.Type)
	assert.Equal(t, "rejected", msg.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = readFrame(t, conn)
	assert.Equal(t, models.MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, "invalid message")

	writeFrame(t, conn, models.MessageType(42), nil)
	msg = readFrame(t, conn)
	assert.Equal(t, "unknown message type 42", msg.Error)
}

func TestUnappliedUpdateIsNotRelayed(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, alice)

	writeFrame(t, alice, models.MessageTypeUpdate, []byte("dup"))
	writeFrame(t, alice, models.MessageTypeSync, nil)

	// the reply to the sync arrives and nothing was published before it
	msg := readFrame(t, alice)
	assert.Equal(t, "diff:", string(msg.Payload))
	assert.Zero(t, ts.publisher.count())
}

func TestRelayRemoteReachesWholeRoom(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, conn)
	require.Eventually(t, func() bool {
		return len(ts.manager.GetSessions("ws1:page:intro")) == 1
	}, time.Second, 10*time.Millisecond)

	ts.manager.RelayRemote(docid.MustParse("ws1:page:intro", ""), []byte("remote"))
	msg := readFrame(t, conn)
	assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
	assert.Equal(t, "remote", string(msg.Payload))
}

func TestRelayReachesRoomAndOtherInstances(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, alice)
	bob := ts.dial(t, "/ws/workspaces/ws1/docs/page:intro")
	readFrame(t, bob)
	require.Eventually(t, func() bool {
		return len(ts.manager.GetSessions("ws1:page:intro")) == 2
	}, time.Second, 10*time.Millisecond)

	ts.manager.Relay(context.Background(), docid.MustParse("ws1:page:intro", ""), []byte("rest"))

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readFrame(t, conn)
		assert.Equal(t, models.MessageTypeSyncUpdate, msg.Type)
		assert.Equal(t, "rest", string(msg.Payload))
	}
	assert.Equal(t, 1, ts.publisher.count())
}

func TestRejectsBadRequestsBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t)

	for name, path := range map[string]string{
		"bad address": "/ws/workspaces/ws1/docs/a:b:c:d:e",
		"bad sv":      "/ws/workspaces/ws1/docs/page:intro?sv=***",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCleanupRemovesIdleSessions(t *testing.T) {
	manager := NewSessionManager(&fakeDocs{})
	s := manager.NewSession(docid.MustParse("ws1:page:intro", ""), 1, nil)
	manager.handleRegister(s)

	manager.cleanup(time.Now())
	assert.Len(t, manager.GetSessions("ws1:page:intro"), 1)

	manager.cleanup(time.Now().Add(idleTimeout + time.Second))
	assert.Empty(t, manager.GetSessions("ws1:page:intro"))

	select {
	case <-s.closed:
	default:
		t.Fatal("session was not closed")
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	manager := NewSessionManager(&fakeDocs{})
	s := manager.NewSession(docid.MustParse("ws1:page:intro", ""), 1, nil)
	manager.handleRegister(s)

	for i := 0; i < sendBufferSize; i++ {
		manager.handleBroadcast(&BroadcastMessage{Room: "ws1:page:intro", Message: []byte("x")})
	}
	assert.Len(t, manager.GetSessions("ws1:page:intro"), 1)

	manager.handleBroadcast(&BroadcastMessage{Room: "ws1:page:intro", Message: []byte("x")})
	assert.Empty(t, manager.GetSessions("ws1:page:intro"))
}

func TestDecodeBase64Param(t *testing.T) {
	want := []byte{0xfb, 0xff, 0x01}
	for _, v := range []string{
		base64.StdEncoding.EncodeToString(want),
		base64.RawStdEncoding.EncodeToString(want),
		base64.URLEncoding.EncodeToString(want),
		strings.ReplaceAll(base64.StdEncoding.EncodeToString(want), "+", " "),
	} {
		got, err := DecodeBase64Param(v)
		require.NoError(t, err, v)
		assert.Equal(t, want, got, v)
	}

	got, err := DecodeBase64Param("")
	require.NoError(t, err)
	assert.Nil(t, got)
}
