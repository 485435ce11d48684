package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/auth"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// --- Test Fixtures ---

type fakeShards struct {
	local  string
	owners map[string]string
	addrs  map[string]string
}

func (f *fakeShards) LocalID() string { return f.local }

func (f *fakeShards) Owner(key string) (string, bool) {
	owner, ok := f.owners[key]
	return owner, ok
}

func (f *fakeShards) AddrOf(shardID string) (string, bool) {
	addr, ok := f.addrs[shardID]
	return addr, ok
}

type serverFixture struct {
	server   *Server
	registry *registry.Registry
	shards   *fakeShards
	states   *persistence.MemoryStateStore
	ts       *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	reg, err := registry.New(registry.Config{
		BufferSize: 8,
		FullPolicy: registry.PolicyDropNewest,
	}, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)

	shards := &fakeShards{
		local:  "shard-1",
		owners: map[string]string{"user-1": "shard-1", "user-2": "shard-2"},
		addrs:  map[string]string{"shard-2": "host-2:8081"},
	}
	states := persistence.NewMemoryStateStore()

	srv, err := NewServer(Config{
		Addr:         ":0",
		WriteTimeout: 2 * time.Second,
		PongTimeout:  30 * time.Second,
	}, reg, shards, states, auth.TrustHeader("X-User-ID"), telemetry.New(), zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(func() {
		ts.Close()
		reg.Shutdown()
	})

	return &serverFixture{server: srv, registry: reg, shards: shards, states: states, ts: ts}
}

func (f *serverFixture) dial(t *testing.T, userID, deviceID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(userID, deviceID), http.Header{"X-User-ID": {userID}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()
	return conn
}

func (f *serverFixture) wsURL(userID, deviceID string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/connect?user=" + userID + "&device=" + deviceID
}

func readFrame(t *testing.T, conn *websocket.Conn) delivery.ClientFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame delivery.ClientFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// --- Tests ---

func TestConnectStreamsFramesToDevice(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "user-1", "device-a")

	require.Eventually(t, func() bool {
		return f.registry.Connections("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	frame, err := delivery.NotificationFrame(&delivery.Notification{
		ID:       "n-1",
		UserID:   "user-1",
		Kind:     delivery.KindMessage,
		Sequence: 7,
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.registry.Send("user-1", frame))

	got := readFrame(t, conn)
	assert.Equal(t, delivery.FrameNotification, got.Type)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, uint64(7), got.Sequence)
}

func TestConnectReplaysSnapshotFirst(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.states.SaveState(context.Background(), &delivery.State{
		UserID:   "user-1",
		Sequence: 5,
		Payload:  []byte(`{"read":["m-1","m-2"]}`),
	}))

	conn := f.dial(t, "user-1", "device-a")

	got := readFrame(t, conn)
	assert.Equal(t, delivery.FrameSync, got.Type)
	assert.Equal(t, uint64(5), got.Sequence)

	var ev delivery.SyncEvent
	require.NoError(t, json.Unmarshal(got.Payload, &ev))
	assert.Equal(t, "snapshot", ev.Action)
	assert.JSONEq(t, `{"read":["m-1","m-2"]}`, string(ev.Payload))
}

func TestConnectRefusesNonOwner(t *testing.T) {
	f := newServerFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("user-2", "device-a"), http.Header{"X-User-ID": {"user-2"}})
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "host-2:8081", resp.Header.Get("X-Shard-Owner"))
}

func TestConnectRedirectsToOwnerIDWithoutAddress(t *testing.T) {
	f := newServerFixture(t)
	delete(f.shards.addrs, "shard-2")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("user-2", "device-a"), http.Header{"X-User-ID": {"user-2"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "shard-2", resp.Header.Get("X-Shard-Owner"))
}

func TestConnectValidatesRequest(t *testing.T) {
	f := newServerFixture(t)

	doGet := func(t *testing.T, url, authUser string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		req.Header.Set("X-User-ID", authUser)
		resp, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("Failure - Missing device parameter", func(t *testing.T) {
		resp := doGet(t, f.ts.URL+"/connect?user=user-1", "user-1")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Failure - Missing auth header", func(t *testing.T) {
		resp, err := f.ts.Client().Get(f.ts.URL + "/connect?user=user-1&device=device-a")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Failure - Authenticated user mismatch", func(t *testing.T) {
		resp := doGet(t, f.ts.URL+"/connect?user=user-1&device=device-a", "user-9")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Failure - No shards available", func(t *testing.T) {
		delete(f.shards.owners, "user-1")
		resp := doGet(t, f.ts.URL+"/connect?user=user-1&device=device-a", "user-1")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestDuplicateDeviceSessionIsReplaced(t *testing.T) {
	f := newServerFixture(t)
	first := f.dial(t, "user-1", "device-a")

	require.Eventually(t, func() bool {
		return f.registry.Connections("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	second := f.dial(t, "user-1", "device-a")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got: %v", err)

	frame, err := delivery.NotificationFrame(&delivery.Notification{
		ID:       "n-1",
		UserID:   "user-1",
		Kind:     delivery.KindMessage,
		Sequence: 1,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.registry.Send("user-1", frame) == 1
	}, time.Second, 10*time.Millisecond)

	got := readFrame(t, second)
	assert.Equal(t, delivery.FrameNotification, got.Type)
}

func TestConnectRefusedWhileMigrating(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "user-1", "device-a")
	require.Eventually(t, func() bool {
		return f.registry.Connections("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	f.registry.MarkMigrating("user-1", "shard-2")

	// The live session is told to move first.
	got := readFrame(t, conn)
	assert.Equal(t, delivery.FrameReconnect, got.Type)

	// A fresh session for the migrating user upgrades but is closed
	// immediately with a try-again signal.
	late := f.dial(t, "user-1", "device-b")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := late.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "expected try-again-later, got: %v", err)
}

func TestClientDisconnectUnregistersSession(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "user-1", "device-a")

	require.Eventually(t, func() bool {
		return f.registry.Connections("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return f.registry.Connections("user-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNewServerValidation(t *testing.T) {
	reg, err := registry.New(registry.Config{
		BufferSize: 8,
		FullPolicy: registry.PolicyDropNewest,
	}, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(reg.Shutdown)
	shards := &fakeShards{local: "shard-1"}
	states := persistence.NewMemoryStateStore()
	mw := auth.TrustHeader("X-User-ID")

	_, err = NewServer(Config{Addr: ":0"}, nil, shards, states, mw, telemetry.New(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewServer(Config{Addr: ":0"}, reg, nil, states, mw, telemetry.New(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewServer(Config{Addr: ":0"}, reg, shards, nil, mw, telemetry.New(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewServer(Config{}, reg, shards, states, mw, telemetry.New(), zerolog.Nop())
	assert.Error(t, err)
}
