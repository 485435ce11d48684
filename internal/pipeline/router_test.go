package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// --- Shared Mocks ---

type mockConnections struct {
	mock.Mock
}

func (m *mockConnections) Connections(userID string) int {
	args := m.Called(userID)
	return args.Int(0)
}

func (m *mockConnections) Send(userID string, frame delivery.ClientFrame) int {
	args := m.Called(userID, frame)
	return args.Int(0)
}

func (m *mockConnections) SendExcept(userID, exceptDeviceID string, frame delivery.ClientFrame) int {
	args := m.Called(userID, exceptDeviceID, frame)
	return args.Int(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, userID string, n *delivery.Notification) error {
	args := m.Called(ctx, userID, n)
	return args.Error(0)
}

type mockStateStore struct {
	mock.Mock
}

func (m *mockStateStore) GetLatestState(ctx context.Context, userID string) (*delivery.State, error) {
	args := m.Called(ctx, userID)
	if state, ok := args.Get(0).(*delivery.State); ok {
		return state, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStateStore) SaveState(ctx context.Context, state *delivery.State) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

// --- Fixture ---

type routerFixture struct {
	connections *mockConnections
	offline     *mockDispatcher
	dedup       *Deduper
	router      *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	connections := new(mockConnections)
	offline := new(mockDispatcher)
	dedup := NewDeduper(time.Minute, time.Minute)
	t.Cleanup(dedup.Stop)

	router, err := NewRouter(connections, offline, dedup, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)

	return &routerFixture{connections: connections, offline: offline, dedup: dedup, router: router}
}

func testNotification(sequence uint64) *delivery.Notification {
	return &delivery.Notification{
		ID:        fmt.Sprintf("notif-%d", sequence),
		UserID:    "user-1",
		Kind:      delivery.KindMessage,
		Sequence:  sequence,
		CreatedAt: time.Now().UTC(),
	}
}

// --- Tests ---

func TestRouteDeliversToLiveSessions(t *testing.T) {
	f := newRouterFixture(t)
	f.connections.On("Connections", "user-1").Return(2)
	f.connections.On("Send", "user-1", mock.Anything).Return(2)

	result, err := f.router.RouteNotification(context.Background(), testNotification(1))

	require.NoError(t, err)
	assert.Equal(t, ResultDeliveredLive, result)
	f.offline.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestRouteHandsOffWhenOffline(t *testing.T) {
	f := newRouterFixture(t)
	f.connections.On("Connections", "user-1").Return(0)
	f.offline.On("Dispatch", mock.Anything, "user-1", mock.Anything).Return(nil)

	result, err := f.router.RouteNotification(context.Background(), testNotification(1))

	require.NoError(t, err)
	assert.Equal(t, ResultHandedOffOffline, result)
	f.offline.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestRouteDropsDuplicateSequence(t *testing.T) {
	f := newRouterFixture(t)
	f.connections.On("Connections", "user-1").Return(1)
	f.connections.On("Send", "user-1", mock.Anything).Return(1)

	n := testNotification(5)
	first, err := f.router.RouteNotification(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, ResultDeliveredLive, first)

	second, err := f.router.RouteNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second)
	f.connections.AssertNumberOfCalls(t, "Send", 1)
}

func TestRouteRetriesFailedHandoff(t *testing.T) {
	// A failed handoff must not mark the sequence seen, so the redelivered
	// message reaches the dispatcher again.
	f := newRouterFixture(t)
	f.connections.On("Connections", "user-1").Return(0)
	f.offline.On("Dispatch", mock.Anything, "user-1", mock.Anything).
		Return(errors.New("push pipeline down")).Once()
	f.offline.On("Dispatch", mock.Anything, "user-1", mock.Anything).
		Return(nil).Once()

	n := testNotification(3)
	_, err := f.router.RouteNotification(context.Background(), n)
	require.Error(t, err)

	result, err := f.router.RouteNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, ResultHandedOffOffline, result)
	f.offline.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestRouteBackpressuredSessionsStillCountAsLive(t *testing.T) {
	// Sessions exist but every buffer rejected the frame. The registry has
	// already counted the drops; a push on top would double-notify devices
	// that are merely slow.
	f := newRouterFixture(t)
	f.connections.On("Connections", "user-1").Return(1)
	f.connections.On("Send", "user-1", mock.Anything).Return(0)

	result, err := f.router.RouteNotification(context.Background(), testNotification(1))

	require.NoError(t, err)
	assert.Equal(t, ResultDeliveredLive, result)
	f.offline.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewRouterValidation(t *testing.T) {
	dedup := NewDeduper(time.Minute, time.Minute)
	t.Cleanup(dedup.Stop)
	metrics := telemetry.New()

	_, err := NewRouter(nil, new(mockDispatcher), dedup, metrics, zerolog.Nop())
	require.Error(t, err)

	_, err = NewRouter(new(mockConnections), nil, dedup, metrics, zerolog.Nop())
	require.Error(t, err)

	_, err = NewRouter(new(mockConnections), new(mockDispatcher), nil, metrics, zerolog.Nop())
	require.Error(t, err)

	_, err = NewRouter(new(mockConnections), new(mockDispatcher), dedup, nil, zerolog.Nop())
	require.Error(t, err)
}
