package coordinator

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/telemetry"
	"github.com/tinywideclouds/go-delivery-service/pkg/ring"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Users() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *mockSessions) MarkMigrating(userID, newOwner string) {
	m.Called(userID, newOwner)
}

func (m *mockSessions) PurgeIfEmpty(userID string) bool {
	args := m.Called(userID)
	return args.Bool(0)
}

func (m *mockSessions) ForcePurge(userID string) {
	m.Called(userID)
}

func newTestCoordinator(t *testing.T, sessions *mockSessions) *Coordinator {
	t.Helper()
	c, err := New(Config{
		InstanceID:     "shard-1",
		MigrationGrace: time.Second,
		DrainInterval:  10 * time.Millisecond,
	}, sessions, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// findKeyOwnedBy probes a scratch ring with the same geometry to locate a key
// deterministically owned by the wanted shard.
func findKeyOwnedBy(t *testing.T, members []string, want string) string {
	t.Helper()
	scratch := ring.New(0, nil)
	for _, m := range members {
		scratch.AddNode(m)
	}
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("user-%d", i)
		if owner, ok := scratch.Owner(key); ok && owner == want {
			return key
		}
	}
	t.Fatalf("no key owned by %s in probe range", want)
	return ""
}

func TestJoinAndLeaveMaintainRing(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{})
	c := newTestCoordinator(t, sessions)

	_, ok := c.Owner("user-1")
	assert.False(t, ok, "empty ring should own nothing")

	c.OnNodeJoin("shard-1", "host-1:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")
	assert.Equal(t, []string{"shard-1", "shard-2"}, c.Nodes())

	addr, ok := c.AddrOf("shard-2")
	require.True(t, ok)
	assert.Equal(t, "host-2:8080", addr)

	owner, ok := c.Owner("user-1")
	require.True(t, ok)
	assert.Contains(t, []string{"shard-1", "shard-2"}, owner)

	c.OnNodeLeave("shard-2")
	assert.Equal(t, []string{"shard-1"}, c.Nodes())
	_, ok = c.AddrOf("shard-2")
	assert.False(t, ok)

	owner, ok = c.Owner("user-1")
	require.True(t, ok)
	assert.Equal(t, "shard-1", owner)
}

func TestDuplicateJoinIsNoOp(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{})
	c := newTestCoordinator(t, sessions)

	c.OnNodeJoin("shard-2", "host-2:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")

	sessions.AssertNumberOfCalls(t, "Users", 1)
}

func TestRejoinWithNewAddressUpdatesRedirects(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{})
	c := newTestCoordinator(t, sessions)

	c.OnNodeJoin("shard-2", "host-2:8080")
	c.OnNodeJoin("shard-2", "host-2b:8080")

	addr, ok := c.AddrOf("shard-2")
	require.True(t, ok)
	assert.Equal(t, "host-2b:8080", addr)
}

func TestRebalanceMigratesMovedUsers(t *testing.T) {
	victim := findKeyOwnedBy(t, []string{"shard-1", "shard-2"}, "shard-2")

	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{victim})
	sessions.On("MarkMigrating", victim, "shard-2").Return()

	drained := make(chan struct{})
	sessions.On("PurgeIfEmpty", victim).
		Run(func(mock.Arguments) { close(drained) }).
		Return(true).Once()

	c := newTestCoordinator(t, sessions)
	c.OnNodeJoin("shard-1", "host-1:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("migration walker never checked the user")
	}
	sessions.AssertCalled(t, "MarkMigrating", victim, "shard-2")
}

func TestDrainForcePurgesAfterGrace(t *testing.T) {
	victim := findKeyOwnedBy(t, []string{"shard-1", "shard-2"}, "shard-2")

	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{victim})
	sessions.On("MarkMigrating", victim, "shard-2").Return()
	sessions.On("PurgeIfEmpty", victim).Return(false)

	purged := make(chan struct{})
	sessions.On("ForcePurge", victim).
		Run(func(mock.Arguments) { close(purged) }).
		Return()

	c, err := New(Config{
		InstanceID:     "shard-1",
		MigrationGrace: 60 * time.Millisecond,
		DrainInterval:  10 * time.Millisecond,
	}, sessions, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	c.OnNodeJoin("shard-1", "host-1:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")

	select {
	case <-purged:
	case <-time.After(2 * time.Second):
		t.Fatal("stuck sessions were never force-purged")
	}
}

func TestCloseStopsMigrationWalkers(t *testing.T) {
	victim := findKeyOwnedBy(t, []string{"shard-1", "shard-2"}, "shard-2")

	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{victim})
	sessions.On("MarkMigrating", victim, "shard-2").Return()
	sessions.On("PurgeIfEmpty", victim).Return(false)

	c, err := New(Config{
		InstanceID:     "shard-1",
		MigrationGrace: time.Hour,
		DrainInterval:  10 * time.Millisecond,
	}, sessions, telemetry.New(), zerolog.Nop())
	require.NoError(t, err)

	c.OnNodeJoin("shard-1", "host-1:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the migration walkers")
	}
}

func TestJoinMovesBoundedKeyShare(t *testing.T) {
	sessions := new(mockSessions)
	sessions.On("Users").Return([]string{})
	c := newTestCoordinator(t, sessions)

	c.OnNodeJoin("shard-1", "host-1:8080")
	c.OnNodeJoin("shard-2", "host-2:8080")

	const keys = 10000
	before := make(map[string]string, keys)
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("user-%d", i)
		owner, ok := c.Owner(key)
		require.True(t, ok)
		before[key] = owner
	}

	c.OnNodeJoin("shard-3", "host-3:8080")

	moved := 0
	for key, prev := range before {
		owner, ok := c.Owner(key)
		require.True(t, ok)
		if owner != prev {
			moved++
			assert.Equal(t, "shard-3", owner, "a moved key must land on the new shard")
		}
	}

	// The third shard should take about a third of the key space.
	assert.Less(t, float64(moved)/float64(keys), 0.45, "rebalance moved too many keys")
	assert.Greater(t, moved, 0, "new shard took no keys")
}
