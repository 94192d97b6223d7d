package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{StorageDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadAccountNotFoundBeforeAnyStore(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadAccount()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAccountRoundTrips(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StoreAccount("pickle-v1"))
	got, err := s.LoadAccount()
	require.NoError(t, err)
	assert.Equal(t, "pickle-v1", got)

	require.NoError(t, s.StoreAccount("pickle-v2"))
	got, err = s.LoadAccount()
	require.NoError(t, err)
	assert.Equal(t, "pickle-v2", got)
}

func TestPairwiseSessionsAreKeyedByPeerAndSessionID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StorePairwise("curve25519:bob", "sessA", "pickleA", true))
	require.NoError(t, s.StorePairwise("curve25519:bob", "sessB", "pickleB", false))
	require.NoError(t, s.StorePairwise("curve25519:carol", "sessC", "pickleC", false))

	bobSessions, err := s.GetPairwiseSessions("curve25519:bob")
	require.NoError(t, err)
	require.Len(t, bobSessions, 2)
	assert.Equal(t, "pickleA", bobSessions["sessA"].Pickle)
	assert.True(t, bobSessions["sessA"].IsRecentRecipient)
	assert.False(t, bobSessions["sessB"].IsRecentRecipient)

	carolSessions, err := s.GetPairwiseSessions("curve25519:carol")
	require.NoError(t, err)
	require.Len(t, carolSessions, 1)
}

func TestStorePairwiseUpsertsExistingSession(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StorePairwise("curve25519:bob", "sessA", "pickle-old", false))
	require.NoError(t, s.StorePairwise("curve25519:bob", "sessA", "pickle-new", true))

	sessions, err := s.GetPairwiseSessions("curve25519:bob")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "pickle-new", sessions["sessA"].Pickle)
	assert.True(t, sessions["sessA"].IsRecentRecipient)
}

func TestInboundGroupSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	has, err := s.HasInboundGroup("curve25519:alice", "group1")
	require.NoError(t, err)
	assert.False(t, has)

	sess := InboundGroupSession{
		Pickle:      "group-pickle",
		RoomID:      "!room:example.org",
		KeysClaimed: `{"ed25519:ABCDEF":"key"}`,
	}
	require.NoError(t, s.StoreInboundGroup("curve25519:alice", "group1", sess))

	has, err = s.HasInboundGroup("curve25519:alice", "group1")
	require.NoError(t, err)
	assert.True(t, has)

	got, err := s.GetInboundGroup("curve25519:alice", "group1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	require.NoError(t, s.RemoveInboundGroup("curve25519:alice", "group1"))

	_, err = s.GetInboundGroup("curve25519:alice", "group1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetInboundGroupNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetInboundGroup("curve25519:nobody", "nosession")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceDirectoryPersistence(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutDevice("@alice:example.org", "DEVICEA", []byte(`{"device_id":"DEVICEA"}`)))
	require.NoError(t, s.PutDevice("@alice:example.org", "DEVICEB", []byte(`{"device_id":"DEVICEB"}`)))

	got, err := s.GetDevice("@alice:example.org", "DEVICEA")
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"DEVICEA"}`, string(got))

	all, err := s.ListDevices("@alice:example.org")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetDevice("@alice:example.org", "NOSUCHDEVICE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutDeviceUpsertsExistingRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutDevice("@alice:example.org", "DEVICEA", []byte(`{"verification":"unverified"}`)))
	require.NoError(t, s.PutDevice("@alice:example.org", "DEVICEA", []byte(`{"verification":"verified"}`)))

	got, err := s.GetDevice("@alice:example.org", "DEVICEA")
	require.NoError(t, err)
	assert.JSONEq(t, `{"verification":"verified"}`, string(got))
}

func TestTrackingStatusDefaultsToNotTracked(t *testing.T) {
	s := newTestStore(t)

	status, err := s.GetTrackingStatus("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, TrackingNotTracked, status)
}

func TestTrackingStatusRoundTripsAndUpserts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetTrackingStatus("@alice:example.org", TrackingOutdated))
	status, err := s.GetTrackingStatus("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, TrackingOutdated, status)

	require.NoError(t, s.SetTrackingStatus("@alice:example.org", TrackingUpToDate))
	status, err = s.GetTrackingStatus("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, TrackingUpToDate, status)
}
