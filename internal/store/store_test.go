package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idiehl/hyperdesk/internal/model"
	"github.com/idiehl/hyperdesk/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hyperdesk.db"))
	require.NoError(t, err, "Open failed")
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) model.Session {
	return model.Session{
		ID:         id,
		HostDevice: model.Device{ID: "host-1", Name: "HOST", IP: "192.168.1.10", Status: model.StatusLocal},
		PeerDevice: model.Device{ID: "peer-1", Name: "PEER", IP: "192.168.1.20", Status: model.StatusOnline},
		Status:     model.SessionConnected,
		Policy:     model.DefaultPolicy(),
		Token:      "0123456789abcdef0123456789",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hyperdesk.db")

	first, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.RecordDevice(model.Device{ID: "d1", Name: "A", IP: "10.0.0.1", Status: "online"}))
	require.NoError(t, first.Close())

	second, err := store.Open(dbPath)
	require.NoError(t, err)
	defer second.Close()

	// Schema creation must not clobber existing rows.
	peers, err := second.ListSessionsWithPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestAdditiveMigrationAddsSessionColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hyperdesk.db")

	// Seed a database in the pre-token shape.
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		host_device_id TEXT NOT NULL,
		peer_device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		approval_required INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO sessions VALUES ('old-1', 'h', 'p', 'disconnected', 'approval', 1, '2026-01-01T00:00:00Z')`,
	)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	// Writing a modern session exercises the migrated columns.
	require.NoError(t, s.RecordSession(testSession("new-1")))

	peers, err := s.ListSessionsWithPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestRecordDeviceUpserts(t *testing.T) {
	s := openTestStore(t)

	device := model.Device{ID: "d1", Name: "LAPTOP", IP: "192.168.1.50", Status: model.StatusOnline, Capabilities: []string{"hyperbox"}}
	require.NoError(t, s.RecordDevice(device))

	device.IP = "192.168.1.51"
	require.NoError(t, s.RecordDevice(device))

	require.NoError(t, s.RecordSession(model.Session{
		ID:         "s1",
		HostDevice: model.Device{ID: "host"},
		PeerDevice: device,
		Status:     model.SessionConnected,
		Policy:     model.DefaultPolicy(),
		CreatedAt:  time.Now().UTC(),
	}))

	peers, err := s.ListSessionsWithPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "LAPTOP", peers[0].PeerName)
}

func TestListSessionsWithPeersUnknownPeer(t *testing.T) {
	s := openTestStore(t)

	sess := testSession("s1")
	sess.PeerDevice.ID = "never-recorded"
	require.NoError(t, s.RecordSession(sess))

	peers, err := s.ListSessionsWithPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "Unknown", peers[0].PeerName)
	assert.Equal(t, "never-recorded", peers[0].PeerDeviceID)
}

func TestUpdateSessionStatus(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordSession(testSession("s1")))
	require.NoError(t, s.UpdateSessionStatus("s1", model.SessionDisconnected))

	// Re-recording with the same id must still upsert cleanly.
	require.NoError(t, s.RecordSession(testSession("s1")))
}

func TestRequestsOrderedNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.RecordRequest(model.FileRequest{
			ID:        id,
			SessionID: "s1",
			Path:      "requests/" + id + ".txt",
			Requester: model.RequesterPeer,
			Status:    model.RequestPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	requests, err := s.ListRequests("s1")
	require.NoError(t, err)
	require.Len(t, requests, 3)
	assert.Equal(t, "r3", requests[0].ID)
	assert.Equal(t, "r1", requests[2].ID)
}

func TestRequestHistoryAcrossSessions(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.RecordRequest(model.FileRequest{
		ID: "a", SessionID: "s1", Path: "x", Requester: model.RequesterLocal,
		Status: model.RequestCompleted, CreatedAt: now,
	}))
	require.NoError(t, s.RecordRequest(model.FileRequest{
		ID: "b", SessionID: "s2", Path: "y", Requester: model.RequesterPeer,
		Status: model.RequestPending, CreatedAt: now.Add(time.Second),
	}))

	all, err := s.ListRequestHistory("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.ListRequestHistory("s2")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "b", one[0].ID)
}

func TestRecordTransfer(t *testing.T) {
	s := openTestStore(t)

	job := model.TransferJob{
		ID:        "j1",
		Path:      "/tmp/demo_payload.bin",
		Direction: model.DirectionUpload,
		Status:    model.TransferTransferring,
		Progress:  0.5,
	}
	require.NoError(t, s.RecordTransfer("s1", job))

	job.Status = model.TransferComplete
	job.Progress = 1.0
	job.Checksum = "deadbeef"
	require.NoError(t, s.RecordTransfer("s1", job))
}

func TestPreferences(t *testing.T) {
	s := openTestStore(t)

	assert.Equal(t, "fallback", s.GetPreference("absent", "fallback"))

	require.NoError(t, s.SetPreference("transfer.chunk_size_mb", "8"))
	require.NoError(t, s.SetPreference("transfer.encryption", "False"))
	require.NoError(t, s.SetPreference("device.d1.sync_mode", "mirror"))

	assert.Equal(t, 8, s.GetPreferenceInt("transfer.chunk_size_mb", 1))
	assert.Equal(t, 3, s.GetPreferenceInt("transfer.max_retries", 3))
	assert.False(t, s.GetPreferenceBool("transfer.encryption", true))
	assert.Equal(t, "mirror", s.GetPreference("device.d1.sync_mode", "approval"))

	for _, truthy := range []string{"True", "true", "1"} {
		require.NoError(t, s.SetPreference("flag", truthy))
		assert.True(t, s.GetPreferenceBool("flag", false), "value %q", truthy)
	}

	prefs, err := s.ListPreferences()
	require.NoError(t, err)
	assert.Equal(t, "mirror", prefs["device.d1.sync_mode"])
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "hyperdesk.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.RecordDevice(model.Device{ID: "d1"})
	assert.ErrorIs(t, err, store.ErrClosed)

	_, err = s.ListRequests("s1")
	assert.ErrorIs(t, err, store.ErrClosed)
}
