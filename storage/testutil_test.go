package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertPeer(t *testing.T, store *Store, deviceID string, lastSeen int64) {
	t.Helper()

	err := store.UpsertPeer(Peer{
		DeviceID:   deviceID,
		DeviceName: "node-" + deviceID,
		Address:    "192.168.1.20",
		Port:       4000,
		Platform:   "linux",
		LastSeen:   lastSeen,
	})
	if err != nil {
		t.Fatalf("upsert peer %q: %v", deviceID, err)
	}
}
