package storage

import (
	"errors"
	"testing"
	"time"

	"peerdrop/models"
	"peerdrop/protocol"
	"peerdrop/requests"
	"peerdrop/server"
	"peerdrop/transfers"
)

var _ server.Archive = (*Store)(nil)

func testRemote() models.ServerInfo {
	return models.ServerInfo{SessionIP: "192.168.1.20", Port: 4000, Name: "laptop"}
}

func TestRecordRequestUpsertsStatus(t *testing.T) {
	store := newTestStore(t)

	req := requests.NewInbound(&protocol.ChatMessage{Text: "hello"}, models.ServerInfo{}, testRemote())
	req.ID = 7
	req.Status = requests.StatusPending
	if err := store.RecordRequest("run-1", req.Snapshot()); err != nil {
		t.Fatalf("RecordRequest failed: %v", err)
	}

	req.Status = requests.StatusError
	req.Error = "handler failed"
	if err := store.RecordRequest("run-1", req.Snapshot()); err != nil {
		t.Fatalf("RecordRequest update failed: %v", err)
	}

	got, err := store.GetRequest("run-1", 7)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.Status != string(requests.StatusError) {
		t.Fatalf("expected status %q, got %q", requests.StatusError, got.Status)
	}
	if got.Type != protocol.TextMessage.String() {
		t.Fatalf("unexpected type %q", got.Type)
	}
	if got.Direction != "inbound" {
		t.Fatalf("unexpected direction %q", got.Direction)
	}
	if got.RemoteAddress != "192.168.1.20:4000" || got.RemoteName != "laptop" {
		t.Fatalf("unexpected remote %q / %q", got.RemoteAddress, got.RemoteName)
	}
	if got.Body == nil || *got.Body != "hello" {
		t.Fatalf("expected body hello, got %v", got.Body)
	}
	if got.Error == nil || *got.Error != "handler failed" {
		t.Fatalf("expected error message, got %v", got.Error)
	}

	all, err := store.ListRequests("", 0)
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one archived request, got %d", len(all))
	}
}

func TestRecordRequestRequiresIdentity(t *testing.T) {
	store := newTestStore(t)

	req := requests.NewInbound(&protocol.ServerInfoRequestMessage{}, models.ServerInfo{}, testRemote())
	if err := store.RecordRequest("run-1", req.Snapshot()); err == nil {
		t.Fatal("expected error for request without id")
	}
	req.ID = 1
	if err := store.RecordRequest("", req.Snapshot()); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestGetMissingRecordsReturnNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRequest("run-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for request, got %v", err)
	}
	if _, err := store.GetTransfer("run-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for transfer, got %v", err)
	}
}

func TestRecordTransferRoundTrip(t *testing.T) {
	store := newTestStore(t)

	requested := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	transfer := transfers.FileTransfer{
		ID:                     3,
		Direction:              transfers.Outbound,
		Initiator:              transfers.InitiatorSelf,
		Status:                 transfers.StatusPending,
		FileName:               "report.pdf",
		FileSize:               2048,
		FileType:               "application/pdf",
		LocalFolder:            "/home/me/docs",
		RemoteFolder:           "/srv/inbox",
		RemoteServer:           testRemote(),
		RemoteServerRetryLimit: 3,
		TransferResponseCode:   987654321,
		RequestedAt:            requested,
	}
	if err := store.RecordTransfer("run-1", transfer); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("run-1", 3)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != "pending" || got.Direction != "outbound" || got.Initiator != "self" {
		t.Fatalf("unexpected state %q %q %q", got.Status, got.Direction, got.Initiator)
	}
	if got.FileType == nil || *got.FileType != "application/pdf" {
		t.Fatalf("unexpected file type %v", got.FileType)
	}
	if got.RequestedAt != requested.UnixMilli() {
		t.Fatalf("expected requested_at %d, got %d", requested.UnixMilli(), got.RequestedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.ErrorMessage != nil {
		t.Fatal("expected unset optional columns to be NULL")
	}

	started := requested.Add(10 * time.Second)
	transfer.Status = transfers.StatusConfirmedComplete
	transfer.CurrentBytesSent = 2048
	transfer.PercentComplete = 1
	transfer.StartedAt = started
	transfer.CompletedAt = started.Add(time.Second)
	if err := store.RecordTransfer("run-1", transfer); err != nil {
		t.Fatalf("RecordTransfer update failed: %v", err)
	}

	got, err = store.GetTransfer("run-1", 3)
	if err != nil {
		t.Fatalf("GetTransfer after update failed: %v", err)
	}
	if got.Status != "confirmed_complete" {
		t.Fatalf("expected confirmed_complete, got %q", got.Status)
	}
	if got.BytesTransferred != 2048 || got.PercentComplete != 1 {
		t.Fatalf("unexpected progress %d / %v", got.BytesTransferred, got.PercentComplete)
	}
	if got.StartedAt == nil || *got.StartedAt != started.UnixMilli() {
		t.Fatalf("unexpected started_at %v", got.StartedAt)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestRecordTransferInboundUsesReceivedBytes(t *testing.T) {
	store := newTestStore(t)

	lockout := time.Now().Add(10 * time.Minute)
	err := store.RecordTransfer("run-1", transfers.FileTransfer{
		ID:                     1,
		Direction:              transfers.Inbound,
		Initiator:              transfers.InitiatorRemoteServer,
		Status:                 transfers.StatusRetryLimitExceeded,
		FileName:               "movie.mkv",
		FileSize:               100,
		TotalBytesReceived:     40,
		RetryCounter:           3,
		RemoteServerRetryLimit: 3,
		RetryLockoutExpireTime: lockout,
		ErrorMessage:           "retry limit exceeded",
		RemoteServer:           testRemote(),
	})
	if err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("run-1", 1)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.BytesTransferred != 40 {
		t.Fatalf("expected 40 bytes, got %d", got.BytesTransferred)
	}
	if got.LockoutExpiresAt == nil || *got.LockoutExpiresAt != lockout.UnixMilli() {
		t.Fatalf("unexpected lockout %v", got.LockoutExpiresAt)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "retry limit exceeded" {
		t.Fatalf("unexpected error message %v", got.ErrorMessage)
	}
	if got.RequestedAt == 0 {
		t.Fatal("expected requested_at to default to now")
	}
}

func TestListTransfersFiltersBySession(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, session := range []string{"run-1", "run-1", "run-2"} {
		err := store.RecordTransfer(session, transfers.FileTransfer{
			ID:          i + 1,
			Direction:   transfers.Inbound,
			Initiator:   transfers.InitiatorSelf,
			Status:      transfers.StatusPending,
			FileName:    "file.txt",
			RequestedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordTransfer %d failed: %v", i, err)
		}
	}

	all, err := store.ListTransfers("", 0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}
	if all[0].SessionID != "run-2" {
		t.Fatalf("expected newest first, got %s/%d", all[0].SessionID, all[0].ID)
	}

	run1, err := store.ListTransfers("run-1", 0)
	if err != nil {
		t.Fatalf("ListTransfers run-1 failed: %v", err)
	}
	if len(run1) != 2 {
		t.Fatalf("expected 2 transfers for run-1, got %d", len(run1))
	}

	limited, err := store.ListTransfers("", 1)
	if err != nil {
		t.Fatalf("ListTransfers limited failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestPruneHistoryDeletesOldRows(t *testing.T) {
	store := newTestStore(t)

	req := requests.NewOutbound(&protocol.ChatMessage{Text: "old"}, models.ServerInfo{}, testRemote())
	req.ID = 1
	if err := store.RecordRequest("run-1", req.Snapshot()); err != nil {
		t.Fatalf("RecordRequest failed: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE requests SET updated_at = ?`, time.Now().Add(-48*time.Hour).UnixMilli()); err != nil {
		t.Fatalf("age request row: %v", err)
	}
	if err := store.RecordTransfer("run-1", transfers.FileTransfer{
		ID:        1,
		Direction: transfers.Outbound,
		Initiator: transfers.InitiatorSelf,
		Status:    transfers.StatusPending,
		FileName:  "fresh.txt",
	}); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	removed, err := store.PruneHistory(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
	if _, err := store.GetRequest("run-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old request pruned, got %v", err)
	}
	if _, err := store.GetTransfer("run-1", 1); err != nil {
		t.Fatalf("expected fresh transfer kept: %v", err)
	}
}
