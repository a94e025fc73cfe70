package store

import (
	"context"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestUpsertCheckpoint(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO run_checkpoints").
		WithArgs("run-1", "analysis", "analysis", CheckpointStatusDispatched, sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cp := Checkpoint{
		RunID: "run-1", Phase: "analysis", Status: CheckpointStatusDispatched,
		CheckpointToken: "analysis",
		Payload:         map[string]interface{}{"document_id": "doc-1"},
	}
	if err := st.UpsertCheckpoint(ctx, cp); err != nil {
		t.Fatalf("UpsertCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertCheckpointRequiresKeys(t *testing.T) {
	st, _ := newMockStore(t)
	if err := st.UpsertCheckpoint(context.Background(), Checkpoint{RunID: "run-1"}); err == nil {
		t.Fatalf("expected error for missing phase")
	}
	if err := st.UpsertCheckpoint(context.Background(), Checkpoint{Phase: "analysis"}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
}

func TestClaimIdempotency(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs("run.enqueued", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	won, err := st.ClaimIdempotency(ctx, "run.enqueued", "evt-1")
	if err != nil || !won {
		t.Fatalf("expected claim to win, won=%v err=%v", won, err)
	}

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs("run.enqueued", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}))
	won, err = st.ClaimIdempotency(ctx, "run.enqueued", "evt-1")
	if err != nil || won {
		t.Fatalf("expected duplicate claim to lose, won=%v err=%v", won, err)
	}

	if _, err := st.ClaimIdempotency(ctx, "", "key"); err == nil {
		t.Fatalf("expected error for empty scope")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT run_id::text, phase, status").
		WithArgs("run-1", "analysis").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "phase", "status", "checkpoint_token", "payload", "retries", "updated_at"}))

	_, found, err := st.GetCheckpoint(context.Background(), "run-1", "analysis")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestInsertRunManifest(t *testing.T) {
	st, mock := newMockStore(t)
	manifest := json.RawMessage(`{"run_id":"run-1"}`)

	mock.ExpectExec("INSERT INTO run_manifests").
		WithArgs("run-1", "hmac-sha256", "abc", "sig", "key-1", []byte(manifest)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := RunManifestRecord{RunID: "run-1", Algorithm: "hmac-sha256", Checksum: "abc", Signature: "sig", KeyID: "key-1", Manifest: manifest}
	if err := st.InsertRunManifest(context.Background(), rec); err != nil {
		t.Fatalf("InsertRunManifest: %v", err)
	}

	if err := st.InsertRunManifest(context.Background(), RunManifestRecord{}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceRunEvidence(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM run_evidence").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO run_evidence").
		WithArgs("run-1", "q1", "doc-1", "anti_elitism", "the corrupt elites", 0.9, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evidence := []EvidenceRecord{{
		RunID: "run-1", QuoteID: "q1", DocumentID: "doc-1",
		Dimension: "anti_elitism", Quote: "the corrupt elites",
		Salience: 0.9, Verified: true,
	}}
	if err := st.ReplaceRunEvidence(ctx, "run-1", evidence); err != nil {
		t.Fatalf("ReplaceRunEvidence: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
