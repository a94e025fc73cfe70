package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Checkpoint statuses persisted for run processing.
const (
	CheckpointStatusReceived   = "received"
	CheckpointStatusDispatched = "dispatched"
	CheckpointStatusCompleted  = "completed"
	CheckpointStatusFailed     = "failed"
)

// Run statuses.
const (
	RunStatusQueued          = "queued"
	RunStatusRunning         = "running"
	RunStatusSucceeded       = "succeeded"
	RunStatusFailed          = "failed"
	RunStatusPendingApproval = "pending_approval"
	RunStatusBudgetOverrun   = "budget_overrun"
)

// Experiment couples a framework, a corpus and a model, optionally on a
// recurring schedule.
type Experiment struct {
	ID            string
	Name          string
	FrameworkPath string
	FrameworkHash string
	CorpusPath    string
	CorpusHash    string
	Model         string
	ScheduleCron  string
	CreatedAt     time.Time
}

// Run is one execution of an experiment.
type Run struct {
	ID           string
	ExperimentID string
	Status       string
	Error        string
	CostUSD      float64
	TokensUsed   int64
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Checkpoint captures durable progress for a run phase.
type Checkpoint struct {
	RunID           string
	Phase           string
	Status          string
	CheckpointToken string
	Payload         map[string]interface{}
	Retries         int
	UpdatedAt       time.Time
}

// EvidenceRecord captures a verified quote extracted during a run.
type EvidenceRecord struct {
	RunID      string
	QuoteID    string
	DocumentID string
	Dimension  string
	Quote      string
	Salience   float64
	Verified   bool
	CreatedAt  time.Time
}

// RunManifestRecord stores a signed provenance manifest for a run.
type RunManifestRecord struct {
	RunID     string
	Algorithm string
	Checksum  string
	Signature string
	KeyID     string
	Manifest  json.RawMessage
	CreatedAt time.Time
}

// New constructs the Store from DATABASE_URL or POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Experiment operations

func (s *Store) CreateExperiment(ctx context.Context, e Experiment) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO experiments (name, framework_path, framework_hash, corpus_path, corpus_hash, model, schedule_cron)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		e.Name, e.FrameworkPath, e.FrameworkHash, e.CorpusPath, e.CorpusHash, e.Model, e.ScheduleCron).Scan(&id)
	return id, err
}

func (s *Store) GetExperiment(ctx context.Context, id string) (Experiment, bool, error) {
	var e Experiment
	row := s.DB.QueryRowContext(ctx, `
SELECT id::text, name, framework_path, framework_hash, corpus_path, corpus_hash, model, COALESCE(schedule_cron,''), created_at
FROM experiments WHERE id = $1`, id)
	if err := row.Scan(&e.ID, &e.Name, &e.FrameworkPath, &e.FrameworkHash, &e.CorpusPath, &e.CorpusHash, &e.Model, &e.ScheduleCron, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Experiment{}, false, nil
		}
		return Experiment{}, false, err
	}
	return e, true, nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, name, framework_path, framework_hash, corpus_path, corpus_hash, model, COALESCE(schedule_cron,''), created_at
FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ID, &e.Name, &e.FrameworkPath, &e.FrameworkHash, &e.CorpusPath, &e.CorpusHash, &e.Model, &e.ScheduleCron, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListScheduledExperiments returns experiments with a non-empty cron spec.
func (s *Store) ListScheduledExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, name, framework_path, framework_hash, corpus_path, corpus_hash, model, schedule_cron, created_at
FROM experiments WHERE schedule_cron IS NOT NULL AND schedule_cron <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ID, &e.Name, &e.FrameworkPath, &e.FrameworkHash, &e.CorpusPath, &e.CorpusHash, &e.Model, &e.ScheduleCron, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, experimentID, status string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO runs (experiment_id, status) VALUES ($1,$2) RETURNING id`, experimentID, status).Scan(&id)
	return id, err
}

func (s *Store) SetRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2 WHERE id=$1`, runID, status)
	return err
}

func (s *Store) FinishRun(ctx context.Context, runID, status string, errMsg *string, costUSD float64, tokens int64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE runs SET status=$2, error=$3, cost_usd=$4, tokens_used=$5, finished_at=NOW() WHERE id=$1`,
		runID, status, errMsg, costUSD, tokens)
	return err
}

func (s *Store) MarkRunPendingApproval(ctx context.Context, runID string) error {
	return s.SetRunStatus(ctx, runID, RunStatusPendingApproval)
}

func (s *Store) MarkRunBudgetOverrun(ctx context.Context, runID, reason string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2, error=$3 WHERE id=$1`, runID, RunStatusBudgetOverrun, reason)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, experiment_id::text, status, COALESCE(error,''), cost_usd, tokens_used, started_at, finished_at
FROM runs WHERE id=$1`, runID).
		Scan(&r.ID, &r.ExperimentID, &r.Status, &r.Error, &r.CostUSD, &r.TokensUsed, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListRuns(ctx context.Context, experimentID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, experiment_id::text, status, COALESCE(error,''), cost_usd, tokens_used, started_at, finished_at
FROM runs WHERE experiment_id=$1 ORDER BY started_at DESC`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.ExperimentID, &r.Status, &r.Error, &r.CostUSD, &r.TokensUsed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunTime returns the start time of the newest run for an experiment.
func (s *Store) LatestRunTime(ctx context.Context, experimentID string) (*time.Time, error) {
	var t sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(started_at) FROM runs WHERE experiment_id=$1`, experimentID).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// ClaimIdempotency inserts an idempotency key, reporting whether this caller
// won the claim.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Checkpoint operations

// UpsertCheckpoint persists checkpoint progress for a run phase.
func (s *Store) UpsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.RunID == "" || cp.Phase == "" {
		return fmt.Errorf("run_id and phase are required")
	}
	payloadBytes, err := json.Marshal(cp.Payload)
	if err != nil {
		return fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO run_checkpoints (run_id, phase, checkpoint_token, status, payload, retries, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (run_id, phase) DO UPDATE SET
  checkpoint_token = EXCLUDED.checkpoint_token,
  status           = EXCLUDED.status,
  payload          = EXCLUDED.payload,
  retries          = EXCLUDED.retries,
  updated_at       = NOW();
`, cp.RunID, cp.Phase, cp.CheckpointToken, cp.Status, payloadBytes, cp.Retries)
	return err
}

// GetCheckpoint retrieves a checkpoint for a run/phase. The bool indicates whether a record was found.
func (s *Store) GetCheckpoint(ctx context.Context, runID, phase string) (Checkpoint, bool, error) {
	var (
		payloadBytes []byte
		cp           Checkpoint
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id::text, phase, status, checkpoint_token, payload, retries, updated_at
FROM run_checkpoints
WHERE run_id = $1 AND phase = $2`, runID, phase)
	if err := row.Scan(&cp.RunID, &cp.Phase, &cp.Status, &cp.CheckpointToken, &payloadBytes, &cp.Retries, &cp.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	if len(payloadBytes) > 0 {
		var m map[string]interface{}
		_ = json.Unmarshal(payloadBytes, &m)
		cp.Payload = m
	}
	return cp, true, nil
}

// ListCheckpointsByStatus returns checkpoints matching any of the provided statuses.
func (s *Store) ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]Checkpoint, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id::text, phase, status, checkpoint_token, payload, retries, updated_at
FROM run_checkpoints
WHERE status = ANY($1)`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var (
			cp           Checkpoint
			payloadBytes []byte
		)
		if err := rows.Scan(&cp.RunID, &cp.Phase, &cp.Status, &cp.CheckpointToken, &payloadBytes, &cp.Retries, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if len(payloadBytes) > 0 {
			var m map[string]interface{}
			_ = json.Unmarshal(payloadBytes, &m)
			cp.Payload = m
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// MarkCheckpointStatus updates the checkpoint status for a run phase.
func (s *Store) MarkCheckpointStatus(ctx context.Context, runID, phase, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE run_checkpoints SET status=$3, updated_at=NOW() WHERE run_id=$1 AND phase=$2`, runID, phase, status)
	return err
}

// Evidence operations

// ReplaceRunEvidence swaps the evidence set for a run in one transaction.
func (s *Store) ReplaceRunEvidence(ctx context.Context, runID string, evidence []EvidenceRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_evidence WHERE run_id=$1`, runID); err != nil {
		return err
	}
	for _, e := range evidence {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_evidence (run_id, quote_id, document_id, dimension, quote, salience, verified)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			runID, e.QuoteID, e.DocumentID, e.Dimension, e.Quote, e.Salience, e.Verified); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetRunEvidence(ctx context.Context, runID string) ([]EvidenceRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id::text, quote_id, document_id, dimension, quote, salience, verified, created_at
FROM run_evidence WHERE run_id=$1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceRecord
	for rows.Next() {
		var e EvidenceRecord
		if err := rows.Scan(&e.RunID, &e.QuoteID, &e.DocumentID, &e.Dimension, &e.Quote, &e.Salience, &e.Verified, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run result operations

// UpsertRunResult stores the synthesis output (scores JSON) for a run.
func (s *Store) UpsertRunResult(ctx context.Context, runID string, result json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO run_results (run_id, result, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (run_id) DO UPDATE SET result = EXCLUDED.result, updated_at = NOW();`,
		runID, []byte(result))
	return err
}

func (s *Store) GetRunResult(ctx context.Context, runID string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT result FROM run_results WHERE run_id=$1`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Manifest operations

func (s *Store) InsertRunManifest(ctx context.Context, rec RunManifestRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO run_manifests (run_id, algorithm, checksum, signature, key_id, manifest)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id) DO UPDATE SET
  algorithm = EXCLUDED.algorithm,
  checksum  = EXCLUDED.checksum,
  signature = EXCLUDED.signature,
  key_id    = EXCLUDED.key_id,
  manifest  = EXCLUDED.manifest;`,
		rec.RunID, rec.Algorithm, rec.Checksum, rec.Signature, rec.KeyID, []byte(rec.Manifest))
	return err
}

func (s *Store) GetRunManifest(ctx context.Context, runID string) (RunManifestRecord, bool, error) {
	var (
		rec RunManifestRecord
		raw []byte
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id::text, algorithm, checksum, signature, COALESCE(key_id,''), manifest, created_at
FROM run_manifests WHERE run_id=$1`, runID)
	if err := row.Scan(&rec.RunID, &rec.Algorithm, &rec.Checksum, &rec.Signature, &rec.KeyID, &raw, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return RunManifestRecord{}, false, nil
		}
		return RunManifestRecord{}, false, err
	}
	rec.Manifest = raw
	return rec, true, nil
}
