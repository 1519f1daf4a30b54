// Package checkpoint records per-source ingestion progress so a re-run of
// the same (namespace, source_ref) can short-circuit or resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// ErrInvalidKey is returned when a namespace or source ref cannot form a key.
var ErrInvalidKey = errors.New("invalid checkpoint key: empty or contains NUL")

const keyPrefix = "checkpoint/"

// Status is the lifecycle state of a source checkpoint.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// SourceCheckpoint is the durable progress record for one source document.
type SourceCheckpoint struct {
	Namespace       string             `json:"namespace"`
	SourceRef       string             `json:"source_ref"`
	Status          Status             `json:"status"`
	ChunkCount      int                `json:"chunk_count"`
	CommittedChunks []int              `json:"committed_chunks,omitempty"`
	Report          types.IngestReport `json:"report"`
	AttemptCount    int                `json:"attempt_count"`
	LastError       string             `json:"last_error,omitempty"`
	FailedStage     types.Stage        `json:"failed_stage,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastUpdatedAt   time.Time          `json:"last_updated_at"`
}

// IsCommitted reports whether chunk idx was committed by an earlier run.
func (c *SourceCheckpoint) IsCommitted(idx int) bool {
	i := sort.SearchInts(c.CommittedChunks, idx)
	return i < len(c.CommittedChunks) && c.CommittedChunks[i] == idx
}

func (c *SourceCheckpoint) markCommitted(idx int) {
	if c.IsCommitted(idx) {
		return
	}
	c.CommittedChunks = append(c.CommittedChunks, idx)
	sort.Ints(c.CommittedChunks)
}

// CanRetry reports whether another attempt is allowed.
func (c *SourceCheckpoint) CanRetry(maxAttempts int) bool {
	return c.Status != StatusSucceeded && c.AttemptCount < maxAttempts
}

// Summary returns a one-line description for logs and the CLI.
func (c *SourceCheckpoint) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s, %d/%d chunks", c.Namespace, c.SourceRef, c.Status, len(c.CommittedChunks), c.ChunkCount)
	if c.AttemptCount > 0 {
		fmt.Fprintf(&b, ", %d failed attempts", c.AttemptCount)
	}
	if c.LastError != "" {
		fmt.Fprintf(&b, ", last error at %s: %s", c.FailedStage, c.LastError)
	}
	return b.String()
}

// Manager persists checkpoints in badger.
type Manager struct {
	backend *storage.Backend
	now     func() time.Time
}

// NewManager creates a checkpoint manager on an open backend.
func NewManager(backend *storage.Backend) *Manager {
	return &Manager{backend: backend, now: time.Now}
}

func key(namespace, sourceRef string) ([]byte, error) {
	if namespace == "" || sourceRef == "" ||
		strings.ContainsRune(namespace, 0) || strings.ContainsRune(sourceRef, 0) {
		return nil, ErrInvalidKey
	}
	return []byte(keyPrefix + namespace + "\x00" + sourceRef), nil
}

// Load returns the checkpoint, or nil, nil when none exists.
func (m *Manager) Load(ctx context.Context, namespace, sourceRef string) (*SourceCheckpoint, error) {
	k, err := key(namespace, sourceRef)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp SourceCheckpoint
	err = m.backend.View(func(tx *badger.Txn) error {
		return storage.GetJSON(tx, k, &cp)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint.
func (m *Manager) Save(ctx context.Context, cp *SourceCheckpoint) error {
	k, err := key(cp.Namespace, cp.SourceRef)
	if err != nil {
		return err
	}
	cp.LastUpdatedAt = m.now().UTC()
	return m.backend.Update(ctx, func(tx *badger.Txn) error {
		return storage.PutJSON(tx, k, cp)
	})
}

// LoadOrCreate returns the existing checkpoint or a fresh in-progress one.
// The boolean reports whether the checkpoint already existed.
func (m *Manager) LoadOrCreate(ctx context.Context, namespace, sourceRef string) (*SourceCheckpoint, bool, error) {
	existing, err := m.Load(ctx, namespace, sourceRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	now := m.now().UTC()
	cp := &SourceCheckpoint{
		Namespace: namespace,
		SourceRef: sourceRef,
		Status:    StatusInProgress,
		Report:    types.IngestReport{Namespace: namespace, SourceRef: sourceRef},
		CreatedAt: now,
	}
	if err := m.Save(ctx, cp); err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// RecordChunk marks chunk idx committed and folds its counts into the
// running report.
func (m *Manager) RecordChunk(ctx context.Context, cp *SourceCheckpoint, idx int, delta types.IngestReport) error {
	cp.markCommitted(idx)
	cp.Status = StatusInProgress
	cp.Report.EpisodeCount += delta.EpisodeCount
	cp.Report.EntityCount += delta.EntityCount
	cp.Report.RelationCount += delta.RelationCount
	cp.Report.DedupedCount += delta.DedupedCount
	cp.Report.Commits += delta.Commits
	return m.Save(ctx, cp)
}

// RecordError notes a failed attempt and the stage it failed in.
func (m *Manager) RecordError(ctx context.Context, cp *SourceCheckpoint, cause error) error {
	cp.AttemptCount++
	cp.Status = StatusFailed
	cp.LastError = cause.Error()
	cp.FailedStage = types.StageOf(cause)
	return m.Save(ctx, cp)
}

// MarkSucceeded closes the checkpoint. Later runs become no-ops.
func (m *Manager) MarkSucceeded(ctx context.Context, cp *SourceCheckpoint) error {
	cp.Status = StatusSucceeded
	cp.LastError = ""
	cp.FailedStage = ""
	return m.Save(ctx, cp)
}

// Delete removes the checkpoint so the source can be ingested from scratch.
func (m *Manager) Delete(ctx context.Context, namespace, sourceRef string) error {
	k, err := key(namespace, sourceRef)
	if err != nil {
		return err
	}
	return m.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Delete(k)
	})
}

// List returns all checkpoints, optionally restricted to one namespace.
func (m *Manager) List(ctx context.Context, namespace string) ([]*SourceCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyPrefix
	if namespace != "" {
		prefix += namespace + "\x00"
	}

	var out []*SourceCheckpoint
	err := m.backend.View(func(tx *badger.Txn) error {
		return storage.ScanPrefix(tx, []byte(prefix), func(_, val []byte) error {
			var cp SourceCheckpoint
			if err := json.Unmarshal(val, &cp); err != nil {
				return err
			}
			out = append(out, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}

// FindFailed returns failed checkpoints that still have attempts left.
func (m *Manager) FindFailed(ctx context.Context, maxAttempts int) ([]*SourceCheckpoint, error) {
	all, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var failed []*SourceCheckpoint
	for _, cp := range all {
		if cp.Status == StatusFailed && cp.CanRetry(maxAttempts) {
			failed = append(failed, cp)
		}
	}
	return failed, nil
}

// Statistics summarizes checkpoint state.
type Statistics struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// GetStatistics counts checkpoints by status.
func (m *Manager) GetStatistics(ctx context.Context) (*Statistics, error) {
	all, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &Statistics{Total: len(all)}
	for _, cp := range all {
		switch cp.Status {
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		default:
			stats.InProgress++
		}
	}
	return stats, nil
}
