package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// JobStore persists ingestion jobs and the (namespace, source_ref) index.
type JobStore interface {
	// Put creates or replaces a job and points the source index at it.
	Put(ctx context.Context, job *types.IngestionJob) error
	Get(ctx context.Context, jobID string) (*types.IngestionJob, error)
	// BySource returns the most recent job for (namespace, sourceRef), or nil.
	BySource(ctx context.Context, namespace, sourceRef string) (*types.IngestionJob, error)
	// List returns jobs newest first; an empty namespace lists all of them.
	List(ctx context.Context, namespace string) ([]*types.IngestionJob, error)
}

const (
	jobPrefix    = "job/"
	sourcePrefix = "jobsrc/"
)

// BadgerJobStore is the badger-backed JobStore.
type BadgerJobStore struct {
	backend *storage.Backend
}

// NewBadgerJobStore creates a job store on an open backend.
func NewBadgerJobStore(backend *storage.Backend) *BadgerJobStore {
	return &BadgerJobStore{backend: backend}
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func sourceKey(namespace, sourceRef string) []byte {
	return []byte(sourcePrefix + namespace + "\x00" + sourceRef)
}

// Put implements JobStore.
func (s *BadgerJobStore) Put(ctx context.Context, job *types.IngestionJob) error {
	if job.JobID == "" || strings.ContainsRune(job.Namespace, 0) || strings.ContainsRune(job.SourceRef, 0) {
		return fmt.Errorf("%w: malformed job key", types.ErrInvalidIdentifier)
	}
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		if err := storage.PutJSON(tx, jobKey(job.JobID), job); err != nil {
			return err
		}
		return tx.Set(sourceKey(job.Namespace, job.SourceRef), []byte(job.JobID))
	})
}

// Get implements JobStore.
func (s *BadgerJobStore) Get(ctx context.Context, jobID string) (*types.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job types.IngestionJob
	err := s.backend.View(func(tx *badger.Txn) error {
		return storage.GetJSON(tx, jobKey(jobID), &job)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// BySource implements JobStore.
func (s *BadgerJobStore) BySource(ctx context.Context, namespace, sourceRef string) (*types.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job *types.IngestionJob
	err := s.backend.View(func(tx *badger.Txn) error {
		item, err := tx.Get(sourceKey(namespace, sourceRef))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var found types.IngestionJob
		if err := storage.GetJSON(tx, jobKey(string(id)), &found); err != nil {
			return err
		}
		job = &found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up job by source: %w", err)
	}
	return job, nil
}

// List implements JobStore.
func (s *BadgerJobStore) List(ctx context.Context, namespace string) ([]*types.IngestionJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.IngestionJob
	err := s.backend.View(func(tx *badger.Txn) error {
		return storage.ScanPrefix(tx, []byte(jobPrefix), func(_, val []byte) error {
			var job types.IngestionJob
			if err := json.Unmarshal(val, &job); err != nil {
				return err
			}
			if namespace == "" || job.Namespace == namespace {
				out = append(out, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}
