package handlers

import (
	"context"

	researchagent "github.com/6chenhua/research-agent-backend"
	"github.com/6chenhua/research-agent-backend/pkg/checkpoint"
	"github.com/6chenhua/research-agent-backend/pkg/ingest"
	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Service is the part of researchagent.Core the HTTP handlers call.
type Service interface {
	Ready(ctx context.Context) error
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	SearchStats() search.MetricsSnapshot
	IngestForUser(ctx context.Context, data []byte, userID string, toGlobal bool, meta ingest.SourceMetadata) (*types.IngestReport, error)
	EnqueueIngestionJob(ctx context.Context, userID string, toGlobal bool, req types.JobRequest) (string, error)
	GetJobStatus(ctx context.Context, userID, jobID string) (*types.IngestionJob, error)
	CancelJob(ctx context.Context, userID, jobID string) (*types.IngestionJob, error)
	ListJobs(ctx context.Context, userID string) ([]*types.IngestionJob, error)
	Checkpoints(ctx context.Context, userID, ns string) ([]*checkpoint.SourceCheckpoint, error)
	GetNode(ctx context.Context, userID, nodeUUID string) (*types.NodeDetail, error)
	GetNeighbors(ctx context.Context, userID, nodeUUID string, hops int, direction types.Direction, typeFilter []types.EdgeType) ([]types.Neighbor, error)
	DeleteNode(ctx context.Context, userID string, fromGlobal bool, nodeUUID string) error
	ShortestPath(ctx context.Context, userID, source, target string, maxDepth int) (*types.Path, error)
	AddTriplet(ctx context.Context, userID string, toGlobal bool, t researchagent.Triplet) (*researchagent.TripletResult, error)
	GraphStats(ctx context.Context, userID, ns string) (*types.GraphStats, error)
	DetectCommunities(ctx context.Context, userID, ns string) ([]*types.Community, error)
	GetCommunities(ctx context.Context, userID, ns string) ([]*types.Community, error)
}

var _ Service = (*researchagent.Core)(nil)
