package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/6chenhua/research-agent-backend/pkg/community"
	"github.com/6chenhua/research-agent-backend/pkg/types"
	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// Neo4jConfig holds connection settings for Neo4jStore.
type Neo4jConfig struct {
	URI                 string        `mapstructure:"uri"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Database            string        `mapstructure:"database"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Weights             HybridWeights `mapstructure:"weights"`
}

// Neo4jStore implements GraphStore on Neo4j 5. Entities carry the Entity
// label plus their type label; every query filters on the namespace
// property inside the database.
type Neo4jStore struct {
	client     neo4j.DriverWithContext
	database   string
	dimensions int
	weights    HybridWeights
	builder    *community.Builder
	logger     *slog.Logger
}

// NewNeo4jStore creates a store. The connection is verified lazily; call
// Ping or EnsureSchema to fail fast.
func NewNeo4jStore(cfg Neo4jConfig, logger *slog.Logger) (*Neo4jStore, error) {
	client, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	weights := cfg.Weights
	if weights.Vector == 0 && weights.Lexical == 0 {
		weights = DefaultHybridWeights()
	}
	return &Neo4jStore{
		client:     client,
		database:   database,
		dimensions: cfg.EmbeddingDimensions,
		weights:    weights,
		builder:    community.NewBuilder(logger),
		logger:     logger,
	}, nil
}

// EnsureSchema creates constraints and indexes. Existing ones are kept.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	for _, statement := range SchemaStatements(s.dimensions) {
		if _, err := session.Run(ctx, statement, nil); err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "An equivalent") {
				continue
			}
			return classify(err)
		}
	}
	s.logger.Info("Neo4j schema ready", "database", s.database, "dimensions", s.dimensions)
	return nil
}

// classify maps driver failures onto the shared error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		types.ErrNodeNotFound, types.ErrPathNotFound, types.ErrCommitConflict,
		types.ErrGraphUnavailable, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", types.ErrGraphUnavailable, err)
	}
	if neo4j.IsRetryable(err) {
		return fmt.Errorf("%w: %v", types.ErrCommitConflict, err)
	}
	return err
}

func (s *Neo4jStore) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	result, err := session.ExecuteRead(ctx, work)
	return result, classify(err)
}

func (s *Neo4jStore) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.ExecuteWrite(ctx, work)
	return result, classify(err)
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) ([]*db.Record, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func nodeToProperties(node *types.Node) (map[string]any, error) {
	props := map[string]any{
		"uuid":            node.Uuid,
		"type":            string(node.Type),
		"namespace":       node.Namespace,
		"name":            node.Name,
		"normalized_name": node.NormalizedName,
		"summary":         node.Summary,
		"created_at":      timeString(node.CreatedAt),
		"updated_at":      timeString(node.UpdatedAt),
	}
	if len(node.Embedding) > 0 {
		props["embedding"] = float64s(node.Embedding)
	}
	if len(node.Properties) > 0 {
		raw, err := json.Marshal(node.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to encode properties of %s: %w", node.Uuid, err)
		}
		props["properties"] = string(raw)
	}
	return props, nil
}

func nodeFromDBNode(node dbtype.Node) *types.Node {
	props := node.Props
	result := &types.Node{}
	result.Uuid, _ = AsString(props["uuid"])
	result.Namespace, _ = AsString(props["namespace"])
	result.Name, _ = AsString(props["name"])
	result.NormalizedName, _ = AsString(props["normalized_name"])
	result.Summary, _ = AsString(props["summary"])
	if t, ok := AsString(props["type"]); ok {
		result.Type = types.NodeType(t)
	}
	result.CreatedAt, _ = AsTime(props["created_at"])
	result.UpdatedAt, _ = AsTime(props["updated_at"])
	if embedding, ok := AsFloat32Slice(props["embedding"]); ok {
		result.Embedding = embedding
	}
	if raw, ok := AsString(props["properties"]); ok && raw != "" {
		var properties map[string]any
		if err := json.Unmarshal([]byte(raw), &properties); err == nil {
			result.Properties = properties
		}
	}
	return result
}

func edgeToProperties(edge *types.Edge) map[string]any {
	return map[string]any{
		"uuid":        edge.Uuid,
		"type":        string(edge.Type),
		"namespace":   edge.Namespace,
		"source_uuid": edge.SourceUuid,
		"target_uuid": edge.TargetUuid,
		"fact_text":   edge.FactText,
		"confidence":  edge.Confidence,
		"created_at":  timeString(edge.CreatedAt),
	}
}

func edgeFromDBRelationship(rel dbtype.Relationship) *types.Edge {
	props := rel.Props
	result := &types.Edge{Type: types.EdgeType(rel.Type)}
	result.Uuid, _ = AsString(props["uuid"])
	result.Namespace, _ = AsString(props["namespace"])
	result.SourceUuid, _ = AsString(props["source_uuid"])
	result.TargetUuid, _ = AsString(props["target_uuid"])
	result.FactText, _ = AsString(props["fact_text"])
	result.Confidence, _ = AsFloat64(props["confidence"])
	result.CreatedAt, _ = AsTime(props["created_at"])
	return result
}

func episodeToProperties(ep *types.Episode) map[string]any {
	return map[string]any{
		"uuid":          ep.Uuid,
		"namespace":     ep.Namespace,
		"name":          ep.Name,
		"content":       ep.Content,
		"source_type":   ep.SourceType,
		"source_ref":    ep.SourceRef,
		"section_title": ep.SectionTitle,
		"chunk_index":   int64(ep.ChunkIndex),
		"created_at":    timeString(ep.CreatedAt),
	}
}

func episodeFromDBNode(node dbtype.Node) *types.Episode {
	props := node.Props
	ep := &types.Episode{}
	ep.Uuid, _ = AsString(props["uuid"])
	ep.Namespace, _ = AsString(props["namespace"])
	ep.Name, _ = AsString(props["name"])
	ep.Content, _ = AsString(props["content"])
	ep.SourceType, _ = AsString(props["source_type"])
	ep.SourceRef, _ = AsString(props["source_ref"])
	ep.SectionTitle, _ = AsString(props["section_title"])
	if idx, ok := AsInt64(props["chunk_index"]); ok {
		ep.ChunkIndex = int(idx)
	}
	ep.CreatedAt, _ = AsTime(props["created_at"])
	return ep
}

// mergeNodeTx reads any existing node, folds the new one into it and writes
// the result back inside tx.
func mergeNodeTx(ctx context.Context, tx neo4j.ManagedTransaction, node *types.Node) error {
	now := time.Now().UTC()
	incoming := node.Clone()
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = now
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = now
	}
	if incoming.NormalizedName == "" {
		incoming.NormalizedName = utils.NormalizeName(incoming.Name)
	}

	records, err := collect(ctx, tx, `MATCH (n:Entity {uuid: $uuid}) RETURN n`, map[string]any{"uuid": incoming.Uuid})
	if err != nil {
		return err
	}
	merged := incoming
	if len(records) > 0 {
		dbNode, err := MustDBNode(records[0], "n")
		if err != nil {
			return err
		}
		existing := nodeFromDBNode(dbNode)
		if existing.Namespace != incoming.Namespace {
			return fmt.Errorf("%w: node %s belongs to another namespace", types.ErrCommitConflict, incoming.Uuid)
		}
		existing.Merge(incoming)
		merged = existing
	}

	props, err := nodeToProperties(merged)
	if err != nil {
		return err
	}
	// the type label comes from the validated catalogue, never from input text
	query := fmt.Sprintf(`
		MERGE (n:Entity {uuid: $uuid})
		SET n = $props
		SET n:%s
	`, merged.Type)
	_, err = tx.Run(ctx, query, map[string]any{"uuid": merged.Uuid, "props": props})
	return err
}

func mergeEdgeTx(ctx context.Context, tx neo4j.ManagedTransaction, edge *types.Edge) error {
	e := *edge
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	sourceLabel := entityLabel
	if e.Type == types.MentionsEdge {
		sourceLabel = episodeLabel
	}
	query := fmt.Sprintf(`
		MATCH (s:%s {uuid: $source, namespace: $namespace})
		MATCH (t:Entity {uuid: $target, namespace: $namespace})
		MERGE (s)-[r:%s {uuid: $uuid}]->(t)
		SET r = $props
		RETURN count(r) AS written
	`, sourceLabel, e.Type)
	records, err := collect(ctx, tx, query, map[string]any{
		"source":    e.SourceUuid,
		"target":    e.TargetUuid,
		"namespace": e.Namespace,
		"uuid":      e.Uuid,
		"props":     edgeToProperties(&e),
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: edge %s endpoints not in %s", types.ErrNodeNotFound, e.Uuid, e.Namespace)
	}
	written, err := MustInt64(records[0], "written")
	if err != nil {
		return err
	}
	if written == 0 {
		return fmt.Errorf("%w: edge %s endpoints not in %s", types.ErrNodeNotFound, e.Uuid, e.Namespace)
	}
	return nil
}

func mergeEpisodeTx(ctx context.Context, tx neo4j.ManagedTransaction, ep *types.Episode) error {
	e := *ep
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	records, err := collect(ctx, tx, `
		MERGE (e:Episode {uuid: $uuid})
		ON CREATE SET e = $props
		RETURN e.namespace AS namespace
	`, map[string]any{"uuid": e.Uuid, "props": episodeToProperties(&e)})
	if err != nil {
		return err
	}
	if len(records) > 0 {
		ns, err := MustString(records[0], "namespace")
		if err != nil {
			return err
		}
		if ns != e.Namespace {
			return fmt.Errorf("%w: episode %s belongs to another namespace", types.ErrCommitConflict, e.Uuid)
		}
	}
	return nil
}

// UpsertNode implements NodeStore.
func (s *Neo4jStore) UpsertNode(ctx context.Context, node *types.Node) error {
	if node == nil {
		return types.ErrEmptyUUID
	}
	if err := node.Validate(); err != nil {
		return err
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, mergeNodeTx(ctx, tx, node)
	})
	return err
}

// GetByUUID implements NodeStore.
func (s *Neo4jStore) GetByUUID(ctx context.Context, namespace, uuid string) (*types.Node, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH (n:Entity {uuid: $uuid, namespace: $namespace})
			RETURN n
		`, map[string]any{"uuid": uuid, "namespace": namespace})
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	dbNode, err := MustDBNode(records[0], "n")
	if err != nil {
		return nil, err
	}
	return nodeFromDBNode(dbNode), nil
}

// FindNodes implements NodeStore.
func (s *Neo4jStore) FindNodes(ctx context.Context, namespace string, filter types.NodeFilter) ([]*types.Node, error) {
	typeNames := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		typeNames = append(typeNames, string(t))
	}
	query := `
		MATCH (n:Entity {namespace: $namespace})
		WHERE ($name = '' OR n.normalized_name = $name)
		  AND (size($types) = 0 OR n.type IN $types)
		RETURN n
		ORDER BY n.name, n.uuid
	`
	params := map[string]any{"namespace": namespace, "name": filter.NormalizedName, "types": typeNames}
	if filter.Limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = int64(filter.Limit)
	}

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, query, params)
	})
	if err != nil {
		return nil, err
	}
	return decodeNodes(result.([]*db.Record), "n")
}

func decodeNodes(records []*db.Record, field string) ([]*types.Node, error) {
	nodes := make([]*types.Node, 0, len(records))
	for _, record := range records {
		dbNode, err := MustDBNode(record, field)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, nodeFromDBNode(dbNode))
	}
	return nodes, nil
}

// DeleteNode implements NodeStore.
func (s *Neo4jStore) DeleteNode(ctx context.Context, namespace, uuid string) error {
	result, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := collect(ctx, tx, `
			MATCH (n:Entity {uuid: $uuid, namespace: $namespace})
			DETACH DELETE n
			RETURN count(*) AS deleted
		`, map[string]any{"uuid": uuid, "namespace": namespace})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return int64(0), nil
		}
		return MustInt64(records[0], "deleted")
	})
	if err != nil {
		return err
	}
	if deleted, _ := result.(int64); deleted == 0 {
		return fmt.Errorf("%w: %s", types.ErrNodeNotFound, uuid)
	}
	return nil
}

// UpsertEdge implements EdgeStore.
func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge *types.Edge) error {
	if edge == nil {
		return types.ErrEmptyUUID
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, mergeEdgeTx(ctx, tx, edge)
	})
	return err
}

// GetEdge implements EdgeStore.
func (s *Neo4jStore) GetEdge(ctx context.Context, namespace, uuid string) (*types.Edge, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH ()-[r {uuid: $uuid, namespace: $namespace}]->()
			RETURN r
			LIMIT 1
		`, map[string]any{"uuid": uuid, "namespace": namespace})
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: edge %s", types.ErrNodeNotFound, uuid)
	}
	v, _ := records[0].Get("r")
	rel, ok := AsDBRelationship(v)
	if !ok {
		return nil, NewTypeConversionError("dbtype.Relationship", fmt.Sprintf("%T", v), "r")
	}
	return edgeFromDBRelationship(rel), nil
}

// UpsertEpisode implements EpisodeStore.
func (s *Neo4jStore) UpsertEpisode(ctx context.Context, episode *types.Episode) error {
	if episode == nil {
		return types.ErrEmptyUUID
	}
	if err := episode.Validate(); err != nil {
		return err
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, mergeEpisodeTx(ctx, tx, episode)
	})
	return err
}

// GetEpisode implements EpisodeStore.
func (s *Neo4jStore) GetEpisode(ctx context.Context, namespace, uuid string) (*types.Episode, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH (e:Episode {uuid: $uuid, namespace: $namespace})
			RETURN e
		`, map[string]any{"uuid": uuid, "namespace": namespace})
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: episode %s", types.ErrNodeNotFound, uuid)
	}
	dbNode, err := MustDBNode(records[0], "e")
	if err != nil {
		return nil, err
	}
	return episodeFromDBNode(dbNode), nil
}

// SourceEpisodes implements EpisodeStore.
func (s *Neo4jStore) SourceEpisodes(ctx context.Context, namespace, nodeUUID string, limit int) ([]*types.Episode, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH (e:Episode {namespace: $namespace})-[:MENTIONS]->(n:Entity {uuid: $uuid, namespace: $namespace})
			RETURN DISTINCT e
			ORDER BY e.created_at DESC, e.uuid
			LIMIT $limit
		`, map[string]any{"uuid": nodeUUID, "namespace": namespace, "limit": int64(limit)})
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	episodes := make([]*types.Episode, 0, len(records))
	for _, record := range records {
		dbNode, err := MustDBNode(record, "e")
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episodeFromDBNode(dbNode))
	}
	return episodes, nil
}

// CommitChunk implements EpisodeStore in a single write transaction.
func (s *Neo4jStore) CommitChunk(ctx context.Context, commit *types.ChunkCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if commit.Episode != nil {
			if err := mergeEpisodeTx(ctx, tx, commit.Episode); err != nil {
				return nil, err
			}
		}
		for _, node := range commit.Nodes {
			if err := mergeNodeTx(ctx, tx, node); err != nil {
				return nil, err
			}
		}
		for _, edge := range commit.Edges {
			if err := mergeEdgeTx(ctx, tx, edge); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if commit.Episode == nil {
			return fmt.Errorf("commit in %s failed: %w", commit.Namespace, err)
		}
		return fmt.Errorf("commit of episode %s failed: %w", commit.Episode.Uuid, err)
	}
	return nil
}

func (s *Neo4jStore) requireNodes(ctx context.Context, tx neo4j.ManagedTransaction, namespace string, uuids ...string) error {
	records, err := collect(ctx, tx, `
		MATCH (n:Entity {namespace: $namespace})
		WHERE n.uuid IN $uuids
		RETURN n.uuid AS uuid
	`, map[string]any{"namespace": namespace, "uuids": uuids})
	if err != nil {
		return err
	}
	found := make(map[string]bool, len(records))
	for _, record := range records {
		if id, err := MustString(record, "uuid"); err == nil {
			found[id] = true
		}
	}
	for _, id := range uuids {
		if !found[id] {
			return fmt.Errorf("%w: %s", types.ErrNodeNotFound, id)
		}
	}
	return nil
}

// GetNeighbors implements GraphTraversal. Each neighbor is reported once at
// its shortest distance, with the last edge of that path.
func (s *Neo4jStore) GetNeighbors(ctx context.Context, namespace, uuid string, hops int, direction types.Direction, typeFilter []types.EdgeType) ([]types.Neighbor, error) {
	relTypes := relationshipPattern(typeFilter)
	if relTypes == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
		MATCH (o:Entity {uuid: $uuid, namespace: $namespace})
		MATCH p = (o)%s(m:Entity)
		WHERE m.uuid <> o.uuid AND all(x IN nodes(p) WHERE x.namespace = $namespace)
		WITH m, p ORDER BY length(p)
		WITH m, head(collect(p)) AS p
		WITH m, p, last(relationships(p)) AS r, nodes(p)[size(nodes(p)) - 2] AS prev
		RETURN m, r, length(p) AS hops, startNode(r).uuid = prev.uuid AS forward
		ORDER BY hops, m.uuid
	`, directedPattern(relTypes, clampHops(hops), direction))

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := s.requireNodes(ctx, tx, namespace, uuid); err != nil {
			return nil, err
		}
		return collect(ctx, tx, query, map[string]any{"uuid": uuid, "namespace": namespace})
	})
	if err != nil {
		return nil, err
	}

	records := result.([]*db.Record)
	neighbors := make([]types.Neighbor, 0, len(records))
	for _, record := range records {
		dbNode, err := MustDBNode(record, "m")
		if err != nil {
			return nil, err
		}
		v, _ := record.Get("r")
		rel, ok := AsDBRelationship(v)
		if !ok {
			return nil, NewTypeConversionError("dbtype.Relationship", fmt.Sprintf("%T", v), "r")
		}
		hopCount, err := MustInt64(record, "hops")
		if err != nil {
			return nil, err
		}
		dir := types.DirectionIncoming
		if v, _ := record.Get("forward"); v == true {
			dir = types.DirectionOutgoing
		}
		neighbors = append(neighbors, types.Neighbor{
			Node:      nodeFromDBNode(dbNode),
			Edge:      edgeFromDBRelationship(rel),
			Direction: dir,
			Hops:      int(hopCount),
		})
	}
	return neighbors, nil
}

// ShortestPath implements GraphTraversal.
func (s *Neo4jStore) ShortestPath(ctx context.Context, namespace, source, target string, maxDepth int) (*types.Path, error) {
	maxDepth = clampDepth(maxDepth)
	query := fmt.Sprintf(`
		MATCH (a:Entity {uuid: $source, namespace: $namespace}), (b:Entity {uuid: $target, namespace: $namespace})
		MATCH p = shortestPath((a)-[:%s*..%d]-(b))
		WHERE all(x IN nodes(p) WHERE x.namespace = $namespace)
		RETURN [x IN nodes(p) | x.uuid] AS nodes, [r IN relationships(p) | r.uuid] AS edges
	`, relationshipPattern(nil), maxDepth)

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := s.requireNodes(ctx, tx, namespace, source, target); err != nil {
			return nil, err
		}
		if source == target {
			return []*db.Record{}, nil
		}
		return collect(ctx, tx, query, map[string]any{"source": source, "target": target, "namespace": namespace})
	})
	if err != nil {
		return nil, err
	}
	if source == target {
		return &types.Path{NodeUuids: []string{source}}, nil
	}

	records := result.([]*db.Record)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s to %s within %d hops", types.ErrPathNotFound, source, target, maxDepth)
	}
	nodesV, _ := records[0].Get("nodes")
	edgesV, _ := records[0].Get("edges")
	nodeUuids, ok := AsStringSlice(nodesV)
	if !ok {
		return nil, NewTypeConversionError("[]string", fmt.Sprintf("%T", nodesV), "nodes")
	}
	edgeUuids, ok := AsStringSlice(edgesV)
	if !ok {
		return nil, NewTypeConversionError("[]string", fmt.Sprintf("%T", edgesV), "edges")
	}
	return &types.Path{NodeUuids: nodeUuids, EdgeUuids: edgeUuids}, nil
}

// HybridSearch implements GraphSearcher. Vector candidates are ranked
// inside the namespace; fulltext candidates come from the shared index,
// fetched in growing pages until enough of them belong to the namespace.
// Scores are then computed the same way MemoryStore does so both stores
// rank on one scale.
func (s *Neo4jStore) HybridSearch(ctx context.Context, namespace string, query types.HybridQuery, limit int) ([]types.ScoredNode, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	candidateLimit := int64(limit * 10)
	if candidateLimit < 50 {
		candidateLimit = 50
	}
	terms := distinctTerms(query.Text)

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var nodes []dbtype.Node
		if len(query.Vector) > 0 {
			records, err := collect(ctx, tx, `
				MATCH (n:Entity {namespace: $namespace})
				WHERE n.embedding IS NOT NULL AND size(n.embedding) = size($vector)
				WITH n, vector.similarity.cosine(n.embedding, $vector) AS score
				ORDER BY score DESC
				LIMIT $k
				RETURN n AS node
			`, map[string]any{
				"vector":    float64s(query.Vector),
				"k":         candidateLimit,
				"namespace": namespace,
			})
			if err != nil {
				return nil, err
			}
			for _, record := range records {
				node, err := MustDBNode(record, "node")
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, node)
			}
		}
		if len(terms) > 0 {
			textNodes, err := fulltextCandidates(ctx, tx, namespace, fulltextQuery(terms), candidateLimit)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, textNodes...)
		}
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var scored []types.ScoredNode
	for _, dbNode := range result.([]dbtype.Node) {
		node := nodeFromDBNode(dbNode)
		if _, dup := seen[node.Uuid]; dup {
			continue
		}
		seen[node.Uuid] = struct{}{}

		vector := 0.0
		if len(query.Vector) > 0 {
			vector = utils.CosineSimilarity(query.Vector, node.Embedding)
		}
		score := s.weights.combine(vector, lexicalScore(terms, node.Name+" "+node.Summary))
		if score <= 0 {
			continue
		}
		scored = append(scored, types.ScoredNode{Node: node, Score: score})
	}
	return topScored(scored, limit), nil
}

// fulltextCandidates pages through the shared fulltext index, growing the
// page until want hits fall in namespace or the index runs out.
func fulltextCandidates(ctx context.Context, tx neo4j.ManagedTransaction, namespace, query string, want int64) ([]dbtype.Node, error) {
	for k := want; ; k *= 4 {
		records, err := collect(ctx, tx, `
			CALL db.index.fulltext.queryNodes($index, $query, {limit: $k})
			YIELD node
			WITH count(node) AS total, collect(CASE WHEN node.namespace = $namespace THEN node END) AS nodes
			RETURN total, nodes
		`, map[string]any{
			"index":     fulltextIndexName,
			"query":     query,
			"k":         k,
			"namespace": namespace,
		})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		total, err := MustInt64(records[0], "total")
		if err != nil {
			return nil, err
		}
		raw, _ := records[0].Get("nodes")
		list, _ := raw.([]any)
		nodes := make([]dbtype.Node, 0, len(list))
		for _, v := range list {
			if node, ok := AsDBNode(v); ok {
				nodes = append(nodes, node)
			}
		}
		if int64(len(nodes)) >= want || total < k || k >= MaxFulltextCandidates {
			return nodes, nil
		}
	}
}

// DetectCommunities implements CommunityOperations.
func (s *Neo4jStore) DetectCommunities(ctx context.Context, namespace string) ([]*types.Community, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		nodeRecords, err := collect(ctx, tx, `MATCH (n:Entity {namespace: $namespace}) RETURN n`, map[string]any{"namespace": namespace})
		if err != nil {
			return nil, err
		}
		edgeRecords, err := collect(ctx, tx, `
			MATCH (:Entity {namespace: $namespace})-[r]->(:Entity {namespace: $namespace})
			RETURN r
		`, map[string]any{"namespace": namespace})
		if err != nil {
			return nil, err
		}
		snapshot := community.Snapshot{Namespace: namespace}
		if snapshot.Nodes, err = decodeNodes(nodeRecords, "n"); err != nil {
			return nil, err
		}
		for _, record := range edgeRecords {
			v, _ := record.Get("r")
			if rel, ok := AsDBRelationship(v); ok {
				snapshot.Edges = append(snapshot.Edges, edgeFromDBRelationship(rel))
			}
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	communities := s.builder.Build(result.(community.Snapshot))

	rows := make([]map[string]any, 0, len(communities))
	for _, c := range communities {
		rows = append(rows, map[string]any{
			"uuid":       c.Uuid,
			"summary":    c.Summary,
			"members":    c.MemberNodeUuids,
			"created_at": timeString(c.CreatedAt),
		})
	}
	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (c:Community {namespace: $namespace}) DETACH DELETE c`, map[string]any{"namespace": namespace}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			CREATE (c:Community {uuid: row.uuid, namespace: $namespace, summary: row.summary,
				member_uuids: row.members, created_at: row.created_at})
			WITH c, row
			UNWIND row.members AS member
			MATCH (n:Entity {uuid: member, namespace: $namespace})
			CREATE (c)-[:HAS_MEMBER]->(n)
		`, map[string]any{"rows": rows, "namespace": namespace})
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return communities, nil
}

// GetCommunities implements CommunityOperations.
func (s *Neo4jStore) GetCommunities(ctx context.Context, namespace string) ([]*types.Community, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH (c:Community {namespace: $namespace})
			RETURN c
			ORDER BY size(c.member_uuids) DESC, c.uuid
		`, map[string]any{"namespace": namespace})
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	communities := make([]*types.Community, 0, len(records))
	for _, record := range records {
		dbNode, err := MustDBNode(record, "c")
		if err != nil {
			return nil, err
		}
		c := &types.Community{Namespace: namespace}
		c.Uuid, _ = AsString(dbNode.Props["uuid"])
		c.Summary, _ = AsString(dbNode.Props["summary"])
		c.MemberNodeUuids, _ = AsStringSlice(dbNode.Props["member_uuids"])
		c.CreatedAt, _ = AsTime(dbNode.Props["created_at"])
		communities = append(communities, c)
	}
	return communities, nil
}

// Namespaces implements DatabaseAdmin.
func (s *Neo4jStore) Namespaces(ctx context.Context) ([]string, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, `
			MATCH (n:Entity)
			RETURN DISTINCT n.namespace AS namespace
			ORDER BY namespace
		`, nil)
	})
	if err != nil {
		return nil, err
	}
	records := result.([]*db.Record)
	out := make([]string, 0, len(records))
	for _, record := range records {
		ns, err := MustString(record, "namespace")
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, nil
}

// Stats implements DatabaseAdmin.
func (s *Neo4jStore) Stats(ctx context.Context, namespace string) (*types.GraphStats, error) {
	params := map[string]any{"namespace": namespace, "limit": int64(topEntityLimit)}
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats := &types.GraphStats{Namespace: namespace, ByType: make(map[types.NodeType]int)}

		byType, err := collect(ctx, tx, `
			MATCH (n:Entity {namespace: $namespace})
			RETURN n.type AS type, count(n) AS count
		`, params)
		if err != nil {
			return nil, err
		}
		for _, record := range byType {
			t, _ := MustString(record, "type")
			count, _ := MustInt64(record, "count")
			stats.ByType[types.NodeType(t)] = int(count)
			stats.NodeCount += int(count)
		}

		counts, err := collect(ctx, tx, `
			CALL {
				MATCH (:Entity {namespace: $namespace})-[r]->(:Entity {namespace: $namespace})
				RETURN count(r) AS edges
			}
			CALL {
				MATCH (e:Episode {namespace: $namespace})
				RETURN count(e) AS episodes
			}
			RETURN edges, episodes
		`, params)
		if err != nil {
			return nil, err
		}
		if len(counts) > 0 {
			edges, _ := MustInt64(counts[0], "edges")
			episodes, _ := MustInt64(counts[0], "episodes")
			stats.EdgeCount = int(edges)
			stats.EpisodeCount = int(episodes)
		}

		top, err := collect(ctx, tx, `
			MATCH (n:Entity {namespace: $namespace})-[r]-(:Entity {namespace: $namespace})
			RETURN n.uuid AS uuid, n.name AS name, count(r) AS degree
			ORDER BY degree DESC, uuid
			LIMIT $limit
		`, params)
		if err != nil {
			return nil, err
		}
		for _, record := range top {
			id, _ := MustString(record, "uuid")
			name, _ := MustString(record, "name")
			degree, _ := MustInt64(record, "degree")
			stats.TopEntities = append(stats.TopEntities, types.EntityDegree{Uuid: id, Name: name, Degree: int(degree)})
		}
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.GraphStats), nil
}

// Ping implements DatabaseAdmin.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.client.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrGraphUnavailable, err)
	}
	return nil
}

// Close implements DatabaseAdmin.
func (s *Neo4jStore) Close() error {
	return s.client.Close(context.Background())
}
