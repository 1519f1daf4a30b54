// Package types defines the core data types for the research knowledge graph.
//
// This package contains the fundamental types shared by every component:
//   - Node: a typed research entity (Paper, Method, Dataset, ...) in one namespace
//   - Edge: a typed relation between two nodes of the same namespace
//   - Episode: the immutable provenance record of one ingested chunk
//   - Community: a batch-computed cluster of related nodes
//   - IngestionJob: the persisted state of asynchronous ingestion
//
// # Errors
//
// The error taxonomy (ErrInvalidIdentifier, ErrGraphUnavailable,
// ErrParseFailure, ...) lives here so that every package classifies failures
// the same way:
//
//	if errors.Is(err, types.ErrGraphUnavailable) {
//	    // degrade
//	}
//
// Ingestion failures are wrapped in a StageError naming the pipeline stage.
package types
