// Package driver provides the graph store adapters for the research graph.
//
// GraphStore is the contract every backend implements. It is split into
// small interfaces (NodeStore, EdgeStore, EpisodeStore, GraphTraversal,
// GraphSearcher, CommunityOperations, DatabaseAdmin) so callers can depend
// on only what they use.
//
// # Backends
//
//   - Neo4jStore: Neo4j 5 with a vector index and a fulltext index
//   - MemoryStore: in-process adjacency lists, used in tests and small setups
//
// # Namespaces
//
// Every call names its namespace and filtering happens inside the store.
// Writing a uuid that already exists in another namespace fails with
// types.ErrCommitConflict.
//
// # Type Helpers
//
// type_helpers.go converts Neo4j record values without panicking on
// unexpected types.
package driver
