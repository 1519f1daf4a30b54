// Package search implements retrieval over the namespaced research graph.
//
// An Orchestrator resolves the caller's namespace chain (the user's own
// namespace, then global), runs a hybrid vector plus lexical search in every
// namespace in parallel, each under its own deadline, and fuses the rankings
// with Reciprocal Rank Fusion.
//
// # Reranking
//
// The fused list can be reranked:
//   - RRF: fused order, unchanged
//   - MMR: Maximal Marginal Relevance, trading relevance for diversity
//   - FOCAL: relevance scaled by hop distance from a focal node
//
// # Coverage escalation
//
// Coverage is the number of fused results whose best hybrid score clears a
// relevance floor. When coverage is below the threshold the orchestrator
// enqueues an external_query ingestion job for the caller's namespace and
// returns at once. A Cooldown (in-process or Redis) keeps the same query
// from escalating repeatedly.
//
// # Usage
//
//	orch := search.NewOrchestrator(store, search.DefaultConfig(),
//	    search.WithEmbedder(emb),
//	    search.WithEnqueuer(scheduler),
//	    search.WithCooldown(search.NewRedisCooldown(rdb, "")))
//
//	resp, err := orch.Search(ctx, search.Request{
//	    Query:      "attention mechanism",
//	    UserID:     "u1",
//	    RerankMode: types.RerankMMR,
//	})
package search
