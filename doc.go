// Package researchagent is a retrieval and ingestion orchestrator over a
// namespaced research knowledge graph.
//
// Every user owns a private namespace ("user:<id>") and all users share the
// "global" namespace. Searches fan out over the caller's chain, fuse the
// per-namespace rankings and, when local coverage is thin, queue an external
// literature search whose results are ingested in the background so the
// next query finds more.
//
// # Basic Usage
//
//	backend, err := storage.Open("/var/lib/researchd", false, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close()
//
//	store, err := driver.NewNeo4jStore(driver.Neo4jConfig{
//		URI:      "bolt://localhost:7687",
//		Username: "neo4j",
//		Password: "password",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	emb := embedder.NewOpenAIEmbedder(apiKey, embedder.Config{})
//	extractor := oracle.NewResilient(oracle.NewOpenAIOracle(apiKey, oracle.Config{}),
//		oracle.ResilientConfig{}, logger)
//
//	core, err := researchagent.NewCore(store, extractor, emb, backend, nil,
//		researchagent.WithConnector(connector.NewArxivClient(connector.DefaultArxivConfig(), logger)),
//		researchagent.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := core.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer core.Close()
//
// # Searching
//
//	resp, err := core.Search(ctx, search.Request{
//		Query:      "attention mechanism",
//		UserID:     "u1",
//		RerankMode: types.RerankMMR,
//	})
//	if resp.TriggeredExternal {
//		// an external_query job was queued; poll core.GetJobStatus(ctx, "u1", resp.JobID)
//	}
//
// # Ingesting
//
// Documents can be ingested synchronously with Ingest, or queued with
// EnqueueIngestionJob. Ingestion is idempotent per (namespace, source ref)
// and resumes after the last committed chunk when a previous run failed.
//
//	report, err := core.IngestForUser(ctx, data, "u1", false, ingest.SourceMetadata{
//		SourceRef: "arxiv:1706.03762",
//		Title:     "Attention Is All You Need",
//	})
package researchagent
