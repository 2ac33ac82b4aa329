// Package worker runs neural inference (dense embedding and late-interaction
// reranking) in isolated subordinate processes, multiplexed behind a pool
// with crash recovery, memory discipline, and hard timeouts.
package worker

import "context"

// JSON-RPC method names spoken between the pool and its workers.
const (
	MethodPing        = "ping"
	MethodProcessFile = "processFile"
	MethodEncodeQuery = "encodeQuery"
	MethodRerank      = "rerank"
)

// ProcessFileParams carries a batch of chunk texts to embed.
type ProcessFileParams struct {
	Texts []string `json:"texts"`
}

// ProcessFileResult returns one dense vector per input text.
type ProcessFileResult struct {
	Vectors [][]float32 `json:"vectors"`
}

// EncodeQueryParams carries a query to embed with the retrieval instruction
// prefix.
type EncodeQueryParams struct {
	Text string `json:"text"`
}

// EncodeQueryResult returns the query vector.
type EncodeQueryResult struct {
	Vector []float32 `json:"vector"`
}

// RerankParams carries a query and candidate documents for MaxSim scoring.
type RerankParams struct {
	Query string   `json:"query"`
	Docs  []string `json:"docs"`
}

// RerankResult returns one late-interaction score per document.
type RerankResult struct {
	Scores []float64 `json:"scores"`
}

// Inference is what the Syncer and Searcher depend on. The Pool implements
// it by dispatching to subordinate processes; Local implements it in-process
// for tests and single-shot CLI use.
type Inference interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EncodeQuery(ctx context.Context, text string) ([]float32, error)
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}
