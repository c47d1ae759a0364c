package memvid

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the default noop
// provider (which fails every embedding call with embedding.ErrNoProvider).
// Uses []float32 so external consumers are never forced to depend on
// internal/service/embedding. New() wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// embeddingAdapter satisfies internal/service/embedding.Provider by
// forwarding to a public EmbeddingProvider. It is the one place the public
// and internal embedding interfaces meet.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a embeddingAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func (a embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.p.EmbedBatch(ctx, texts)
}

func (a embeddingAdapter) Dimensions() int { return a.p.Dimensions() }
