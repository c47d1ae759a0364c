package memvid

import (
	"log/slog"

	"github.com/ashita-ai/memvid/internal/config"
)

// Option configures a Store.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	cfg               config.Config
	cfgSet            bool
	logger            *slog.Logger
	embeddingProvider EmbeddingProvider
	ticketPrivateKey  string
	ticketPublicKey   string
	capacityBytes     int64
	vectorEnabled     bool
	vectorDimensions  int
	vectorKind        string
	rrfK              int
}

// WithConfig overrides the config.Config loaded from the environment. When
// not given, New loads config.Load() and applies it.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = cfg; o.cfgSet = true }
}

// WithLogger sets the structured logger for the Store. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithEmbeddingProvider replaces the default noop embedding provider.
// Computing embeddings stays the caller's job (spec non-goal); this only
// wires an implementation in for Ask's semantic rerank stage.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithTicketKeys overrides the Ed25519 PEM key paths used to verify and
// issue capacity tickets. Without this, an ephemeral key pair is generated
// at Open time and a warning is logged, matching internal/ticket.NewManager.
func WithTicketKeys(privateKeyPath, publicKeyPath string) Option {
	return func(o *resolvedOptions) {
		o.ticketPrivateKey = privateKeyPath
		o.ticketPublicKey = publicKeyPath
	}
}

// WithDefaultCapacityBytes sets the capacity ceiling applied when a file is
// created without an explicit ticket.
func WithDefaultCapacityBytes(n int64) Option {
	return func(o *resolvedOptions) { o.capacityBytes = n }
}

// WithVector enables the vector index at the given dimensionality and kind
// ("flat" or "pq").
func WithVector(dimensions int, kind string) Option {
	return func(o *resolvedOptions) {
		o.vectorEnabled = true
		o.vectorDimensions = dimensions
		o.vectorKind = kind
	}
}

// WithRRFConstant overrides the Reciprocal Rank Fusion constant K (default
// 60) used to combine lexical and vector rankings.
func WithRRFConstant(k int) Option {
	return func(o *resolvedOptions) { o.rrfK = k }
}
