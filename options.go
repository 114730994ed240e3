package sondeo

import (
	"crypto/ed25519"
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds all knobs after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger       *slog.Logger
	databaseURL  string
	sqlitePath   string
	openAIBase   string
	openAIKey    string
	anthropicKey string
	geminiKey    string
	provider     string

	resumeTokenTTL time.Duration
	sessionJWTTTL  time.Duration
	signingPriv    ed25519.PrivateKey
	signingPub     ed25519.PublicKey

	onLedgerFault func(scopeKey string, err error)
}

// WithLogger sets the structured logger. If not set, the default slog
// logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithDatabaseURL selects the Postgres store (DATABASE_URL env var
// equivalent). Takes precedence over WithSQLitePath.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath selects the embedded SQLite store. Use ":memory:" for
// tests.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithOpenAI configures the OpenAI-compatible provider. baseURL may be
// empty for the public endpoint, or point at any compatible server.
func WithOpenAI(baseURL, apiKey string) Option {
	return func(o *resolvedOptions) {
		o.openAIBase = baseURL
		o.openAIKey = apiKey
		o.provider = "openai"
	}
}

// WithAnthropic configures the Anthropic provider.
func WithAnthropic(apiKey string) Option {
	return func(o *resolvedOptions) {
		o.anthropicKey = apiKey
		o.provider = "anthropic"
	}
}

// WithGemini configures the Gemini provider.
func WithGemini(apiKey string) Option {
	return func(o *resolvedOptions) {
		o.geminiKey = apiKey
		o.provider = "gemini"
	}
}

// WithResumeTokenTTL overrides the default 7-day resume token lifetime.
func WithResumeTokenTTL(ttl time.Duration) Option {
	return func(o *resolvedOptions) { o.resumeTokenTTL = ttl }
}

// WithSigningKeys provides the Ed25519 keypair used to sign session grants
// minted on resume token redemption. Without it an ephemeral keypair is
// generated, so grants do not survive process restarts.
func WithSigningKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) Option {
	return func(o *resolvedOptions) {
		o.signingPriv = priv
		o.signingPub = pub
	}
}

// WithLedgerFaultHandler registers a callback invoked when a usage event
// cannot be written to the ledger. The failed call's result is still
// returned to its caller; the handler exists for alerting.
func WithLedgerFaultHandler(fn func(scopeKey string, err error)) Option {
	return func(o *resolvedOptions) { o.onLedgerFault = fn }
}
