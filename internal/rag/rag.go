// Package rag retrieves reference material for a patient query from the
// knowledge service. Retrieval is strictly best-effort: any failure degrades
// to an empty context so response generation is never blocked on it.
package rag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

// Config points at the knowledge service and sizes the cache.
type Config struct {
	Endpoint string
	APIKey   string
	TopK     int
	Timeout  time.Duration
	CacheTTL time.Duration
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"chunks"`
}

// Builder implements ContextBuilder with a Redis read-through cache in front
// of the knowledge service. A nil Redis client disables caching.
type Builder struct {
	cfg    Config
	http   *http.Client
	redis  *redis.Client
	logger *logging.Logger
}

var _ providers.ContextBuilder = (*Builder)(nil)

func NewBuilder(cfg Config, rdb *redis.Client, logger *logging.Logger) *Builder {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Builder{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		redis:  rdb,
		logger: logger,
	}
}

// BuildContext returns reference material for the query, or "" when the
// service has nothing relevant or is unreachable.
func (b *Builder) BuildContext(ctx context.Context, query string) string {
	query = strings.TrimSpace(query)
	if query == "" || b.cfg.Endpoint == "" {
		return ""
	}

	key := cacheKey(query)
	if cached, ok := b.fromCache(ctx, key); ok {
		return cached
	}

	material, err := b.retrieve(ctx, query)
	if err != nil {
		b.logger.WarnTag("RAG", "retrieval failed, continuing without context: %v", err)
		return ""
	}

	b.toCache(ctx, key, material)
	return material
}

func (b *Builder) retrieve(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	body, err := sonic.Marshal(retrieveRequest{Query: query, TopK: b.cfg.TopK})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpError{code: resp.StatusCode}
	}

	var decoded retrieveResponse
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(decoded.Chunks))
	for _, chunk := range decoded.Chunks {
		if text := strings.TrimSpace(chunk.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (b *Builder) fromCache(ctx context.Context, key string) (string, bool) {
	if b.redis == nil {
		return "", false
	}
	value, err := b.redis.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	b.logger.DebugTag("RAG", "cache hit")
	return value, true
}

func (b *Builder) toCache(ctx context.Context, key, value string) {
	if b.redis == nil {
		return
	}
	// Empty results are cached too so repeated misses stay cheap.
	if err := b.redis.Set(ctx, key, value, b.cfg.CacheTTL).Err(); err != nil {
		b.logger.DebugTag("RAG", "cache write failed: %v", err)
	}
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(query)))
	return "rag:" + hex.EncodeToString(sum[:16])
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return "knowledge service returned " + http.StatusText(e.code)
}
