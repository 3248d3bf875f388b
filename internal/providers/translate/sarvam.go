// Package translate carries text between the caller's language and the
// model's working language. Translation is best-effort: on any failure or
// timeout the input passes through unchanged so the conversation never stalls
// on the vendor.
package translate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

// Config carries vendor credentials for the translation endpoint.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

type translateRequest struct {
	Input              string `json:"input"`
	SourceLanguageCode string `json:"source_language_code"`
	TargetLanguageCode string `json:"target_language_code"`
}

type translateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// Client translates through the Sarvam HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logging.Logger
}

var _ providers.Translator = (*Client)(nil)

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Translate returns text rendered into the target language. Same-language
// pairs and empty input short-circuit. Every failure path returns the input
// unchanged; the caller keeps going with the original text.
func (c *Client) Translate(ctx context.Context, text, source, target string) string {
	if strings.TrimSpace(text) == "" || source == target {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	translated, err := c.call(ctx, text, source, target)
	if err != nil {
		c.logger.WarnTag("Translate", "%s -> %s failed after %v, passing through: %v",
			source, target, time.Since(start).Round(time.Millisecond), err)
		return text
	}
	if strings.TrimSpace(translated) == "" {
		return text
	}

	c.logger.DebugTag("Translate", "%s -> %s in %v", source, target,
		time.Since(start).Round(time.Millisecond))
	return translated
}

func (c *Client) call(ctx context.Context, text, source, target string) (string, error) {
	body, err := sonic.Marshal(translateRequest{
		Input:              text,
		SourceLanguageCode: source,
		TargetLanguageCode: target,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-subscription-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: string(payload)}
	}

	var decoded translateResponse
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	return decoded.TranslatedText, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	body := e.body
	if len(body) > 160 {
		body = body[:160]
	}
	return "vendor returned " + http.StatusText(e.code) + ": " + body
}
