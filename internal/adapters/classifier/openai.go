// Package classifier provides ClaimValidator implementations: an
// OpenAI-compatible vision chat completion client and a static stand-in.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/pkg/logger"
)

const (
	maxReplyBytes  = 1 << 20
	maxErrorBody   = 512
	defaultMaxToks = 300
)

const systemPrompt = "You verify photos of purchase receipts. " +
	"Decide whether the image is a genuine, legible, complete purchase receipt. " +
	"Answer ONLY with a JSON object: " +
	`{"validityFactor": <number>, "descriptionOfAnalysis": <string>}. ` +
	"Set validityFactor to 1 when the image is a valid receipt and to 0 otherwise. " +
	"descriptionOfAnalysis is one or two short sentences explaining the judgment."

const userPrompt = "Analyze this image and report whether it is a valid purchase receipt."

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAI)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(o *OpenAI) {
		o.temperature = t
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) OpenAIOption {
	return func(o *OpenAI) {
		if l != nil {
			o.log = l
		}
	}
}

// OpenAI judges receipts with a vision model behind an OpenAI-compatible
// chat/completions endpoint. It performs no retries.
type OpenAI struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	schema      *jsonschema.Schema
	log         logger.Logger
}

// NewOpenAI creates a client for baseURL (e.g. https://api.openai.com/v1).
func NewOpenAI(baseURL, apiKey, modelName string, opts ...OpenAIOption) (*OpenAI, error) {
	schema, err := compileVerdictSchema()
	if err != nil {
		return nil, err
	}
	c := &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      modelName,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		schema:     schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("classifier")
	}
	return c, nil
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Validate sends the image to the model and returns its verdict unchanged.
func (c *OpenAI) Validate(ctx context.Context, image []byte) (model.ValidationVerdict, error) {
	rid := uuid.New().String()
	start := time.Now()
	log := c.log.With(logger.String("req_id", rid))

	log.Debug(ctx, "classify start", logger.String("model", c.model), logger.Int("image_bytes", len(image)))

	body := map[string]any{
		"model":           c.model,
		"temperature":     c.temperature,
		"max_tokens":      defaultMaxToks,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": userPrompt},
				{"type": "image_url", "image_url": map[string]any{"url": model.ImageDataURL(image)}},
			}},
		},
	}

	raw, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		log.Error(ctx, "classify http error", logger.Error(err), logger.Int64("elapsed_ms", time.Since(start).Milliseconds()))
		return model.ValidationVerdict{}, err
	}

	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("%w: decode completion: %w", ErrMalformedReply, err)
	}
	if len(cc.Choices) == 0 {
		return model.ValidationVerdict{}, fmt.Errorf("%w: no choices", ErrMalformedReply)
	}
	content := []byte(stripFences(cc.Choices[0].Message.Content))

	if err := validateAgainst(c.schema, content); err != nil {
		log.Error(ctx, "classify schema validation failed", logger.Error(err), logger.Int("content_bytes", len(content)))
		return model.ValidationVerdict{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}

	var verdict model.ValidationVerdict
	if err := json.Unmarshal(content, &verdict); err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("%w: unmarshal verdict: %w", ErrMalformedReply, err)
	}

	log.Info(ctx, "classify ok",
		logger.Float64("validity_factor", verdict.ValidityFactor),
		logger.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	return verdict, nil
}

func (c *OpenAI) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}
	return raw, nil
}

// stripFences removes a ```json fence some models wrap around JSON answers.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
