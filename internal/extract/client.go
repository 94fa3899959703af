package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// Config holds classifier client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client implements FieldExtractor against an OpenAI-compatible
// chat/completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// ExtractFields sends the document to the classifier and parses the reply.
// Failures that are worth retrying (network faults, 429, 5xx) come back
// wrapped as common.TransientError; everything else is permanent.
func (c *Client) ExtractFields(ctx context.Context, req ExtractRequest) (entity.DocumentFields, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"media_type", req.MediaType,
		"payload_bytes", len(req.Payload),
		"file_hint", req.FileNameHint,
	)

	schema := BuildDocumentJSONSchema(constants.AsStringSlice())
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     0.0,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": buildSystemPrompt()},
			{"role": "user", "content": buildUserContent(req)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.DocumentFields{}, nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("extract.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return entity.DocumentFields{}, raw, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("extract.no_choices", "req_id", rid, "raw", string(raw))
		return entity.DocumentFields{}, raw, fmt.Errorf("no choices in classifier response")
	}

	content, err := FirstJSONObject([]byte(cc.Choices[0].Message.Content))
	if err != nil {
		c.log.Error("extract.no_json", "req_id", rid, "error", err)
		return entity.DocumentFields{}, raw, fmt.Errorf("locate JSON in reply: %w", err)
	}

	cleaned, dropped, err := NormalizeAndSanitizeJSON(content, c.log)
	if err != nil {
		c.log.Error("extract.sanitize_failed", "req_id", rid, "error", err)
		return entity.DocumentFields{}, content, fmt.Errorf("sanitize reply: %w", err)
	}
	if len(dropped) > 0 {
		c.log.Warn("extract.sanitize_applied", "req_id", rid, "dropped", dropped)
	}

	if err := ValidateJSONAgainstSchema(schema, cleaned); err != nil {
		c.log.Error("extract.schema_validation_failed",
			"req_id", rid, "error", err, "content", string(cleaned),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.DocumentFields{}, cleaned, fmt.Errorf("schema validation failed: %w", err)
	}

	var out entity.DocumentFields
	if err := json.Unmarshal(cleaned, &out); err != nil {
		return entity.DocumentFields{}, cleaned, fmt.Errorf("unmarshal fields: %w", err)
	}

	c.log.Info("extract.ok",
		"req_id", rid,
		"issuer", out.IssuerName,
		"date", out.IssueDate,
		"total", out.TotalAmount,
		"category", out.Category,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, cleaned, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Transient(fmt.Errorf("classifier http error: %w", err))
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("classifier response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return nil, common.Transient(fmt.Errorf("classifier status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("classifier status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

func buildSystemPrompt() string {
	parts := []string{
		"You are a tax document parser. Return ONLY JSON that matches the JSON Schema provided.",
		"Use ISO-8601 dates (YYYY-MM-DD).",
		"Amounts are decimal strings with up to two fraction digits.",
		"The tax_id is the issuer's 11-digit taxpayer identifier; keep separators out.",
		"certified_code is the unique code the tax authority stamped on the document, if visible.",
		"Allowed categories (enum): " + strings.Join(constants.AsStringSlice(), ", ") + ".",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

func buildUserContent(req ExtractRequest) any {
	mt := constants.NormalizeMediaType(req.MediaType)
	if mt == "text/plain" {
		text := string(req.Payload)
		if len(text) > 6000 {
			text = text[:6000]
		}
		return "Filename: " + req.FileNameHint + "\n\nDocument text:\n" + text
	}
	dataURL := "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(req.Payload)
	return []map[string]any{
		{"type": "text", "text": "Filename: " + req.FileNameHint + "\nExtract the document fields."},
		{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
