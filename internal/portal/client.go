// Package portal schedules and runs synchronization batches against the
// external tax portal, one job per target entity.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
)

// SyncResult is the portal's verdict for one target. A transport failure is
// reported as an error from Sync instead, so a SyncResult always reflects an
// answer the portal actually gave.
type SyncResult struct {
	Success     bool `json:"success"`
	UnitsSynced int  `json:"unitsSynced"`
	// MissingConfiguration flags configuration the portal needs before this
	// target can sync; a flagged entry fails the job even when success=true.
	MissingConfiguration map[string]bool `json:"missingConfiguration,omitempty"`
	ErrorMessage         string          `json:"error,omitempty"`
}

// Failed reports whether the portal answered but declined the sync. An HTTP
// 200 with success=false or any flagged missing configuration is still a
// failure.
func (r SyncResult) Failed() bool {
	return !r.Success || len(r.missingKeys()) > 0
}

func (r SyncResult) FailureReason() string {
	if missing := r.missingKeys(); len(missing) > 0 {
		return fmt.Sprintf("missing configuration: %v", missing)
	}
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return "portal reported failure"
}

func (r SyncResult) missingKeys() []string {
	var keys []string
	for k, flagged := range r.MissingConfiguration {
		if flagged {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Syncer pushes one target's records for a tax period to the portal.
type Syncer interface {
	Sync(ctx context.Context, targetID uuid.UUID, period string) (SyncResult, error)
}

type ClientConfig struct {
	EndpointURL    string
	APIKey         string
	Mode           string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// Client talks to the portal's sync endpoint with a shared rate limit so
// concurrent runners stay under the portal's request ceiling.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = "full"
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:  logger,
	}
}

type syncRequest struct {
	TargetID string `json:"targetId"`
	Period   string `json:"period"`
	Mode     string `json:"mode"`
}

func (c *Client) Sync(ctx context.Context, targetID uuid.UUID, period string) (SyncResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SyncResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(syncRequest{TargetID: targetID.String(), Period: period, Mode: c.cfg.Mode})
	if err != nil {
		return SyncResult{}, fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return SyncResult{}, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Error("portal.sync.transport_error", "target_id", targetID, "err", err)
		return SyncResult{}, common.Transient(fmt.Errorf("portal request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SyncResult{}, common.Transient(fmt.Errorf("read portal response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.logger.Warn("portal.sync.http_error", "target_id", targetID, "status", resp.StatusCode)
		return SyncResult{}, common.Transient(fmt.Errorf("portal status %d: %s", resp.StatusCode, truncate(raw, 200)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SyncResult{}, fmt.Errorf("portal status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var result SyncResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SyncResult{}, fmt.Errorf("decode portal response: %w", err)
	}

	c.logger.Debug("portal.sync.done",
		"target_id", targetID, "period", period, "success", result.Success,
		"units", result.UnitsSynced, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
