package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

// Sender delivers one consented event.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// DefaultAPIKeyHeader carries the site API key on ingestion requests.
const DefaultAPIKeyHeader = "X-API-Key"

// HTTPSender posts events to a Simplitics ingestion endpoint.
type HTTPSender struct {
	endpoint string
	apiKey   string
	header   string
	client   *http.Client
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender targets baseURL + "/v1/events". A nil client gets a 10s timeout.
func NewHTTPSender(baseURL, apiKey string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/v1/events",
		apiKey:   apiKey,
		header:   DefaultAPIKeyHeader,
		client:   client,
	}
}

func (h *HTTPSender) Send(ctx context.Context, ev Event) error {
	ts := ev.Timestamp
	body, err := json.Marshal(domain.InboundEvent{
		Type:       ev.Type,
		Properties: ev.Properties,
		Timestamp:  &ts,
		SessionID:  ev.SessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(h.header, h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingestion endpoint returned %s", resp.Status)
	}
	return nil
}

// PipelineSender feeds events straight into an in-process pipeline.
type PipelineSender struct {
	pipeline *ingest.Pipeline
	repo     storage.Repository
	site     *domain.Site
	meta     domain.RequestMeta
}

var _ Sender = (*PipelineSender)(nil)

func NewPipelineSender(p *ingest.Pipeline, repo storage.Repository, site *domain.Site, meta domain.RequestMeta) *PipelineSender {
	return &PipelineSender{pipeline: p, repo: repo, site: site, meta: meta}
}

func (s *PipelineSender) Send(ctx context.Context, ev Event) error {
	ts := ev.Timestamp
	_, err := s.pipeline.Ingest(ctx, s.repo, s.site, domain.InboundEvent{
		Type:       ev.Type,
		Properties: ev.Properties,
		Timestamp:  &ts,
		SessionID:  ev.SessionID,
	}, s.meta)
	return err
}
