package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// webhookSender hands every delivery to a gateway that owns the actual sms,
// voice, email and push integrations.
type webhookSender struct {
	url    string
	token  string
	client *http.Client
}

type webhookRequest struct {
	TenantID string         `json:"tenant_id"`
	Channel  string         `json:"channel"`
	Payload  map[string]any `json:"payload"`
}

func (s *webhookSender) Send(ctx context.Context, tenantID, channel string, payload map[string]any) (contracts.SendResult, error) {
	body, err := json.Marshal(webhookRequest{TenantID: tenantID, Channel: channel, Payload: payload})
	if err != nil {
		return contracts.SendResult{}, fmt.Errorf("encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return contracts.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return contracts.SendResult{}, fmt.Errorf("post delivery: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return contracts.SendResult{Success: false, Error: fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}, nil
	}
	// An empty 2xx body is an acknowledgement. A JSON reply must say success.
	var res contracts.SendResult
	err = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&res)
	switch {
	case errors.Is(err, io.EOF):
		return contracts.SendResult{Success: true}, nil
	case err != nil:
		return contracts.SendResult{}, fmt.Errorf("decode gateway response: %w", err)
	case !res.Success && res.Error == "":
		res.Error = "gateway reported failure"
	}
	return res, nil
}

// logSender only logs deliveries. It stands in when no gateway is set.
type logSender struct {
	logger *slog.Logger
}

func (s logSender) Send(ctx context.Context, tenantID, channel string, payload map[string]any) (contracts.SendResult, error) {
	s.logger.InfoContext(ctx, "delivery (no gateway configured)", "tenant_id", tenantID, "channel", channel, "payload", payload)
	return contracts.SendResult{Success: true, ExternalID: "log"}, nil
}

// newSender picks the channel gateway from CHANNEL_WEBHOOK_URL.
func newSender() contracts.ChannelSender {
	url := os.Getenv("CHANNEL_WEBHOOK_URL")
	if url == "" {
		return logSender{logger: slog.Default().With("component", "sender")}
	}
	return &webhookSender{
		url:    url,
		token:  os.Getenv("CHANNEL_WEBHOOK_TOKEN"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// webhookReasoner asks an external planner for the tenant's next proposal.
// A 204 response means nothing is worth doing.
type webhookReasoner struct {
	url    string
	token  string
	client *http.Client
}

func (r *webhookReasoner) Propose(ctx context.Context, rc contracts.ReasoningContext) (*contracts.Proposal, error) {
	body, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode reasoning context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post reasoning context: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("reasoner returned %d", resp.StatusCode)
	}
	var p contracts.Proposal
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, nil
}

// newReasoner returns nil when REASONING_WEBHOOK_URL is unset, which turns
// the deep cycle off.
func newReasoner() contracts.ReasoningProvider {
	url := os.Getenv("REASONING_WEBHOOK_URL")
	if url == "" {
		return nil
	}
	return &webhookReasoner{
		url:    url,
		token:  os.Getenv("REASONING_WEBHOOK_TOKEN"),
		client: &http.Client{Timeout: 25 * time.Second},
	}
}
