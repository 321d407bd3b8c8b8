package payment

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
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/logger"
)

// HTTPGateway talks to the provider's REST API.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPGateway(baseURL, apiKey string, log *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.OrNop(log),
	}
}

func (g *HTTPGateway) CreateSession(ctx context.Context, req Request) (*Session, error) {
	if req.AppointmentID == uuid.Nil || req.Amount <= 0 {
		return nil, fmt.Errorf("payment: appointment id and positive amount are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("payment: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payment-sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.AppointmentID.String())
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		g.log.Warn("payment session rejected",
			zap.String("appointment_id", req.AppointmentID.String()),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", msg),
		)
		return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("payment: decode response: %w", err)
	}
	if session.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrGatewayRejected)
	}
	return &session, nil
}
