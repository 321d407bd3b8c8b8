package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// FakeGateway is a dev provider that hands out an internal checkout URL.
// It is selected only when no gateway URL is configured.
type FakeGateway struct {
	publicBaseURL string
}

func NewFakeGateway(publicBaseURL string) *FakeGateway {
	return &FakeGateway{publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}
}

func (g *FakeGateway) CreateSession(ctx context.Context, req Request) (*Session, error) {
	_ = ctx
	if req.AppointmentID == uuid.Nil {
		return nil, fmt.Errorf("payment: fake gateway requires appointment id")
	}
	if !isValidBaseURL(g.publicBaseURL) {
		return nil, fmt.Errorf("payment: fake gateway PUBLIC_BASE_URL must be an absolute http(s) URL")
	}

	return &Session{
		SessionID:   "fake:" + req.AppointmentID.String(),
		CheckoutURL: fmt.Sprintf("%s/payments/fake/%s", g.publicBaseURL, req.AppointmentID),
	}, nil
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
