package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pausenow/pingwatch/internal/types"
	"github.com/pausenow/pingwatch/internal/version"
	"github.com/rs/zerolog"
)

// GatewayTransport sends messages through an HTTP push gateway
type GatewayTransport struct {
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
}

// gatewayRequest is the body posted to {baseURL}/send
type gatewayRequest struct {
	Token    string            `json:"token"`
	PushType string            `json:"push_type"` // "background" or "alert"
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

// gatewayResponse is returned by the gateway on success and on error
type gatewayResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewGatewayTransport creates a new push gateway transport
func NewGatewayTransport(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *GatewayTransport {
	return &GatewayTransport{
		logger:  logger.With().Str("component", "gateway-transport").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver implements Transport
func (g *GatewayTransport) Deliver(ctx context.Context, channel string, msg types.Message) (DeliveryResult, error) {
	payload := gatewayRequest{
		Token:    channel,
		PushType: "alert",
		Priority: "10",
		Data:     msg.Data(),
	}
	if msg.Background() {
		payload.PushType = "background"
		payload.Priority = "5"
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(jsonData))
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if g.apiKey != "" {
		req.Header.Set("X-Api-Key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var parsed gatewayResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			g.logger.Debug().
				Err(err).
				Int("status", resp.StatusCode).
				Msg("Gateway returned a non-JSON body")
		}
	}

	switch {
	case resp.StatusCode < 300 && parsed.Code == "":
		return DeliveryResult{MessageID: parsed.MessageID}, nil
	// Only the push service's own code condemns a token. A bare 404 usually
	// means a misrouted gateway URL.
	case isPermanentCode(parsed.Code):
		return DeliveryResult{}, fmt.Errorf("%w: gateway status %d code %q", ErrTokenInvalid, resp.StatusCode, parsed.Code)
	default:
		detail := parsed.Error
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return DeliveryResult{}, fmt.Errorf("%w: gateway status %d: %s", ErrTransient, resp.StatusCode, detail)
	}
}
