//go:generate mockgen -destination=mock_notifier.go -package=notifier github.com/pausenow/pingwatch/internal/notifier Transport

// Package notifier delivers probe and alert messages to device and guardian channels.
package notifier

import (
	"context"
	"errors"
	"strings"

	"github.com/pausenow/pingwatch/internal/types"
)

var (
	// ErrTokenInvalid means the channel is permanently unusable (app removed,
	// token unregistered). Callers must stop sending to it.
	ErrTokenInvalid = errors.New("notification channel is no longer registered")
	// ErrTransient covers everything worth retrying on a later sweep
	ErrTransient = errors.New("transient delivery failure")
)

// DeliveryResult is the transport's acknowledgement of a sent message
type DeliveryResult struct {
	MessageID string `json:"messageId,omitempty"`
}

// Transport delivers a message to one channel
type Transport interface {
	Deliver(ctx context.Context, channel string, msg types.Message) (DeliveryResult, error)
}

// IsPermanent reports whether a delivery error invalidates the channel
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTokenInvalid)
}

// permanentCodes are the push service error codes meaning the token is gone
var permanentCodes = map[string]struct{}{
	"invalid-registration-token":       {},
	"registration-token-not-registered": {},
	"unregistered":                      {},
	"notregistered":                     {},
}

// isPermanentCode matches push service codes with or without a "messaging/" style prefix
func isPermanentCode(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.LastIndex(code, "/"); i >= 0 {
		code = code[i+1:]
	}
	_, ok := permanentCodes[code]
	return ok
}

// Redact shortens a channel token for logs
func Redact(channel string) string {
	if len(channel) <= 12 {
		return channel
	}
	return channel[:12] + "..."
}
