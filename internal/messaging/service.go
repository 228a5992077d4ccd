// Package messaging defines the pluggable channel provider abstraction and
// its Twilio and Whatsmeow implementations. Providers send outbound messages
// and surface inbound events for the turn controller.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size for the inbound event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
	// ChannelWhatsApp is the only channel currently served.
	ChannelWhatsApp = "whatsapp"
)

// ErrServiceStopped indicates the service was stopped before the call.
var ErrServiceStopped = errors.New("messaging service stopped")

// ErrPermanent marks delivery failures that will not succeed on retry, such
// as an invalid recipient. The delivery worker retries only errors that do
// not carry this mark.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is marked as non-retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. Implementations
// send outbound messages and emit inbound events from their channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each service implements its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message and returns the provider delivery id.
	// Failures that cannot succeed on retry are marked with ErrPermanent.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound events for the turn controller.
	Events() <-chan models.InboundEvent
}

// canonicalizePhone strips formatting from a phone number and validates it.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", Permanent(errors.New("recipient cannot be empty"))
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", Permanent(fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient))
	}
	if len(canonical) < 6 {
		return "", Permanent(fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical))
	}
	return "+" + canonical, nil
}

// ConversationKey derives the stable conversation key for a canonical
// recipient on a channel.
func ConversationKey(channel, recipient string) string {
	return channel + ":" + recipient
}
