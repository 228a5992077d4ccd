package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/twiliowhatsapp"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
)

// TwilioService implements Service using the Twilio REST API. Inbound
// messages arrive through the webhook handler, not a live connection.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender
	events  chan models.InboundEvent
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService around a Twilio client (real or mock).
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound traffic arrives via the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channel and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.events)
	}()

	return nil
}

// SendMessage sends a message via Twilio and returns the message SID. Twilio
// 4xx errors are marked permanent; everything else is retryable.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return "", ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: recipient validation failed", "error", err, "to", to)
		return "", err
	}

	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		if twiliowhatsapp.IsClientError(err) {
			return "", Permanent(err)
		}
		return "", err
	}
	return sid, nil
}

// Events returns the channel of inbound events parsed from webhooks.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// WebhookHandler handles inbound Twilio webhook requests, converting each
// delivered message into an InboundEvent.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageID := r.FormValue("MessageSid")

	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if messageID == "" {
		// Twilio always sends a SID in practice; keep dedup working if not.
		messageID = util.GenerateRandomID("SM", 32)
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	event := models.InboundEvent{
		ConversationKey: ConversationKey(ChannelWhatsApp, canonical),
		MessageID:       messageID,
		Text:            body,
		Channel:         ChannelWhatsApp,
		ArrivalTime:     time.Now(),
		Metadata:        map[string]string{"recipient": canonical},
	}

	s.safeEmitEvent(event)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) safeEmitEvent(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "conversation", event.ConversationKey)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService emitted inbound event", "conversation", event.ConversationKey, "message_id", event.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping message", "conversation", event.ConversationKey)
	}
}

var _ Service = (*TwilioService)(nil)
