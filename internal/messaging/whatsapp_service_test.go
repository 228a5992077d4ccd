package messaging

import (
	"context"
	"testing"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/whatsapp"
)

func TestWhatsAppSendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	t.Cleanup(func() { _ = svc.Stop() })

	id, err := svc.SendMessage(context.Background(), "+55 (11) 99999-0000", "Olá!")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id == "" {
		t.Error("expected a delivery id")
	}
	if len(mock.Sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.Sent))
	}
	if mock.Sent[0].To != "+5511999990000" {
		t.Errorf("expected canonicalized recipient, got %q", mock.Sent[0].To)
	}
}

func TestWhatsAppSendMessageInvalidRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	t.Cleanup(func() { _ = svc.Stop() })

	_, err := svc.SendMessage(context.Background(), "not-a-number", "Olá!")
	if !IsPermanent(err) {
		t.Errorf("expected permanent validation error, got %v", err)
	}
}

func TestWhatsAppStopIdempotent(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
