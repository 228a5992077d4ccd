package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	cli, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("whatsapp:+14155238886"))
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}
	if cli.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("unexpected from number %q", cli.fromWhats)
	}
}

func TestMockClientRecordsMessages(t *testing.T) {
	mock := NewMockClient()

	sid, err := mock.SendMessage(context.Background(), "+5511999990000", "Olá!")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.HasPrefix(sid, "SM") {
		t.Errorf("expected SM-prefixed sid, got %q", sid)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "Olá!" {
		t.Errorf("unexpected recorded messages: %+v", mock.SentMessages)
	}
}

func TestIsClientError(t *testing.T) {
	restErr := &twilioclient.TwilioRestError{Status: 400, Message: "invalid number"}
	if !IsClientError(restErr) {
		t.Error("expected 400 to classify as client error")
	}
	if !IsClientError(fmt.Errorf("send failed: %w", restErr)) {
		t.Error("expected wrapped 400 to classify as client error")
	}
	if IsClientError(&twilioclient.TwilioRestError{Status: 503}) {
		t.Error("expected 503 to classify as transient")
	}
	if IsClientError(errors.New("dial tcp: timeout")) {
		t.Error("expected plain error to classify as transient")
	}
}
