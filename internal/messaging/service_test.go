package messaging

import (
	"errors"
	"testing"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "+5511999990000", false},
		{"whatsapp:+5511999990000", "+5511999990000", false},
		{"5511999990000", "+5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizePhone(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("canonicalizePhone(%q): expected error", tt.in)
			} else if !IsPermanent(err) {
				t.Errorf("canonicalizePhone(%q): validation errors should be permanent", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("canonicalizePhone(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPermanentClassification(t *testing.T) {
	base := errors.New("number not on whatsapp")
	marked := Permanent(base)

	if !IsPermanent(marked) {
		t.Error("expected marked error to be permanent")
	}
	if !errors.Is(marked, base) {
		t.Error("expected marked error to preserve the cause")
	}
	if IsPermanent(base) {
		t.Error("unmarked error should be transient")
	}
	if IsPermanent(nil) {
		t.Error("nil should not be permanent")
	}
}

func TestConversationKey(t *testing.T) {
	if got := ConversationKey(ChannelWhatsApp, "+5511999990000"); got != "whatsapp:+5511999990000" {
		t.Errorf("ConversationKey = %q", got)
	}
}
