package transport

import (
	"testing"
)

func TestParseClientEvent_FinalTranscript(t *testing.T) {
	ev, err := parseClientEvent([]byte(`{"type":"final-transcript","text":"I can start Monday"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Text != "I can start Monday" {
		t.Errorf("Unexpected text: %q", ev.Text)
	}
	if ev.IsAddition {
		t.Error("Expected plain transcript, got addition")
	}
}

func TestParseClientEvent_ExplicitAddition(t *testing.T) {
	ev, err := parseClientEvent([]byte(`{"type":"final-transcript","text":"and Tuesdays too","isAddition":true}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ev.IsAddition {
		t.Error("Expected isAddition to be honored")
	}
}

func TestParseClientEvent_LegacyAdditionPrefix(t *testing.T) {
	ev, err := parseClientEvent([]byte(`{"type":"final-transcript","text":"[Addition to previous response] and Tuesdays too"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ev.IsAddition {
		t.Error("Expected legacy prefix to mark an addition")
	}
	if ev.Text != "and Tuesdays too" {
		t.Errorf("Expected prefix stripped, got %q", ev.Text)
	}
}

func TestParseClientEvent_EmptyTranscriptRejected(t *testing.T) {
	if _, err := parseClientEvent([]byte(`{"type":"final-transcript","text":"   "}`)); err == nil {
		t.Error("Expected blank transcript to be rejected")
	}
}

func TestParseClientEvent_UnknownTypeRejected(t *testing.T) {
	if _, err := parseClientEvent([]byte(`{"type":"self-destruct"}`)); err == nil {
		t.Error("Expected unknown event type to be rejected")
	}
}

func TestParseClientEvent_MalformedJSON(t *testing.T) {
	if _, err := parseClientEvent([]byte(`{"type":`)); err == nil {
		t.Error("Expected malformed JSON to be rejected")
	}
}

func TestParseClientEvent_MicState(t *testing.T) {
	ev, err := parseClientEvent([]byte(`{"type":"mic-state","muted":true}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ev.Muted {
		t.Error("Expected muted flag")
	}
}

func TestParseClientEvent_InterruptWithoutText(t *testing.T) {
	ev, err := parseClientEvent([]byte(`{"type":"interrupt"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Type != clientInterrupt {
		t.Errorf("Expected interrupt type, got %s", ev.Type)
	}
}
