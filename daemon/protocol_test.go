package daemon

import "testing"

func TestParseStartMessage(t *testing.T) {
	msg, err := parseStartMessage([]byte("start|123|45|/tools/static|/tmp/manifest.cbor\x00"))
	if err != nil {
		t.Fatalf("parseStartMessage: %v", err)
	}
	if msg.PID != 123 || msg.PPID != 45 || msg.ExePath != "/tools/static" || msg.ManifestPath != "/tmp/manifest.cbor" {
		t.Fatalf("parsed message mismatch: %+v", msg)
	}
}

func TestParseStartMessageRejectsWrongKind(t *testing.T) {
	if _, err := parseStartMessage([]byte("exitNotification|123")); err == nil {
		t.Fatal("expected error for non-start message")
	}
}

func TestParseStartMessageRejectsBadArity(t *testing.T) {
	if _, err := parseStartMessage([]byte("start|123|45")); err == nil {
		t.Fatal("expected error for too few fields")
	}
}
