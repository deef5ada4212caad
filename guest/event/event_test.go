package event

import "testing"

func TestEncodeDecodeEventPreservesSenderAndTarget(t *testing.T) {
	original := Event{
		EventID: "abc",
		Type:    "http_request",
		Sender:  PluginTarget("http@lyserver.local"),
		Target:  AllTarget(),
	}

	wire, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	decoded, err := DecodeEvent(wire)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if !decoded.Target.IsAll() {
		t.Fatalf("expected target to decode as All, got %q", decoded.Target.String())
	}
	id, ok := decoded.Sender.PluginID()
	if !ok || id != "http@lyserver.local" {
		t.Fatalf("expected sender to decode as directed target %q, got (%q, %v)", "http@lyserver.local", id, ok)
	}
}
