package remote

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Command:       "spawn_container",
		CorrelationID: "c0ffee-1234",
		Params: map[string]interface{}{
			"image": "alpine:latest",
			"count": float64(3),
		},
		Bulk: []byte("hello world"),
	}

	encoded, err := m.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}

	if got.Command != m.Command || got.CorrelationID != m.CorrelationID {
		t.Fatalf("command/correlation-id mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Bulk, m.Bulk) {
		t.Fatalf("bulk mismatch: got %q want %q", got.Bulk, m.Bulk)
	}
	if got.Params["image"] != "alpine:latest" || got.Params["count"] != float64(3) {
		t.Fatalf("params mismatch: got %+v", got.Params)
	}
}

func TestMessageRoundTripEmptySections(t *testing.T) {
	m := &Message{}
	encoded, err := m.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if got.Command != "" || got.CorrelationID != "" || got.Params != nil || len(got.Bulk) != 0 {
		t.Fatalf("expected all-empty message, got %+v", got)
	}
}

func TestTerminalSentinel(t *testing.T) {
	s := terminalSentinel("abc")
	if !s.IsTerminalSentinel() {
		t.Fatalf("expected terminal sentinel to self-identify")
	}

	encoded, err := s.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if !got.IsTerminalSentinel() {
		t.Fatalf("decoded sentinel lost its sentinel-ness: %+v", got)
	}
	if got.CorrelationID != "abc" {
		t.Fatalf("correlation id not preserved: %+v", got)
	}

	ordinary := NewMessage("container_status_update", map[string]interface{}{"uuid": "x"})
	if ordinary.IsTerminalSentinel() {
		t.Fatalf("ordinary message misidentified as sentinel")
	}
}

func TestMessageReplyable(t *testing.T) {
	m := NewMessage("ping", nil)
	if m.Replyable() {
		t.Fatalf("message with no correlation-id should not be replyable")
	}
	m.CorrelationID = "abc"
	if !m.Replyable() {
		t.Fatalf("message with correlation-id should be replyable")
	}
}

func TestMessageException(t *testing.T) {
	m := NewMessage("spawn_container", map[string]interface{}{"exception": "no such image"})
	msg, ok := m.Exception()
	if !ok || msg != "no such image" {
		t.Fatalf("expected exception to be extracted, got %q %v", msg, ok)
	}

	clean := NewMessage("spawn_container", map[string]interface{}{})
	if _, ok := clean.Exception(); ok {
		t.Fatalf("expected no exception on clean params")
	}
}

func TestMessageParamAccessors(t *testing.T) {
	m := NewMessage("spawn_container", map[string]interface{}{
		"image": "alpine",
		"port":  float64(8080),
	})

	s, err := m.StringParam("image")
	if err != nil || s != "alpine" {
		t.Fatalf("StringParam: got %q %v", s, err)
	}
	if _, err := m.StringParam("missing"); err == nil {
		t.Fatalf("expected error for missing string param")
	}
	if _, err := m.StringParam("port"); err == nil {
		t.Fatalf("expected error for wrong-typed string param")
	}

	n, err := m.IntParam("port")
	if err != nil || n != 8080 {
		t.Fatalf("IntParam: got %d %v", n, err)
	}
	if _, err := m.IntParam("missing"); err == nil {
		t.Fatalf("expected error for missing int param")
	}
	if _, err := m.IntParam("image"); err == nil {
		t.Fatalf("expected error for wrong-typed int param")
	}
}
