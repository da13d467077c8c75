package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := json.Marshal(AuthRequest{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	encoded, err := EncodeFrame(Frame{Type: TypeAuth, Payload: payload})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, encoded); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	raw, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Type != TypeAuth {
		t.Fatalf("frame type: got %q", frame.Type)
	}

	var req AuthRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if req.Username != "alice" {
		t.Fatalf("username: got %q", req.Username)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized write: got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized read: got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("payload: got %d bytes, want 0", len(payload))
	}
}

func TestDecodeFrameRequiresType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"payload":{}}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("missing type: got %v, want ErrInvalidMessageType", err)
	}
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatal("malformed JSON must be rejected")
	}
}
