package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: MessageTypeFeatures, Payload: []byte("hello features")},
		{Type: MessageTypeSuccess, Payload: nil},
		{Type: MessageTypeFailure, Payload: []byte("Failure_PinInvalid\x00wrong pin")},
	}

	for _, want := range cases {
		frame := Encode(want)
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(Encode(%v)) error: %v", want, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error decoding a too-short frame")
	}
}

func TestAsFailureSplitsCodeAndMessage(t *testing.T) {
	m := Message{Type: MessageTypeFailure, Payload: []byte("PinInvalid\x00wrong pin entered")}
	f, err := AsFailure(m)
	if err != nil {
		t.Fatalf("AsFailure error: %v", err)
	}
	if f.Code != "PinInvalid" || f.Message != "wrong pin entered" {
		t.Errorf("unexpected failure payload: %+v", f)
	}
}

func TestIsIntermediate(t *testing.T) {
	if !(Message{Type: MessageTypeButtonRequest}).IsIntermediate() {
		t.Error("ButtonRequest should be intermediate")
	}
	if (Message{Type: MessageTypeSuccess}).IsIntermediate() {
		t.Error("Success should not be intermediate")
	}
}

func TestChunkReassemble(t *testing.T) {
	msg := Message{Type: MessageTypeFeatures, Payload: bytes.Repeat([]byte{0xAB}, 500)}
	frame := Encode(msg)

	reports := Chunk(frame)
	if len(reports) < 2 {
		t.Fatalf("expected a 506-byte frame to span multiple reports, got %d", len(reports))
	}
	for _, r := range reports {
		if len(r) != ReportSize {
			t.Fatalf("expected every report to be %d bytes, got %d", ReportSize, len(r))
		}
	}

	var asm Reassembler
	var got []byte
	var done bool
	var err error
	for _, r := range reports {
		got, done, err = asm.Feed(r)
		if err != nil {
			t.Fatalf("Feed error: %v", err)
		}
	}
	if !done {
		t.Fatal("expected reassembly to complete after last report")
	}
	if !bytes.Equal(got, frame) {
		t.Error("reassembled frame does not match original")
	}
}
