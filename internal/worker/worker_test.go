package worker

import (
	"context"
	"testing"
	"time"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/protocol"
)

// fakeTransport is an in-memory deviceTransport driven by a scripted list
// of reports to hand back on Read, recording every write it receives.
type fakeTransport struct {
	reads    [][]byte
	readPos  int
	writes   [][]byte
	closed   bool
	disconnectAfter int // -1 disables; otherwise fail the Nth Read with a disconnect
}

func (f *fakeTransport) Write(report []byte) error {
	f.writes = append(f.writes, report)
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if f.disconnectAfter >= 0 && f.readPos == f.disconnectAfter {
		return nil, errs.Disconnected("fake")
	}
	if f.readPos >= len(f.reads) {
		return nil, errs.Timeout("no more scripted reads")
	}
	r := f.reads[f.readPos]
	f.readPos++
	return r, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func scriptedReports(msgs ...protocol.Message) [][]byte {
	var reports [][]byte
	for _, m := range msgs {
		reports = append(reports, protocol.Chunk(protocol.Encode(m))...)
	}
	return reports
}

func TestSendRawSimpleReply(t *testing.T) {
	ft := &fakeTransport{
		reads:           scriptedReports(protocol.Message{Type: protocol.MessageTypeFeatures, Payload: []byte("v7.10.0")}),
		disconnectAfter: -1,
	}
	h := SpawnWithTransport(ft)
	defer h.Close()

	reply, err := h.SendRaw(context.Background(), protocol.Message{Type: protocol.MessageTypeInitialize}, false)
	if err != nil {
		t.Fatalf("SendRaw error: %v", err)
	}
	if reply.Type != protocol.MessageTypeFeatures || string(reply.Payload) != "v7.10.0" {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if len(ft.writes) == 0 {
		t.Error("expected at least one write to the transport")
	}
}

func TestSendRawDrainsIntermediateButtonRequest(t *testing.T) {
	ft := &fakeTransport{
		reads: scriptedReports(
			protocol.Message{Type: protocol.MessageTypeButtonRequest},
			protocol.Message{Type: protocol.MessageTypeSuccess, Payload: []byte("ok")},
		),
		disconnectAfter: -1,
	}
	h := SpawnWithTransport(ft)
	defer h.Close()

	reply, err := h.SendRaw(context.Background(), protocol.Message{Type: protocol.MessageTypeGetAddress}, true)
	if err != nil {
		t.Fatalf("SendRaw error: %v", err)
	}
	if reply.Type != protocol.MessageTypeSuccess {
		t.Errorf("expected terminal Success reply, got %+v", reply)
	}
	// One ack for the ButtonRequest plus the original request == 2 writes.
	if len(ft.writes) != 2 {
		t.Errorf("expected 2 writes (request + button ack), got %d", len(ft.writes))
	}
}

func TestSendRawSurfacesProtocolFailure(t *testing.T) {
	ft := &fakeTransport{
		reads:           scriptedReports(protocol.Message{Type: protocol.MessageTypeFailure, Payload: []byte("PinInvalid\x00bad pin")}),
		disconnectAfter: -1,
	}
	h := SpawnWithTransport(ft)
	defer h.Close()

	_, err := h.SendRaw(context.Background(), protocol.Message{Type: protocol.MessageTypeInitialize}, false)
	if !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
}

func TestWorkerExitsOnDisconnect(t *testing.T) {
	ft := &fakeTransport{disconnectAfter: 0}
	h := SpawnWithTransport(ft)

	_, err := h.SendRaw(context.Background(), protocol.Message{Type: protocol.MessageTypeInitialize}, false)
	if err == nil {
		t.Fatal("expected a disconnect error")
	}

	// Give the worker goroutine a moment to close the transport after
	// returning the failed reply.
	time.Sleep(20 * time.Millisecond)
	if !ft.closed {
		t.Error("expected worker to close the transport after a disconnect")
	}

	if _, err := h.SendRaw(context.Background(), protocol.Message{Type: protocol.MessageTypeInitialize}, false); err == nil {
		t.Error("expected subsequent SendRaw on a dead worker to fail")
	}
}

func TestHandleCloneRefcounting(t *testing.T) {
	ft := &fakeTransport{disconnectAfter: -1, reads: scriptedReports(protocol.Message{Type: protocol.MessageTypeSuccess})}
	h1 := SpawnWithTransport(ft)
	h2 := h1.Clone()

	h1.Close()
	if ft.closed {
		t.Error("worker should stay alive while a clone is still open")
	}
	h2.Close()
	time.Sleep(10 * time.Millisecond)
	if !ft.closed {
		t.Error("worker should close once the last handle is closed")
	}
}
