package eventbus

import "testing"

type recordingSink struct {
	names []string
}

func (s *recordingSink) Send(name string, payload any) {
	s.names = append(s.names, name)
}

func TestEventsQueuedBeforeReadyAreFlushedInOrder(t *testing.T) {
	b := New()
	b.EmitOrQueue("device:connected", nil)
	b.EmitOrQueue("device:setup-required", nil)

	sink := &recordingSink{}
	if sink.names != nil {
		t.Fatal("sanity: sink should start empty")
	}
	b.FrontendReady(sink)

	want := []string{"device:connected", "device:setup-required"}
	if len(sink.names) != len(want) {
		t.Fatalf("expected %d events flushed, got %d: %v", len(want), len(sink.names), sink.names)
	}
	for i, n := range want {
		if sink.names[i] != n {
			t.Errorf("event %d: expected %s, got %s", i, n, sink.names[i])
		}
	}
}

func TestEventsAfterReadyDeliverImmediately(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.FrontendReady(sink)

	b.EmitOrQueue("device:connected", nil)
	if len(sink.names) != 1 || sink.names[0] != "device:connected" {
		t.Fatalf("expected immediate delivery, got %v", sink.names)
	}
}

func TestFrontendReadyIsIdempotent(t *testing.T) {
	b := New()
	b.EmitOrQueue("device:connected", nil)

	sink1 := &recordingSink{}
	b.FrontendReady(sink1)

	sink2 := &recordingSink{}
	b.FrontendReady(sink2)

	if len(sink1.names) != 1 {
		t.Fatalf("expected first sink to receive the queued event, got %v", sink1.names)
	}
	if len(sink2.names) != 0 {
		t.Errorf("expected second FrontendReady call to be a no-op, got %v", sink2.names)
	}
}

func TestIsReadyReflectsState(t *testing.T) {
	b := New()
	if b.IsReady() {
		t.Error("expected fresh bus to not be ready")
	}
	b.FrontendReady(&recordingSink{})
	if !b.IsReady() {
		t.Error("expected bus to be ready after FrontendReady")
	}
}
