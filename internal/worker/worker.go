// Package worker implements the per-device actor that owns one transport
// and serializes every protocol exchange with it through a single inbound
// request channel: one single-consumer goroutine per device, draining a
// shared request channel.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/protocol"
	"keepkeyhost/internal/transport"
)

// buttonTimeout bounds a read that is waiting on physical user input
// (button press, PIN, passphrase). nonButtonTimeout bounds every other read.
const (
	buttonTimeout    = 2 * time.Minute
	nonButtonTimeout = 10 * time.Second
)

type request struct {
	msg          protocol.Message
	expectButton bool
	reply        chan response
}

type response struct {
	msg protocol.Message
	err error
}

// deviceTransport is the subset of *transport.Transport the worker depends
// on; narrowing to an interface lets tests substitute a fake transport
// without opening a real USB device.
type deviceTransport interface {
	Write(report []byte) error
	Read(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Worker owns a single transport for its entire lifetime and drains
// requests strictly FIFO: exactly one request is in flight at a time, and
// the next begins only once the previous has returned.
type Worker struct {
	tp      deviceTransport
	reqs    chan request
	refs    int32
	closeCh chan struct{}
}

// Handle is a cheap-to-clone sender to a worker. Cloning increments a
// shared refcount; the last Handle to Close shuts the worker down.
type Handle struct {
	w *Worker
}

// Spawn starts the worker goroutine for desc and returns the first Handle
// to it. This is the only place a transport.Transport is constructed
// outside of tests — callers (the lifecycle manager's queue manager) must
// call it exactly once per (canonical id, live transport).
func Spawn(desc transport.Descriptor) (*Handle, error) {
	tp, err := transport.Open(desc)
	if err != nil {
		return nil, err
	}
	return SpawnWithTransport(tp), nil
}

// SpawnWithTransport starts a worker over an already-open transport. It is
// exported so other packages' tests (e.g. the lifecycle manager's) can
// substitute a fake transport; production code only ever reaches it
// through Spawn.
func SpawnWithTransport(tp deviceTransport) *Handle {
	w := &Worker{
		tp:      tp,
		reqs:    make(chan request),
		refs:    1,
		closeCh: make(chan struct{}),
	}
	go w.run()
	return &Handle{w: w}
}

// Clone returns another handle to the same worker, incrementing the
// refcount. The worker is only torn down once every clone is closed.
func (h *Handle) Clone() *Handle {
	atomic.AddInt32(&h.w.refs, 1)
	return &Handle{w: h.w}
}

// Close releases this handle. When the last handle is released, the
// worker's request channel is closed, which drains and exits its goroutine.
func (h *Handle) Close() {
	if atomic.AddInt32(&h.w.refs, -1) == 0 {
		close(h.w.reqs)
	}
}

// SendRaw enqueues one message and awaits its terminal reply. The worker
// handles intermediate protocol exchanges (button/PIN/passphrase prompts,
// TX-request chains) transparently; SendRaw only ever returns the terminal
// message. If ctx is cancelled before a reply arrives, the in-flight
// exchange with the device is not interrupted — cancellation is honored
// only at the next message boundary, per spec: the worker still completes
// or fails the exchange and simply discards a reply nobody reads.
func (h *Handle) SendRaw(ctx context.Context, msg protocol.Message, expectButton bool) (protocol.Message, error) {
	req := request{msg: msg, expectButton: expectButton, reply: make(chan response, 1)}

	select {
	case h.w.reqs <- req:
	case <-h.w.closeCh:
		return protocol.Message{}, errs.Protocol("worker closed")
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.msg, resp.err
	case <-ctx.Done():
		// The worker will still finish the exchange and write into
		// req.reply's 1-deep buffer; nobody will read it. That's fine.
		return protocol.Message{}, ctx.Err()
	}
}

// GetFeatures is the convenience wrapper for the identity/feature message.
func (h *Handle) GetFeatures(ctx context.Context) (protocol.Message, error) {
	return h.SendRaw(ctx, protocol.Message{Type: protocol.MessageTypeInitialize}, false)
}

// GetAddress wraps SendRaw for the chain-address-derivation exchange.
// addressRequest is the already-encoded GetAddress payload (chain-specific
// builders own its structure; this package only transports it).
func (h *Handle) GetAddress(ctx context.Context, addressRequest []byte) (protocol.Message, error) {
	return h.SendRaw(ctx, protocol.Message{Type: protocol.MessageTypeGetAddress, Payload: addressRequest}, true)
}

// GetPublicKey wraps SendRaw for the public-key-derivation exchange.
func (h *Handle) GetPublicKey(ctx context.Context, pubkeyRequest []byte) (protocol.Message, error) {
	return h.SendRaw(ctx, protocol.Message{Type: protocol.MessageTypeGetPublicKey, Payload: pubkeyRequest}, true)
}

// run is the worker's single goroutine: it owns tp exclusively and drains
// reqs strictly in order until the channel closes or the transport reports
// a disconnect.
func (w *Worker) run() {
	defer func() {
		close(w.closeCh)
		w.tp.Close()
	}()

	for req := range w.reqs {
		msg, err := w.exchange(req.msg, req.expectButton)
		req.reply <- response{msg: msg, err: err}
		// A disconnect leaves the transport unusable; the worker exits and
		// all later requests fail fast against the closed request channel.
		// A protocol Failure or a plain read timeout leaves it alive.
		if errs.Is(err, errs.KindTransport) && !errs.Is(err, errs.KindTimeout) {
			return
		}
	}
}

// exchange drives one request to completion: send the outbound message,
// then read and transparently ack any number of intermediate prompts until
// a terminal message (anything that isn't button/PIN/passphrase/TxRequest)
// arrives.
func (w *Worker) exchange(msg protocol.Message, expectButton bool) (protocol.Message, error) {
	if err := w.writeFrame(msg); err != nil {
		return protocol.Message{}, err
	}

	timeout := nonButtonTimeout
	if expectButton {
		timeout = buttonTimeout
	}

	for {
		reply, err := w.readFrame(timeout)
		if err != nil {
			return protocol.Message{}, err
		}

		if reply.Type == protocol.MessageTypeFailure {
			f, _ := protocol.AsFailure(reply)
			return protocol.Message{}, errs.Protocol(f.Code + ": " + f.Message)
		}

		if !reply.IsIntermediate() {
			return reply, nil
		}

		// Any further wait in an intermediate exchange is, by definition,
		// waiting on the user — use the button timeout regardless of what
		// the caller originally asked for.
		timeout = buttonTimeout
		ack := ackFor(reply)
		if err := w.writeFrame(ack); err != nil {
			return protocol.Message{}, err
		}
	}
}

// ackFor builds the host's acknowledgement for an intermediate device
// prompt. The ack payloads themselves are opaque and owned by whatever
// collected the user's input (button confirmation, PIN digits, passphrase)
// before calling back into the worker; here we only need the right
// envelope type to keep the device's state machine moving when no
// caller-supplied ack is available (e.g. a bare button confirmation).
func ackFor(prompt protocol.Message) protocol.Message {
	switch prompt.Type {
	case protocol.MessageTypeButtonRequest:
		return protocol.Message{Type: protocol.MessageTypeButtonAck}
	case protocol.MessageTypePinMatrixRequest:
		return protocol.Message{Type: protocol.MessageTypePinMatrixAck}
	case protocol.MessageTypePassphraseRequest:
		return protocol.Message{Type: protocol.MessageTypePassphraseAck}
	default: // MessageTypeTxRequest
		return protocol.Message{Type: protocol.MessageTypeTxAck}
	}
}

func (w *Worker) writeFrame(msg protocol.Message) error {
	frame := protocol.Encode(msg)
	for _, report := range protocol.Chunk(frame) {
		if err := w.tp.Write(report); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) readFrame(timeout time.Duration) (protocol.Message, error) {
	var asm protocol.Reassembler
	ctx := context.Background()
	for {
		report, err := w.tp.Read(ctx, timeout)
		if err != nil {
			return protocol.Message{}, err
		}
		frame, done, err := asm.Feed(report)
		if err != nil {
			return protocol.Message{}, err
		}
		if done {
			return protocol.Decode(frame)
		}
	}
}
