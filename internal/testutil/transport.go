// Package testutil provides in-memory collaborators for package tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// ErrInjected is returned by a FakeTransport configured to fail.
var ErrInjected = errors.New("injected transport failure")

// FakeTransport is an in-memory model.Transport that records every payload.
type FakeTransport struct {
	mu       sync.Mutex
	state    model.TransportState
	sent     [][]byte
	closed   bool
	code     int
	reason   string
	failSend bool
	stateErr error
	block    chan struct{}
}

// NewFakeTransport returns a transport in the CONNECTED state.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{state: model.TransportConnected}
}

// Send records the payload, or fails if the transport is closed or configured to fail.
// A blocked transport waits until Unblock is called or ctx is done.
func (f *FakeTransport) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSend {
		return ErrInjected
	}
	if f.closed || f.state.IsTerminal() {
		return model.ErrTransportClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

// Close marks the transport closed and records the close code and reason.
func (f *FakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.code = code
	f.reason = reason
	f.state = model.TransportClosed
	return nil
}

// State returns the configured state label or the configured error.
func (f *FakeTransport) State(ctx context.Context) (model.TransportState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stateErr != nil {
		return "", f.stateErr
	}
	return f.state, nil
}

// SetState changes the live state without going through Close, simulating
// a peer that went away behind the server's back.
func (f *FakeTransport) SetState(state model.TransportState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// FailSends makes every subsequent Send return ErrInjected.
func (f *FakeTransport) FailSends(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

// FailState makes State return err.
func (f *FakeTransport) FailState(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateErr = err
}

// Block makes Send wait until Unblock is called.
func (f *FakeTransport) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block == nil {
		f.block = make(chan struct{})
	}
}

// Unblock releases every Send waiting on Block.
func (f *FakeTransport) Unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// Sent returns a copy of every recorded payload.
func (f *FakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// Messages decodes every recorded payload. Undecodable payloads are skipped.
func (f *FakeTransport) Messages() []*model.Message {
	var out []*model.Message
	for _, raw := range f.Sent() {
		msg, err := model.DecodeMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// MessagesOfType returns the decoded messages with the given type.
func (f *FakeTransport) MessagesOfType(t model.EventType) []*model.Message {
	var out []*model.Message
	for _, msg := range f.Messages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// Closed reports whether Close was called, with its code and reason.
func (f *FakeTransport) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}
