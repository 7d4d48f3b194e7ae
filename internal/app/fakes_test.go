package app

import (
	"context"
	"sync"

	"calbot/internal/transport"
)

type fakeGateway struct {
	mu      sync.Mutex
	sent    []transport.ChatTarget
	texts   []string
	answers map[string]string
	started bool
	stopped bool
}

func newFakeGateway() *fakeGateway { return &fakeGateway{answers: map[string]string{}} }

func (f *fakeGateway) Start(context.Context, chan<- transport.Update) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeGateway) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	f.answers[id] = text
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) answer(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[id]
}

func (f *fakeGateway) messages() ([]transport.ChatTarget, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ChatTarget(nil), f.sent...), append([]string(nil), f.texts...)
}
