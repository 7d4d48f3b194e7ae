package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"calbot/internal/domain"
	"calbot/internal/eventbus"
	"calbot/internal/metrics"
	"calbot/internal/transport"
	"calbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	calls int
	errs  []error // returned in order; nil once exhausted
}

type sentMsg struct {
	to   transport.ChatTarget
	text string
	opt  transport.SendOptions
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: *opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) snapshot() ([]sentMsg, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...), f.calls
}

func startService(t *testing.T, cfg Config, ad transport.Adapter, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	s := New(cfg, ad, logx.Nop(), bus, metrics.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSendRendersEmbedWithActions(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startService(t, Config{}, ad, nil)

	embed := &transport.Embed{
		Title:   "Raid night",
		Actions: []transport.Action{{Label: "RSVP", Data: "rsvp:42"}},
	}
	if err := s.Send(context.Background(), 100, "@ops starting now", embed); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, _ := ad.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0]
	if m.to.ChatID != 100 || m.opt.ParseMode != "HTML" || len(m.opt.Actions) != 1 || m.opt.Actions[0].Data != "rsvp:42" {
		t.Fatalf("unexpected send: %+v", m)
	}
	if !strings.Contains(m.text, "<b>Raid night</b>") {
		t.Fatalf("embed not rendered: %q", m.text)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].ChannelID != 100 {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	s := startService(t, Config{RetryMax: 2}, ad, nil)

	if err := s.Send(context.Background(), 1, "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, calls := ad.snapshot()
	if len(sent) != 1 || calls != 3 {
		t.Fatalf("sent=%d calls=%d, want 1 and 3", len(sent), calls)
	}
}

func TestSendUnauthorizedIsNotRetried(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{domain.ErrNotifierUnauthorized}}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.NotifierFailed)
	defer unsub()
	s := startService(t, Config{RetryMax: 3}, ad, bus)

	err := s.Send(context.Background(), 1, "hello", nil)
	if !errors.Is(err, domain.ErrNotifierUnauthorized) {
		t.Fatalf("Send = %v, want ErrNotifierUnauthorized", err)
	}
	if _, calls := ad.snapshot(); calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	select {
	case ev := <-failed:
		if ev.Data.(NotificationEvent).ChannelID != 1 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notifier.failed event")
	}
}

func TestSendDedupWindow(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startService(t, Config{DedupWindow: time.Minute}, ad, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, 5, "same text", nil); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if err := s.Send(ctx, 6, "same text", nil); err != nil {
		t.Fatalf("Send other channel: %v", err)
	}
	if sent, _ := ad.snapshot(); len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
}

func TestSendStates(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := disabled.Send(context.Background(), 1, "x", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Send = %v", err)
	}

	s := New(Config{Enabled: true}, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Send(context.Background(), 1, "x", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send before Start = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Send(context.Background(), 1, "x", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send after Stop = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("retryDelay(1) = %v, want ~100ms", d)
	}
}
