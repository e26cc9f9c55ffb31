package logger

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type sent struct {
	mu    sync.Mutex
	chat  int64
	texts []string
}

func (s *sent) send(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = chatID
	s.texts = append(s.texts, text)
	return nil
}

func (s *sent) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func channelLogger(w *ChannelWriter) zerolog.Logger {
	return zerolog.New(zerolog.MultiLevelWriter(io.Discard, w)).With().Timestamp().Logger()
}

func TestChannelWriterFiltersByLevel(t *testing.T) {
	s := &sent{}
	w := NewChannelWriter(-100, s.send, zerolog.WarnLevel, zerolog.Nop())
	log := channelLogger(w)

	log.Info().Msg("routine")
	log.Warn().Msg("disk nearly full")
	log.Error().Msg("restrict failed")

	if got := len(w.queue); got != 2 {
		t.Fatalf("queued %d lines, want 2", got)
	}
	if first := <-w.queue; first != "[WARN] disk nearly full" {
		t.Errorf("first line: got %q", first)
	}
}

func TestChannelWriterCarriesFields(t *testing.T) {
	w := NewChannelWriter(-100, (&sent{}).send, zerolog.WarnLevel, zerolog.Nop())
	log := channelLogger(w)

	log.Warn().Err(errors.New("chat not found")).
		Str("op", "ban").Int64("chat_id", -1001234567890).Int64("user_id", 42).
		Msg("cleanup action failed")

	got := <-w.queue
	want := "[WARN] cleanup action failed chat_id=-1001234567890 error=chat not found op=ban user_id=42"
	if got != want {
		t.Errorf("line:\n got %q\nwant %q", got, want)
	}
}

func TestChannelWriterPlainWrite(t *testing.T) {
	w := NewChannelWriter(-100, (&sent{}).send, zerolog.WarnLevel, zerolog.Nop())

	_, _ = w.Write([]byte(`{"level":"info","message":"skip"}`))
	_, _ = w.Write([]byte(`{"level":"error","message":"keep"}`))
	_, _ = w.Write([]byte("not json"))

	if got := len(w.queue); got != 1 {
		t.Fatalf("queued %d lines, want 1", got)
	}
	if line := <-w.queue; line != "[ERROR] keep" {
		t.Errorf("line: got %q", line)
	}
}

func TestChannelWriterServeDelivers(t *testing.T) {
	s := &sent{}
	w := NewChannelWriter(-100, s.send, zerolog.WarnLevel, zerolog.Nop())
	log := channelLogger(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()

	log.Error().Str("url", "https://api.telegram.org/bot"+token+"/getMe").Msg("call with " + token)

	deadline := time.Now().Add(2 * time.Second)
	for len(s.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	texts := s.snapshot()
	if len(texts) != 1 {
		t.Fatalf("delivered %d lines, want 1", len(texts))
	}
	if strings.Contains(texts[0], "AAHdqTcv") {
		t.Errorf("delivered text was not redacted: %q", texts[0])
	}
	if s.chat != -100 {
		t.Errorf("chat: got %d", s.chat)
	}
}

func TestChannelWriterDropsWhenFull(t *testing.T) {
	w := NewChannelWriter(1, func(context.Context, int64, string) error { return nil }, zerolog.WarnLevel, zerolog.Nop())
	log := channelLogger(w)

	for i := 0; i < channelQueueSize+5; i++ {
		log.Warn().Msg("flood")
	}
	if got := w.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestChannelWriterSendErrorDoesNotStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	send := func(context.Context, int64, string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("forbidden")
	}
	w := NewChannelWriter(1, send, zerolog.WarnLevel, zerolog.Nop())
	log := channelLogger(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()

	log.Warn().Msg("one")
	log.Warn().Msg("two")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("send called %d times, want 2", calls)
	}
}
