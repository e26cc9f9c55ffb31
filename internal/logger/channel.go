package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SendFunc delivers text to a Telegram chat.
type SendFunc func(ctx context.Context, chatID int64, text string) error

const (
	channelQueueSize   = 64
	channelSendTimeout = 5 * time.Second
)

// ChannelWriter mirrors warn-and-above log lines into a Telegram log channel.
// It is a zerolog.LevelWriter, so it sees each event's fields (error, chat,
// user) and not just the message. Writes never block the logging goroutine:
// lines are queued and Serve delivers them. When the queue is full the line
// is dropped.
type ChannelWriter struct {
	chatID   int64
	send     SendFunc
	min      zerolog.Level
	queue    chan string
	dropped  atomic.Uint64
	fallback zerolog.Logger
}

// NewChannelWriter returns a writer for chatID. Delivery failures go to
// fallback, which must not write to this ChannelWriter.
func NewChannelWriter(chatID int64, send SendFunc, min zerolog.Level, fallback zerolog.Logger) *ChannelWriter {
	return &ChannelWriter{
		chatID:   chatID,
		send:     send,
		min:      min,
		queue:    make(chan string, channelQueueSize),
		fallback: fallback,
	}
}

// Write implements io.Writer for callers that do not pass a level; the level
// is read from the line itself.
func (w *ChannelWriter) Write(p []byte) (int, error) {
	w.enqueue(zerolog.NoLevel, p)
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *ChannelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.enqueue(level, p)
	return len(p), nil
}

func (w *ChannelWriter) enqueue(level zerolog.Level, p []byte) {
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return
	}
	if level == zerolog.NoLevel {
		if s, ok := fields[zerolog.LevelFieldName].(string); ok {
			if l, err := zerolog.ParseLevel(s); err == nil {
				level = l
			}
		}
	}
	if level < w.min || level >= zerolog.NoLevel {
		return
	}
	text := format(level, fields)
	if text == "" {
		return
	}
	select {
	case w.queue <- Redact(text):
	default:
		w.dropped.Add(1)
	}
}

// format renders "[LEVEL] message key=value ..." with keys sorted.
func format(level zerolog.Level, fields map[string]any) string {
	msg, _ := fields[zerolog.MessageFieldName].(string)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		switch k {
		case zerolog.LevelFieldName, zerolog.TimestampFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	if msg == "" && len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[" + strings.ToUpper(level.String()) + "] " + msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// Dropped returns the number of lines discarded because the queue was full.
func (w *ChannelWriter) Dropped() uint64 { return w.dropped.Load() }

// Serve delivers queued lines until ctx is cancelled.
func (w *ChannelWriter) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-w.queue:
			sendCtx, cancel := context.WithTimeout(ctx, channelSendTimeout)
			if err := w.send(sendCtx, w.chatID, text); err != nil {
				w.fallback.Warn().Err(err).Int64("chat_id", w.chatID).Msg("log channel delivery failed")
			}
			cancel()
		}
	}
}
