package logbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TargetKey is the slog attribute the daemon uses to tag per-target log
// records. The bus handler lifts it out of the record so subscribers can
// filter on it.
const TargetKey = "target"

// BusHandler is a slog.Handler that forwards records to an inner handler
// and tees them onto a Bus, so the process log and the dashboard stream
// carry the same lines.
type BusHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
}

// NewBusHandler wraps inner so every record is also published to bus.
func NewBusHandler(inner slog.Handler, bus *Bus) *BusHandler {
	return &BusHandler{inner: inner, bus: bus}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	target := ""
	var parts []string

	collect := func(a slog.Attr) {
		if a.Key == TargetKey {
			target = a.Value.String()
			return
		}
		parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	msg := r.Message
	if len(parts) > 0 {
		msg += " " + strings.Join(parts, " ")
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.bus.Publish(Event{
		Timestamp: ts,
		Level:     levelFromSlog(r.Level),
		Target:    target,
		Message:   msg,
	})

	return h.inner.Handle(ctx, r)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BusHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: merged}
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	default:
		return LevelInfo
	}
}
