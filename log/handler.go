package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &discardHandler{}
}

// TerminalHandler formats records as single human readable lines:
//
//	INFO [10-15|19:40:01.123] compiled block       mod=ppu_rec addr=0x00010000
type TerminalHandler struct {
	mu    *sync.Mutex
	wr    io.Writer
	lvl   slog.Level
	attrs []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler that writes records at or above lvl to wr.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level) *TerminalHandler {
	return &TerminalHandler{
		mu:  new(sync.Mutex),
		wr:  wr,
		lvl: lvl,
	}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(LevelAlignedString(r.Level))
	b.WriteString(" [")
	b.WriteString(r.Time.Format("01-02|15:04:05.000"))
	b.WriteString("] ")
	b.WriteString(r.Message)
	if pad := 40 - len(r.Message); pad > 0 && (len(h.attrs) > 0 || r.NumAttrs() > 0) {
		b.WriteString(strings.Repeat(" ", pad))
	}
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.wr, b.String())
	return err
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TerminalHandler{mu: h.mu, wr: h.wr, lvl: h.lvl, attrs: merged}
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		b.WriteString(v.Duration().Round(time.Microsecond).String())
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " =\"") {
			s = fmt.Sprintf("%q", s)
		}
		b.WriteString(s)
	default:
		b.WriteString(v.String())
	}
}
