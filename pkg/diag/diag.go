// Package diag carries non-fatal signals such as deprecation notices out of
// the resolution path.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a signal.
type Kind string

const (
	KindDeprecation Kind = "deprecation"
	KindWarning     Kind = "warning"
)

// Signal is one diagnostic event.
type Signal struct {
	Kind    Kind
	Source  string
	Message string
	At      time.Time
}

// Sink accepts signals. Implementations must not block the caller.
type Sink interface {
	Emit(Signal)
}

// Emit delivers sig to sink, stamping the time and swallowing panics so a
// faulty sink cannot fail the caller.
func Emit(sink Sink, sig Signal) {
	if sink == nil {
		return
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	defer func() { _ = recover() }()
	sink.Emit(sig)
}

// Deprecated emits a deprecation signal for source.
func Deprecated(sink Sink, source, message string) {
	Emit(sink, Signal{Kind: KindDeprecation, Source: source, Message: message})
}

// SlogSink logs deprecations at Info and warnings at Warn.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(sig Signal) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if sig.Kind == KindWarning {
		level = slog.LevelWarn
	}
	l.LogAttrs(context.Background(), level, sig.Message,
		slog.String("signal", string(sig.Kind)),
		slog.String("source", sig.Source),
	)
}

// Discard drops every signal.
type Discard struct{}

func (Discard) Emit(Signal) {}

// Recorder keeps every signal in memory. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *Recorder) Emit(sig Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
}

// Signals returns a copy of what was recorded.
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

// Count returns how many signals of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops the recorded signals.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.signals = nil
	r.mu.Unlock()
}
