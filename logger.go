package ripc

import (
	"io"
	"log/slog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// DiscardLogger returns a Logger that drops everything.
func DiscardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fieldLogger prepends fixed key/value pairs to every record.
type fieldLogger struct {
	l      Logger
	fields []any
}

func withFields(l Logger, kv ...any) Logger {
	if fl, ok := l.(*fieldLogger); ok {
		return &fieldLogger{l: fl.l, fields: append(append([]any(nil), fl.fields...), kv...)}
	}
	return &fieldLogger{l: l, fields: kv}
}

func (f *fieldLogger) args(args []any) []any {
	return append(append(make([]any, 0, len(f.fields)+len(args)), f.fields...), args...)
}

func (f *fieldLogger) Debug(msg string, args ...any) { f.l.Debug(msg, f.args(args)...) }
func (f *fieldLogger) Info(msg string, args ...any)  { f.l.Info(msg, f.args(args)...) }
func (f *fieldLogger) Warn(msg string, args ...any)  { f.l.Warn(msg, f.args(args)...) }
func (f *fieldLogger) Error(msg string, args ...any) { f.l.Error(msg, f.args(args)...) }
