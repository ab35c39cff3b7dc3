package gpool

import "github.com/sirupsen/logrus"

// Logger is a minimal leveled, structured logging seam so the pool can be
// embedded in a host application's own logging pipeline rather than
// writing to stdout directly, following the component-scoped pattern used
// across the corpus (e.g. opd-ai/go-tor's logger.Component()).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// noopLogger discards everything; used when no Logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// logrusLogger adapts *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger returns a Logger backed by logrus, scoped to the given
// component name (e.g. "pool", "holder", "transaction").
func NewLogrusLogger(component string) Logger {
	return &logrusLogger{entry: logrus.WithField("component", component)}
}

func (l *logrusLogger) fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *logrusLogger) Debug(msg string, kv ...any) {
	l.entry.WithFields(l.fields(kv)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, kv ...any) {
	l.entry.WithFields(l.fields(kv)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, kv ...any) {
	l.entry.WithFields(l.fields(kv)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, kv ...any) {
	l.entry.WithFields(l.fields(kv)).Error(msg)
}
