package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

type logSink struct {
	mu      sync.Mutex
	entries []logEntry
}

// recLogger records every call, merging With() fields into each entry.
type recLogger struct {
	sink *logSink
	with []any
}

func newRecLogger() *recLogger { return &recLogger{sink: &logSink{}} }

func (l *recLogger) With(kv ...any) log.Logger {
	merged := append(append([]any{}, l.with...), kv...)
	return &recLogger{sink: l.sink, with: merged}
}

func (l *recLogger) record(level, msg string, err error, kv []any) {
	fields := make(map[string]any)
	all := append(append([]any{}, l.with...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		if k, ok := all[i].(string); ok {
			fields[k] = all[i+1]
		}
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) { l.record("debug", msg, nil, kv) }
func (l *recLogger) Info(_ context.Context, msg string, kv ...any)  { l.record("info", msg, nil, kv) }
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any)  { l.record("warn", msg, nil, kv) }
func (l *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.record("error", msg, err, kv)
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) entries() []logEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]logEntry(nil), l.sink.entries...)
}

func (l *recLogger) only(t *testing.T) logEntry {
	t.Helper()
	es := l.entries()
	if len(es) != 1 {
		t.Fatalf("got %d log entries, want 1: %+v", len(es), es)
	}
	return es[0]
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})
