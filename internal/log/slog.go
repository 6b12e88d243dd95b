package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// slogLogger renders through a handler stack of
// stackHandler -> traceHandler -> JSON or text handler.
// With derives a new handler, so loggers are safe to share.
type slogLogger struct {
	h          slog.Handler
	errorLinks int // 0 disables error_links
}

const defaultMaxErrorLinks = 8

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	h = traceHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}

	base := []slog.Attr{slog.String("app", opts.App)}
	for _, a := range []slog.Attr{
		slog.String("version", opts.Version),
		slog.String("commit", opts.Commit),
		slog.String("build_id", opts.BuildId),
	} {
		if a.Value.String() != "" {
			base = append(base, a)
		}
	}

	l := &slogLogger{h: h.WithAttrs(base)}
	if opts.IncludeErrorLinks {
		l.errorLinks = opts.MaxErrorLinks
		if l.errorLinks <= 0 {
			l.errorLinks = defaultMaxErrorLinks
		}
	}
	return l, nil
}

func (s *slogLogger) With(kv ...any) Logger {
	attrs := kvAttrs(kv)
	if len(attrs) == 0 {
		return s
	}
	return &slogLogger{h: s.h.WithAttrs(attrs), errorLinks: s.errorLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

// Error appends err and what can be learned from its chain: the concrete
// types, the kind attached by xerrors.Mark, each distinct message, and
// optionally the wrap sites.
func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := classifyTypes(err)
		kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
		if kind := errorKind(err); kind != "" {
			kv = append(kv, "error_kind", kind)
		}
		if chain := errorChain(err); len(chain) > 0 {
			kv = append(kv, "error_chain", chain)
		}
		if s.errorLinks > 0 {
			kv = append(kv, "error_links", chainLinks(err, s.errorLinks))
		}
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// emit must be called directly from the exported level methods so the
// recorded source is the caller of Info, Error, etc.
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // Callers, emit, level method
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// kvAttrs pairs up kv, dropping entries whose key is not a string and a
// trailing key without a value.
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}
