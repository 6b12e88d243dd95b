package httpmw

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

func TestAccessWriter_Status(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter)
		wantCode  int
		wantBytes int64
	}{
		{name: "nothing written", write: func(http.ResponseWriter) {}, wantCode: http.StatusOK},
		{name: "body only", write: func(w http.ResponseWriter) { w.Write([]byte("atlas")) }, wantCode: http.StatusOK, wantBytes: 5},
		{name: "header then body", write: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"state":"loading"}`))
		}, wantCode: http.StatusAccepted, wantBytes: 19},
		{name: "first header wins", write: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusNotFound)
			w.WriteHeader(http.StatusOK)
		}, wantCode: http.StatusNotFound},
		{name: "accumulates", write: func(w http.ResponseWriter) {
			w.Write([]byte("abc"))
			w.Write([]byte("defg"))
		}, wantCode: http.StatusOK, wantBytes: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			aw := newAccessWriter(httptest.NewRecorder(), req, time.Now())
			tt.write(aw)
			aw.end()
			if aw.statusCode() != tt.wantCode {
				t.Fatalf("status = %d, want %d", aw.statusCode(), tt.wantCode)
			}
			if aw.bytes != tt.wantBytes {
				t.Fatalf("bytes = %d, want %d", aw.bytes, tt.wantBytes)
			}
		})
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flushRecorder) Flush() { f.flushed = true }

func TestAccessWriter_FlushUnwrap(t *testing.T) {
	inner := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	aw := newAccessWriter(inner, httptest.NewRequest(http.MethodGet, "/", http.NoBody), time.Now())

	aw.Flush()
	if !inner.flushed {
		t.Fatal("Flush not forwarded")
	}
	if aw.Unwrap() != http.ResponseWriter(inner) {
		t.Fatal("Unwrap should return the wrapped writer")
	}

	// no panic when the inner writer cannot flush
	plain := newAccessWriter(struct{ http.ResponseWriter }{httptest.NewRecorder()}, httptest.NewRequest(http.MethodGet, "/", http.NoBody), time.Now())
	plain.Flush()
}

type failingWriter struct{ *httptest.ResponseRecorder }

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestAccessWriter_WriteSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, parent := tp.Tracer("test").Start(context.Background(), "request")
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	aw := newAccessWriter(failingWriter{httptest.NewRecorder()}, req, time.Now())
	aw.WriteHeader(http.StatusBadGateway)
	if _, err := aw.Write([]byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	aw.end()
	aw.end()
	parent.End()

	var write sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "response.write" {
			write = s
		}
	}
	if write == nil {
		t.Fatal("response.write span not recorded")
	}
	if v, _ := spanAttr(write, "http.response.status_code"); v != "502" {
		t.Fatalf("status attr = %q", v)
	}
	if write.Status().Description != "broken pipe" {
		t.Fatalf("span status = %+v", write.Status())
	}
	if write.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Fatal("response.write should be a child of the request span")
	}
}

func TestAccessWriter_NoSpanWithoutRecordingParent(t *testing.T) {
	aw := newAccessWriter(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody), time.Now())
	aw.Write([]byte("x"))
	if aw.span != nil {
		t.Fatal("span started without a recording parent")
	}
	aw.end()
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		xfp    string
		scheme string
		tls    bool
		want   string
	}{
		{name: "default", want: "http"},
		{name: "tls", tls: true, want: "https"},
		{name: "forwarded https", xfp: "https", want: "https"},
		{name: "forwarded case", xfp: " HTTPS ", want: "https"},
		{name: "forwarded list", xfp: "https, http", want: "https"},
		{name: "forwarded wins over tls", xfp: "http", tls: true, want: "http"},
		{name: "forwarded junk", xfp: "gopher", want: "http"},
		{name: "forwarded injection", xfp: "https\nlevel=error", want: "http"},
		{name: "forwarded nul", xfp: "ht\x00tps", want: "http"},
		{name: "url scheme", scheme: "https", want: "https"},
		{name: "url scheme junk", scheme: "ftp", want: "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.xfp != "" {
				req.Header["X-Forwarded-Proto"] = []string{tt.xfp}
			}
			if tt.scheme != "" {
				req.URL = &url.URL{Scheme: tt.scheme, Host: "example", Path: "/"}
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(req); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}
}

func FuzzSchemeFromRequest(f *testing.F) {
	f.Add("https")
	f.Add("HTTP, https")
	f.Add("\r\njavascript:")
	f.Fuzz(func(t *testing.T, xfp string) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header["X-Forwarded-Proto"] = []string{xfp}
		if s := schemeFromRequest(req); s != "http" && s != "https" {
			t.Fatalf("scheme %q escaped for input %q", s, xfp)
		}
	})
}

func TestWithLogger_Fields(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		clientIP   string
		wantClient string
		wantPeer   string
	}{
		{name: "peer only", remote: "10.0.0.5:5123", wantClient: "10.0.0.5", wantPeer: "10.0.0.5"},
		{name: "resolved client", remote: "10.0.0.5:5123", clientIP: "203.0.113.9", wantClient: "203.0.113.9", wantPeer: "10.0.0.5"},
		{name: "no port", remote: "unix-socket", wantClient: "unix-socket", wantPeer: "unix-socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newRecLogger()
			h := WithLogger(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				log.FromContext(r.Context()).Info(r.Context(), "inside")
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/bundles/env01/load?token=secret", http.NoBody)
			req.RemoteAddr = tt.remote
			ctx := WithRequestID(req.Context(), "req-1")
			if tt.clientIP != "" {
				ctx = WithClientIP(ctx, tt.clientIP)
			}
			serve(h, req.WithContext(ctx))

			e := rl.only(t)
			want := map[string]any{
				"request_id":           "req-1",
				"client.address":       tt.wantClient,
				"network.peer.address": tt.wantPeer,
				"http.request.method":  http.MethodPost,
				"url.path":             "/api/bundles/env01/load",
				"url.scheme":           "http",
			}
			for k, v := range want {
				if e.fields[k] != v {
					t.Errorf("%s = %v, want %v", k, e.fields[k], v)
				}
			}
			for k, v := range e.fields {
				if s, ok := v.(string); ok && strings.Contains(s, "secret") {
					t.Errorf("query string leaked via %s=%q", k, s)
				}
			}
		})
	}
}

func TestWithLogger_NilBase(t *testing.T) {
	rec := serve(WithLogger(nil)(okHandler), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

// bundleAPI mirrors the shape of the bundle routes behind WithLogger and AccessLog.
func bundleAPI(rl *recLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/-/ready", okHandler)
	r.Get("/api/bundles/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"env01"}`))
	})
	r.Post("/api/bundles/{name}/load", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fetch failed", http.StatusBadGateway)
	})
	return WithLogger(rl)(r)
}

func TestAccessLog(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantLevel  string
		wantStatus int
		wantRoute  string
		wantBundle string
	}{
		{name: "get bundle", method: http.MethodGet, path: "/api/bundles/env01", wantLevel: "info", wantStatus: 200, wantRoute: "/api/bundles/{name}", wantBundle: "env01"},
		{name: "server error warns", method: http.MethodPost, path: "/api/bundles/env02/load", body: "{}", wantLevel: "warn", wantStatus: 502, wantRoute: "/api/bundles/{name}/load", wantBundle: "env02"},
		{name: "unmatched", method: http.MethodGet, path: "/wp-login.php", wantLevel: "info", wantStatus: 404, wantRoute: "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newRecLogger()
			serve(bundleAPI(rl), httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))

			e := rl.only(t)
			if e.msg != "http request" || e.level != tt.wantLevel {
				t.Fatalf("entry = %s %q, want %s %q", e.level, e.msg, tt.wantLevel, "http request")
			}
			if e.fields["http.response.status_code"] != tt.wantStatus {
				t.Errorf("status = %v, want %d", e.fields["http.response.status_code"], tt.wantStatus)
			}
			if e.fields["http.route"] != tt.wantRoute {
				t.Errorf("route = %v, want %q", e.fields["http.route"], tt.wantRoute)
			}
			if got, _ := e.fields["bundle.name"].(string); got != tt.wantBundle {
				t.Errorf("bundle.name = %q, want %q", got, tt.wantBundle)
			}
			if e.fields["http.request.body.size"] != int64(len(tt.body)) {
				t.Errorf("request size = %v, want %d", e.fields["http.request.body.size"], len(tt.body))
			}
			if d, ok := e.fields["http.server.request.duration"].(float64); !ok || d < 0 {
				t.Errorf("duration = %v", e.fields["http.server.request.duration"])
			}
		})
	}
}

func TestAccessLog_ResponseSize(t *testing.T) {
	rl := newRecLogger()
	serve(bundleAPI(rl), httptest.NewRequest(http.MethodGet, "/api/bundles/env01", http.NoBody))
	if got := rl.only(t).fields["http.response.body.size"]; got != int64(len(`{"name":"env01"}`)) {
		t.Fatalf("response size = %v", got)
	}
}

func TestAccessLog_SkipsProbes(t *testing.T) {
	rl := newRecLogger()
	rec := serve(bundleAPI(rl), httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := len(rl.entries()); n != 0 {
		t.Fatalf("probe logged %d entries", n)
	}
}

func TestAccessLog_NoLogger(t *testing.T) {
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/api/bundles", okHandler)
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/api/bundles", http.NoBody)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestScope(t *testing.T) {
	rl := newRecLogger()
	h := WithLogger(rl)(Scope("atlases")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "resolving atlas")
	})))
	serve(h, httptest.NewRequest(http.MethodGet, "/api/atlases/env01_atlas", http.NoBody))

	e := rl.only(t)
	if e.fields["handler"] != "atlases" {
		t.Fatalf("handler = %v, want atlases", e.fields["handler"])
	}
	if e.fields["request_id"] == nil {
		t.Fatal("scope should keep request fields")
	}
}
