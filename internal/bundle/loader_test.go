package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/audio"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

// Start

func TestStart_RepeatedCallsFetchOnce(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")

	if !l.Start(t.Context()) {
		t.Fatal("first Start should schedule a fetch")
	}
	for i := 0; i < 5; i++ {
		if l.Start(t.Context()) {
			t.Fatalf("Start #%d while downloading should be a no-op", i+2)
		}
	}
	if l.State() != StateDownloading {
		t.Fatalf("state = %v, want downloading", l.State())
	}
	if n := f.exec.run(); n != 1 {
		t.Fatalf("scheduled %d tasks, want 1", n)
	}
	if f.fetcher.count("env01") != 1 {
		t.Fatalf("fetch count = %d, want 1", f.fetcher.count("env01"))
	}

	// Ready is terminal for Start as well
	if l.Start(t.Context()) {
		t.Fatal("Start on a ready loader should be a no-op")
	}
	if f.exec.pending() != 0 {
		t.Fatal("Start on a ready loader scheduled work")
	}
}

func TestStart_AfterDisposeIsNoop(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")
	l.Dispose()

	if l.Start(t.Context()) {
		t.Fatal("Start after Dispose should be a no-op")
	}
	if f.exec.pending() != 0 {
		t.Fatal("Start after Dispose scheduled work")
	}
}

func TestStart_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")

	ctx, cancel := context.WithCancel(t.Context())
	l.Start(ctx)
	cancel()
	f.exec.run()

	if l.State() != StateReady {
		t.Fatalf("state = %v, want ready (err=%v)", l.State(), l.Err())
	}
}

// successful load: env01 example

func TestLoad_Env01PublishesAtlas(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")

	fired := 0
	l.OnComplete(func() { fired++ })

	l.Start(t.Context())
	f.exec.run()

	if !l.Complete() || l.State() != StateReady {
		t.Fatalf("complete=%v state=%v err=%v", l.Complete(), l.State(), l.Err())
	}
	if fired != 1 {
		t.Fatalf("OnComplete fired %d times, want 1", fired)
	}

	a, ok := f.resolver.Resolve("env01_atlas")
	if !ok || a == nil {
		t.Fatal("env01_atlas not resolvable")
	}
	if string(a.TextureData) != "PNGDATA" {
		t.Fatalf("texture = %q", a.TextureData)
	}
	if s, ok := a.Sprite("tree"); !ok || s.H != 64 {
		t.Fatalf("sprite tree = %+v, %v", s, ok)
	}
	if !reflect.DeepEqual(l.Atlases(), []string{"env01_atlas"}) {
		t.Fatalf("Atlases = %v", l.Atlases())
	}

	c := l.Content()
	if c == nil {
		t.Fatal("content nil on ready loader")
	}
	if b, err := c.ReadFile("readme.txt"); err != nil || string(b) != "env01" {
		t.Fatalf("ReadFile = %q, %v", b, err)
	}
	if c.Files != 3 || c.Hash == "" {
		t.Fatalf("content files=%d hash=%q", c.Files, c.Hash)
	}

	l.Dispose()

	a, ok = f.resolver.Resolve("env01_atlas")
	if ok || a != nil {
		t.Fatal("env01_atlas still resolvable after Dispose")
	}
	if !c.Released() {
		t.Fatal("content not released on Dispose")
	}
	if _, err := c.ReadFile("readme.txt"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("ReadFile after release = %v, want ErrDisposed", err)
	}
	if l.Content() != nil {
		t.Fatal("Content() should be nil after Dispose")
	}
	if f.metrics.loads["ok"] != 1 {
		t.Fatalf("ok loads = %d", f.metrics.loads["ok"])
	}
}

func TestLoad_Sfx01RegistersClips(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "sfx01")
	l.Start(t.Context())
	f.exec.run()

	if !reflect.DeepEqual(f.bank.Clips("ui"), []string{"click", "hover"}) {
		t.Fatalf("ui clips = %v", f.bank.Clips("ui"))
	}
	if !reflect.DeepEqual(l.Clips(), []string{"click", "hover", "wind"}) {
		t.Fatalf("loader clips = %v", l.Clips())
	}

	l.Dispose()
	if f.bank.Len() != 0 {
		t.Fatalf("bank still has %d clips after Dispose", f.bank.Len())
	}
}

// Complete

func TestComplete_Monotonic(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")
	l.Start(t.Context())
	f.exec.run()

	if !l.Complete() {
		t.Fatal("expected complete")
	}
	l.Start(t.Context())
	l.Dispose()
	if !l.Complete() {
		t.Fatal("Complete reverted")
	}

	late := 0
	l.OnComplete(func() { late++ })
	if late != 1 {
		t.Fatal("late OnComplete subscriber should run immediately")
	}
}

// failures: sfx01 example

func TestLoad_FetchFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fail("sfx01", errors.New("connection reset by peer"))
	l := f.get(t, "sfx01")

	fired := 0
	l.OnComplete(func() { fired++ })

	l.Start(t.Context())
	f.exec.run()

	if l.Complete() {
		t.Fatal("complete after failed fetch")
	}
	if l.State() != StateFailed {
		t.Fatalf("state = %v, want failed", l.State())
	}
	err := l.Err()
	if !errors.Is(err, ErrBundleFetch) {
		t.Fatalf("Err = %v, want ErrBundleFetch", err)
	}
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.URL != testRoot+"/Bundles/sfx01" {
		t.Fatalf("error does not carry the URL: %v", err)
	}
	if werr := l.Wait(t.Context()); werr != err {
		t.Fatalf("Wait = %v, want %v", werr, err)
	}
	if f.bank.Len() != 0 {
		t.Fatal("failed loader registered clips")
	}
	if f.metrics.loads["error"] != 1 {
		t.Fatalf("error loads = %d", f.metrics.loads["error"])
	}

	f.fetcher.put("sfx01", sfx01Bundle(t))
	if !l.Start(t.Context()) {
		t.Fatal("Start after failure should re-attempt")
	}
	if l.Err() != nil {
		t.Fatal("Err should be cleared when a new attempt starts")
	}
	f.exec.run()

	if f.fetcher.count("sfx01") != 2 {
		t.Fatalf("fetch count = %d, want 2", f.fetcher.count("sfx01"))
	}
	if !l.Complete() || fired != 1 {
		t.Fatalf("complete=%v fired=%d after retry", l.Complete(), fired)
	}
}

func TestLoad_ChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	f.fetcher.put("env01", makeTarGz(t, map[string]string{"tampered": "x"}))
	l := f.get(t, "env01")
	l.Start(t.Context())
	f.exec.run()

	err := l.Err()
	if !errors.Is(err, ErrBundleFetch) || !errors.Is(err, fetch.ErrChecksumMismatch) {
		t.Fatalf("Err = %v, want ErrBundleFetch wrapping checksum mismatch", err)
	}
	if l.Complete() {
		t.Fatal("complete after checksum mismatch")
	}
}

func TestLoad_InvalidArchive(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) []byte
	}{
		{"not gzip", func(*testing.T) []byte { return []byte("plain text") }},
		{"bad atlas json", func(t *testing.T) []byte {
			return makeTarGz(t, map[string]string{"atlases/a.json": "{"})
		}},
		{"audio group without key", func(t *testing.T) []byte {
			return makeTarGz(t, map[string]string{"audio/a.json": `{"groups":[{"clips":["x"]}]}`})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body := tt.body(t)
			f.fetcher.put("env01", body)
			f.catalog.descs["env01"] = catalog.Descriptor{Name: "env01", Hash: cryptoutil.SHA256Hex(body)}

			l := f.get(t, "env01")
			l.Start(t.Context())
			f.exec.run()

			if !errors.Is(l.Err(), ErrBundleInvalid) {
				t.Fatalf("Err = %v, want ErrBundleInvalid", l.Err())
			}
			if l.State() != StateFailed || l.Complete() {
				t.Fatalf("state=%v complete=%v", l.State(), l.Complete())
			}
			if f.metrics.loads["invalid"] != 1 {
				t.Fatalf("invalid loads = %d", f.metrics.loads["invalid"])
			}
		})
	}
}

// Dispose

func TestDispose_DuringFlightRegistersNothing(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")

	fired := 0
	l.OnComplete(func() { fired++ })

	l.Start(t.Context())
	l.Dispose()
	f.exec.run() // fetch completes after disposal

	if l.State() != StateDisposed {
		t.Fatalf("state = %v, want disposed", l.State())
	}
	if l.Complete() || fired != 0 {
		t.Fatalf("complete=%v fired=%d, want false,0", l.Complete(), fired)
	}
	if f.resolver.Len() != 0 || f.bank.Len() != 0 {
		t.Fatalf("registrations after dispose: atlases=%d clips=%d", f.resolver.Len(), f.bank.Len())
	}
	if l.Content() != nil {
		t.Fatal("disposed loader holds content")
	}
	if f.metrics.loads["discarded"] != 1 {
		t.Fatalf("discarded loads = %d", f.metrics.loads["discarded"])
	}
	if _, ok := f.mgr.Lookup("env01"); ok {
		t.Fatal("disposed loader still registered")
	}
}

// hookLogger runs onInfo for every Info record, letting a test act at the
// exact point a message is logged.
type hookLogger struct {
	log.Logger
	onInfo func(msg string)
}

func (h *hookLogger) With(...any) log.Logger { return h }

func (h *hookLogger) Info(_ context.Context, msg string, _ ...any) {
	if h.onInfo != nil {
		h.onInfo(msg)
	}
}

func TestDispose_BetweenReadyAndComplete(t *testing.T) {
	f := newFixture(t)
	var l *Loader
	f.mgr.logger = &hookLogger{
		Logger: log.Nop(),
		onInfo: func(msg string) {
			if msg == "bundle ready" {
				l.Dispose()
			}
		},
	}
	l = f.get(t, "env01")

	fired := 0
	l.OnComplete(func() { fired++ })

	l.Start(t.Context())
	f.exec.run()

	if l.State() != StateDisposed {
		t.Fatalf("state = %v, want disposed", l.State())
	}
	if l.Complete() || fired != 0 {
		t.Fatalf("complete=%v fired=%d, want false,0", l.Complete(), fired)
	}
	if l.Content() != nil {
		t.Fatal("disposed loader holds content")
	}
	if f.resolver.Len() != 0 || f.bank.Len() != 0 {
		t.Fatalf("registrations after dispose: atlases=%d clips=%d", f.resolver.Len(), f.bank.Len())
	}
	if f.metrics.loads["discarded"] != 1 || f.metrics.loads["ok"] != 0 {
		t.Fatalf("loads = %v, want one discarded", f.metrics.loads)
	}
}

func TestDispose_DuringFlightConcurrent(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.fetcher.gate = gate
	f.mgr.exec = GoExecutor{}

	l := f.get(t, "env01")
	l.Start(t.Context())

	waitErr := make(chan error, 1)
	go func() { waitErr <- l.Wait(t.Context()) }()

	deadline := time.After(5 * time.Second)
	for f.fetcher.count("env01") == 0 {
		select {
		case <-deadline:
			t.Fatal("fetch never started")
		case <-time.After(time.Millisecond):
		}
	}

	l.Dispose()
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("Wait = %v, want ErrDisposed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Dispose")
	}

	close(gate)

	// let the background task drain
	deadline = time.After(5 * time.Second)
	for {
		f.metrics.mu.Lock()
		n := f.metrics.loads["discarded"]
		f.metrics.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("fetch task never finished")
		case <-time.After(time.Millisecond):
		}
	}
	if l.Complete() || f.resolver.Len() != 0 {
		t.Fatal("late completion published resources")
	}
}

func TestDispose_Idempotent(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")
	l.Start(t.Context())
	f.exec.run()

	l.Dispose()
	l.Dispose()

	if f.metrics.disposals != 1 {
		t.Fatalf("disposals = %d, want 1", f.metrics.disposals)
	}
}

func TestDispose_DoesNotRemoveReplacement(t *testing.T) {
	f := newFixture(t)
	old := f.get(t, "env01")
	old.Dispose()
	fresh := f.get(t, "env01")

	// a second Dispose of the old instance must not evict the new one
	old.Dispose()
	got, ok := f.mgr.Lookup("env01")
	if !ok || got != fresh {
		t.Fatal("replacement loader was removed")
	}
}

func TestDispose_SharedAtlasNameFallsBack(t *testing.T) {
	f := newFixture(t)
	shared := makeTarGz(t, map[string]string{"atlases/ui.json": `{"texture":"missing.png"}`})
	for _, name := range []string{"env01", "sfx01"} {
		f.fetcher.put(name, shared)
		f.catalog.descs[name] = catalog.Descriptor{Name: name, Hash: cryptoutil.SHA256Hex(shared)}
	}

	first := f.get(t, "env01")
	second := f.get(t, "sfx01")
	first.Start(t.Context())
	f.exec.run()
	second.Start(t.Context())
	f.exec.run()

	second.Dispose()
	if _, ok := f.resolver.Resolve("ui"); !ok {
		t.Fatal("ui should still resolve through the first owner")
	}
	first.Dispose()
	if _, ok := f.resolver.Resolve("ui"); ok {
		t.Fatal("ui should be gone once both owners are disposed")
	}
}

// Wait / Load

func TestWait_States(t *testing.T) {
	f := newFixture(t)
	l := f.get(t, "env01")

	if err := l.Wait(t.Context()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Wait idle = %v, want ErrNotStarted", err)
	}

	l.Start(t.Context())
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait in flight = %v, want deadline exceeded", err)
	}

	f.exec.run()
	if err := l.Wait(t.Context()); err != nil {
		t.Fatalf("Wait ready = %v", err)
	}

	l.Dispose()
	if err := l.Wait(t.Context()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Wait disposed = %v, want ErrDisposed", err)
	}
}

func TestLoad_FromLocalFiles(t *testing.T) {
	root := t.TempDir()
	data := env01Bundle(t)
	if err := os.MkdirAll(filepath.Join(root, "Bundles"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "Bundles", "env01"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	mux := fetch.NewMux(nil)
	mux.Handle("file", &fetch.FileFetcher{})
	resolver := atlas.NewResolver()
	mgr, err := NewManager(Options{
		Catalog:     newFakeCatalog(catalog.Descriptor{Name: "env01", Hash: cryptoutil.SHA256Hex(data)}),
		Fetcher:     mux,
		Atlases:     resolver,
		Audio:       audio.NewBank(),
		ContentRoot: root,
		LocalFiles:  true,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	l, err := mgr.GetLoader("env01")
	if err != nil {
		t.Fatalf("GetLoader: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := resolver.Resolve("env01_atlas"); !ok {
		t.Fatal("atlas not published")
	}
	mgr.Close(t.Context())
	if resolver.Len() != 0 {
		t.Fatal("atlas survived Close")
	}
}

// State

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:        "idle",
		StateDownloading: "downloading",
		StateReady:       "ready",
		StateFailed:      "failed",
		StateDisposed:    "disposed",
		State(42):        "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
