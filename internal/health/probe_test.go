package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// Fixed

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "manifest missing").Check(context.Background()); err == nil || err.Error() != "manifest missing" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v, want default reason", err)
	}
}

// All / Any

func TestAll(t *testing.T) {
	ctx := context.Background()
	calls := 0
	counting := CheckFunc(func(context.Context) error { calls++; return nil })

	if err := All(Fixed(true, ""), nil, counting).Check(ctx); err != nil {
		t.Fatalf("all pass: %v", err)
	}
	err := All(Fixed(false, "first"), Fixed(false, "second"), counting).Check(ctx)
	if err == nil || err.Error() != "first" {
		t.Fatalf("err = %v, want first failure", err)
	}
	if calls != 1 {
		t.Fatalf("All should short-circuit, calls = %d", calls)
	}
	if err := All().Check(ctx); err != nil {
		t.Fatalf("empty All = %v", err)
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()

	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(ctx); err != nil {
		t.Fatalf("one passing: %v", err)
	}
	if err := Any(Fixed(false, "a"), nil, Fixed(false, "b")).Check(ctx); err == nil || err.Error() != "b" {
		t.Fatalf("err = %v, want last failure", err)
	}
	if err := Any(nil).Check(ctx); err == nil || err.Error() != "no healthy probes" {
		t.Fatalf("only nil probes = %v", err)
	}
}

// CatalogReady

type stubCatalog struct {
	ready bool
	err   error
}

func (s *stubCatalog) Ready() bool { return s.ready }
func (s *stubCatalog) Err() error  { return s.err }

func TestCatalogReady(t *testing.T) {
	ctx := context.Background()
	c := &stubCatalog{}
	p := CatalogReady(c)

	if err := p.Check(ctx); err == nil || !strings.Contains(err.Error(), "manifest not loaded") {
		t.Fatalf("fresh catalog = %v", err)
	}

	fetchErr := errors.New("GET manifest.json: 503")
	c.err = fetchErr
	err := p.Check(ctx)
	if !errors.Is(err, fetchErr) {
		t.Fatalf("err = %v, want to wrap the refresh error", err)
	}

	// a later refresh failure does not undo readiness
	c.ready = true
	if err := p.Check(ctx); err != nil {
		t.Fatalf("ready catalog = %v", err)
	}
}

// ShutdownGate

func TestShutdownGate(t *testing.T) {
	ctx := context.Background()
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(ctx); err != nil || g.Draining() {
		t.Fatalf("open gate = %v", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v, want default reason", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("closed gate = %v", err)
	}
	g.Clear()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("cleared gate = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if !g.Draining() {
		t.Fatal("gate should be draining")
	}
}

func TestReadiness_GateAndCatalog(t *testing.T) {
	ctx := context.Background()
	var g ShutdownGate
	c := &stubCatalog{}
	p := All(g.Probe(), CatalogReady(c))

	if err := p.Check(ctx); err == nil {
		t.Fatal("should fail before the manifest loads")
	}
	c.ready = true
	if err := p.Check(ctx); err != nil {
		t.Fatalf("should pass: %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("should fail on gate, got %v", err)
	}
}
