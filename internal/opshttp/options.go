package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	OnPanic     func() // called after a recovered panic, e.g. to bump a counter
}
