// Package prof runs continuous profiling with Pyroscope and labels the
// bundle pipeline so its samples can be filtered per bundle.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	SetProfilingActive(active bool)
}

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// Mutex and block profiles are collected only when their rate is set.
	ProfileMutexFraction int
	BlockProfileRate     int

	Metrics Metrics
}

func (o Options) profileTypes() []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func (o Options) setActive(active bool) {
	if o.Metrics != nil {
		o.Metrics.SetProfilingActive(active)
	}
}

// Start begins profiling. The returned stop func is never nil and may be
// called more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("app_name", opts.AppName)
	opts.setActive(false)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.New("invalid server address: empty")
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    opts.profileTypes(),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress)
		return noop, xerrors.Wrap(err, "pyroscope start")
	}

	opts.setActive(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "pyroscope stop", "err", err)
			}
			opts.setActive(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

// Do runs fn with the given label pairs attached to its goroutine's
// profiling samples. It needs no running profiler.
func Do(ctx context.Context, fn func(context.Context), kv ...string) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels(kv...), fn)
}
