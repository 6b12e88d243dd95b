package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/audio"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/bundlehttp"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/health"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/prof"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-bundles/internal/version"
)

// how long readiness reports draining before listeners close
const drainPeriod = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		// already checked by Validate
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"manifest_url", conf.ManifestURL,
		"manifest_ssm_param", conf.ManifestSSMParam,
		"manifest_signing_key_arn", conf.ManifestSigningKeyARN,
		"manifest_refresh", conf.ManifestRefresh.String(),
		"content_root", conf.ContentRoot,
		"local_files", conf.LocalFiles,
		"preload", conf.PreloadNames(),
		"fetch_rps", conf.FetchRPS,
		"max_bundle_mb", conf.MaxBundleMB,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Metrics:       m,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// transports, one per URL scheme
	maxSize := int64(conf.MaxBundleMB) << 20
	httpFetcher := fetch.NewHTTP(fetch.HTTPOptions{
		Timeout:       conf.FetchTimeout,
		RatePerSecond: conf.FetchRPS,
		Burst:         conf.FetchBurst,
		MaxSize:       maxSize,
		UserAgent:     v.AppName + "/" + vi.Version,
	})
	defer httpFetcher.Close()

	mux := fetch.NewMux(m)
	mux.Handle("http", httpFetcher)
	mux.Handle("https", httpFetcher)
	mux.Handle("file", &fetch.FileFetcher{MaxSize: maxSize})

	catOpts := catalog.Options{
		Logger:      L.With("component", "catalog"),
		Fetcher:     mux,
		ManifestURL: conf.ManifestURL,
		Metrics:     m,
	}

	if conf.NeedsAWS() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		wireAWS(awsCfg, conf, mux, &catOpts)
		L.Info(ctx, "aws clients configured", "region", awsCfg.Region)
	}

	cat, err := catalog.New(catOpts)
	if err != nil {
		L.Error(ctx, err, "failed to create manifest catalog")
		os.Exit(1)
	}

	atlases := atlas.NewResolver()
	bank := audio.NewBank()
	m.RegisterResourceGauges(atlases.Len, bank.Len)

	mgr, err := bundle.NewManager(bundle.Options{
		Logger:      L.With("component", "bundles"),
		Catalog:     cat,
		Fetcher:     mux,
		Atlases:     atlases,
		Audio:       bank,
		ContentRoot: conf.ContentRoot,
		LocalFiles:  conf.LocalFiles,
		Metrics:     m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create bundle manager")
		os.Exit(1)
	}

	// preloaded bundles keep their reference until shutdown
	preload := conf.PreloadNames()
	cat.OnReady(func() {
		for _, name := range preload {
			l, err := mgr.GetLoader(name)
			if err != nil {
				L.Error(ctx, err, "preload failed", "bundle", name)
				continue
			}
			l.Start(ctx)
		}
		L.Info(ctx, "manifest ready", "manifest_hash", cat.ManifestHash(), "preloaded", len(preload))
	})

	cat.Initialize(ctx)

	if conf.ManifestRefresh > 0 {
		refresher := catalog.NewRefresher(catalog.RefresherOptions{
			Logger:   L.With("component", "catalog"),
			Catalog:  cat,
			Interval: conf.ManifestRefresh,
			Metrics:  m,
			OnChange: func(mf *catalog.Manifest) {
				L.Info(ctx, "manifest changed", "manifest_hash", mf.Hash, "bundles", mf.Len())
			},
		})
		go func() { _ = refresher.Run(ctx) }()
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.CatalogReady(cat))

	// load and dispose are the only mutating routes
	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied("mutate") }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
	)

	api := bundlehttp.NewAPI(bundlehttp.Options{
		Logger:  L,
		Catalog: cat,
		Manager: mgr,
		Atlases: atlases,
		Audio:   bank,
		Mutate:  limiter.Middleware,
	})

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxies},
		Manifest:     cat,
		APIRoutes:    func(r chi.Router) { api.RegisterRoutes(r) },
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// admin listener rejects public peers in middleware in case the
	// security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	mgr.Close(shutdownCtx)

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// wireAWS registers the s3 transport and, when configured, the SSM manifest
// locator and KMS signature verifier.
func wireAWS(awsCfg aws.Config, conf cfg.App, mux *fetch.Mux, opts *catalog.Options) {
	mux.Handle("s3", &fetch.S3Fetcher{
		Client:  s3.NewFromConfig(awsCfg),
		MaxSize: int64(conf.MaxBundleMB) << 20,
	})
	if conf.ManifestSSMParam != "" {
		opts.Locator = &catalog.SSMLocator{
			Client: ssm.NewFromConfig(awsCfg),
			Param:  conf.ManifestSSMParam,
		}
	}
	if conf.ManifestSigningKeyARN != "" {
		opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.ManifestSigningKeyARN)
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
