package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

// EnvPrefix is prepended to flag names to form environment variable names.
const EnvPrefix = "BUNDLED_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort       int
	AdminPort      int
	EnablePprof    bool
	TrustedProxies int

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	ManifestURL           string
	ManifestSSMParam      string
	ManifestSigningKeyARN string
	ManifestRefresh       time.Duration

	ContentRoot string
	LocalFiles  bool
	Preload     string

	FetchTimeout time.Duration
	FetchRPS     float64
	FetchBurst   int
	MaxBundleMB  int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedProxies, "trusted-proxies", 0, "reverse proxies in front of the API port whose X-Forwarded-For is trusted (0..5)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.ManifestURL, "manifest-url", "", "manifest location (http(s)://, file://, s3://)")
	fs.StringVar(&c.ManifestSSMParam, "manifest-ssm-param", "", "ssm parameter holding the manifest url (overrides -manifest-url)")
	fs.StringVar(&c.ManifestSigningKeyARN, "manifest-signing-key-arn", "", "KMS key ARN; when set the manifest must verify against <url>.sig")
	fs.DurationVar(&c.ManifestRefresh, "manifest-refresh", 5*time.Minute, "manifest refresh interval (0 disables)")

	fs.StringVar(&c.ContentRoot, "content-root", "", "base location bundles are fetched from as {root}/Bundles/{name}")
	fs.BoolVar(&c.LocalFiles, "local-files", false, "treat a scheme-less content root as a local directory")
	fs.StringVar(&c.Preload, "preload", "", "comma separated bundle names to load once the catalog is ready")

	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 60*time.Second, "per-request transport timeout")
	fs.Float64Var(&c.FetchRPS, "fetch-rps", 0, "max outbound HTTP fetches per second (0 = unlimited)")
	fs.IntVar(&c.FetchBurst, "fetch-burst", 4, "burst size for -fetch-rps")
	fs.IntVar(&c.MaxBundleMB, "max-bundle-mb", 50, "largest manifest or bundle body accepted, in MB")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// PreloadNames splits -preload into trimmed, non-empty, de-duplicated names.
func (c App) PreloadNames() []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range strings.Split(c.Preload, ",") {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// NeedsAWS reports whether any configured feature talks to AWS.
func (c App) NeedsAWS() bool {
	return c.ManifestSSMParam != "" ||
		c.ManifestSigningKeyARN != "" ||
		strings.HasPrefix(c.ManifestURL, "s3://") ||
		strings.HasPrefix(c.ContentRoot, "s3://")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.TrustedProxies < 0 || c.TrustedProxies > 5 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES must be 0..5 (got %d)", c.TrustedProxies))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// Catalog
	if c.ManifestURL == "" && c.ManifestSSMParam == "" {
		errs = append(errs, fmt.Errorf("one of MANIFEST_URL or MANIFEST_SSM_PARAM is required"))
	}
	if c.ManifestURL != "" {
		if err := checkLocation(c.ManifestURL, false); err != nil {
			errs = append(errs, fmt.Errorf("invalid MANIFEST_URL: %w", err))
		}
	}
	if c.ManifestRefresh < 0 {
		errs = append(errs, fmt.Errorf("MANIFEST_REFRESH must not be negative (got %s)", c.ManifestRefresh))
	}

	// Bundles
	if c.ContentRoot == "" {
		errs = append(errs, fmt.Errorf("CONTENT_ROOT is required"))
	} else if err := checkLocation(c.ContentRoot, c.LocalFiles); err != nil {
		errs = append(errs, fmt.Errorf("invalid CONTENT_ROOT: %w", err))
	}

	// Transport
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive (got %s)", c.FetchTimeout))
	}
	if c.FetchRPS < 0 {
		errs = append(errs, fmt.Errorf("FETCH_RPS must not be negative (got %g)", c.FetchRPS))
	}
	if c.FetchRPS > 0 && c.FetchBurst < 1 {
		errs = append(errs, fmt.Errorf("FETCH_BURST must be >= 1 when FETCH_RPS is set (got %d)", c.FetchBurst))
	}
	if c.MaxBundleMB < 1 || c.MaxBundleMB > 1024 {
		errs = append(errs, fmt.Errorf("MAX_BUNDLE_MB must be 1..1024 (got %d)", c.MaxBundleMB))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// checkLocation accepts http(s)://, file:// and s3:// URLs, and plain
// paths when allowPath is set.
func checkLocation(s string, allowPath bool) error {
	if !strings.Contains(s, "://") {
		if allowPath {
			return nil
		}
		return fmt.Errorf("%q has no scheme", s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "s3":
		if u.Host == "" {
			return fmt.Errorf("%q has no host", s)
		}
	case "file":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
