package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"

	"github.com/joho/godotenv"
)

type config struct {
	listenAddr  string
	upstreamURL string
	trustXFF    bool
	proxyHops   int
	logLevel    string
	logFormat   string

	storeBackend  string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	storeTimeout  time.Duration

	policies     []domain.Policy
	policyRoutes []policyRoute
	allowlist    string
	healthPaths  []string
	identityHdr  string

	adaptiveThreshold   int64
	suspiciousThreshold int64
	blockThreshold      int64
	blockDuration       time.Duration
	overrideTTL         time.Duration
	violationTTL        time.Duration
	eventRetention      time.Duration
	janitorInterval     time.Duration
	securityContact     string

	adminToken          string
	eventWorkers        int
	eventAcquireTimeout time.Duration
}

// policyRoute liga um prefixo de path a uma política.
type policyRoute struct {
	prefix string
	policy string
}

const defaultPolicyRoutes = "/api/auth=auth,/api/kyc=kyc,/api/upload=fileUpload,/api/investments=investment,/api/analytics=analytics,/api=api"

// envReader acumula erros de parse para reportar todos de uma vez no boot.
type envReader struct {
	errs []error
}

func loadConfig() (config, error) {
	// .env é opcional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}
	return readConfig()
}

func readConfig() (config, error) {
	env := &envReader{}
	cfg := config{}

	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	cfg.trustXFF = env.getenvBoolDefault("TRUST_XFF", false)
	cfg.proxyHops = env.getenvIntDefault("TRUSTED_PROXY_HOPS", 1)
	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))

	cfg.storeBackend = strings.ToLower(getenvDefault("STORE_BACKEND", "redis"))
	cfg.redisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = env.getenvIntDefault("REDIS_DB", 0)
	cfg.redisPrefix = getenvDefault("REDIS_PREFIX", "guard")
	cfg.storeTimeout = env.getenvDurationDefault("STORE_TIMEOUT", application.MaxStoreTimeout)

	for _, p := range domain.DefaultPolicies() {
		envName := policyEnvName(p.Name)
		window := env.positiveDuration("RATE_LIMIT_" + envName + "_WINDOW")
		maxRequests := int64(env.positiveInt("RATE_LIMIT_" + envName + "_MAX"))
		cfg.policies = append(cfg.policies, p.WithLimits(window, maxRequests))
	}
	cfg.policyRoutes = env.parsePolicyRoutes(getenvDefault("POLICY_ROUTES", defaultPolicyRoutes))
	cfg.allowlist = os.Getenv("WHITELISTED_IPS")
	cfg.healthPaths = splitCSV(getenvDefault("HEALTH_PATHS", "/health,/healthz,/ready,/metrics"))
	cfg.identityHdr = os.Getenv("IDENTITY_HEADER")

	cfg.adaptiveThreshold = int64(env.getenvIntDefault("ADAPTIVE_THRESHOLD", 3))
	cfg.suspiciousThreshold = int64(env.getenvIntDefault("SUSPICIOUS_THRESHOLD", 5))
	cfg.blockThreshold = int64(env.getenvIntDefault("BLOCK_THRESHOLD", 10))
	cfg.blockDuration = env.getenvDurationDefault("BLOCK_DURATION", time.Hour)
	cfg.overrideTTL = env.getenvDurationDefault("OVERRIDE_TTL", 24*time.Hour)
	cfg.violationTTL = env.getenvDurationDefault("VIOLATION_TTL", 24*time.Hour)
	cfg.eventRetention = env.getenvDurationDefault("EVENT_RETENTION", 7*24*time.Hour)
	cfg.janitorInterval = env.getenvDurationDefault("JANITOR_INTERVAL", 10*time.Minute)
	cfg.securityContact = getenvDefault("SECURITY_CONTACT", "security@example.com")

	cfg.adminToken = os.Getenv("ADMIN_TOKEN")
	cfg.eventWorkers = env.getenvIntDefault("EVENT_WORKERS", 16)
	cfg.eventAcquireTimeout = env.getenvDurationDefault("EVENT_ACQUIRE_TIMEOUT", 0)

	if err := errors.Join(env.errs...); err != nil {
		return config{}, err
	}

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.storeBackend != "redis" && cfg.storeBackend != "memory" {
		return config{}, fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", cfg.storeBackend)
	}
	if cfg.storeTimeout <= 0 || cfg.storeTimeout > application.MaxStoreTimeout {
		return config{}, fmt.Errorf("STORE_TIMEOUT must be in (0, %s]", application.MaxStoreTimeout)
	}
	if cfg.adaptiveThreshold < 1 || cfg.suspiciousThreshold < 1 || cfg.blockThreshold < 1 {
		return config{}, errors.New("ADAPTIVE_THRESHOLD, SUSPICIOUS_THRESHOLD and BLOCK_THRESHOLD must be >= 1")
	}
	if cfg.blockDuration <= 0 {
		return config{}, errors.New("BLOCK_DURATION must be > 0")
	}
	if cfg.trustXFF && cfg.proxyHops < 1 {
		return config{}, errors.New("TRUSTED_PROXY_HOPS must be >= 1 when TRUST_XFF=true")
	}
	if cfg.eventWorkers < 1 {
		return config{}, errors.New("EVENT_WORKERS must be >= 1")
	}
	return cfg, nil
}

// policyEnvName: "fileUpload" -> "FILE_UPLOAD".
func policyEnvName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

func (e *envReader) parsePolicyRoutes(raw string) []policyRoute {
	var out []policyRoute
	for _, item := range splitCSV(raw) {
		prefix, policy, ok := strings.Cut(item, "=")
		prefix, policy = strings.TrimSpace(prefix), strings.TrimSpace(policy)
		if !ok || !strings.HasPrefix(prefix, "/") || policy == "" {
			e.errs = append(e.errs, fmt.Errorf("POLICY_ROUTES: invalid entry %q (want /prefix=policy)", item))
			continue
		}
		out = append(out, policyRoute{prefix: strings.TrimSuffix(prefix, "/"), policy: policy})
	}
	return out
}

func splitCSV(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (e *envReader) getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return i
}

// positiveInt devolve 0 quando ausente; definido mas <= 0 é erro.
func (e *envReader) positiveInt(k string) int {
	n := len(e.errs)
	i := e.getenvIntDefault(k, 0)
	if len(e.errs) == n && os.Getenv(k) != "" && i <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s must be > 0, got %q", k, os.Getenv(k)))
		return 0
	}
	return i
}

// positiveDuration devolve 0 quando ausente; definido mas <= 0 é erro.
func (e *envReader) positiveDuration(k string) time.Duration {
	n := len(e.errs)
	d := e.getenvDurationDefault(k, 0)
	if len(e.errs) == n && os.Getenv(k) != "" && d <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s must be > 0, got %q", k, os.Getenv(k)))
		return 0
	}
	return d
}

func (e *envReader) getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func (e *envReader) getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}
