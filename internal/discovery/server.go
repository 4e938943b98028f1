package discovery

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

const (
	defaultSitesDir     = "config/sites"
	defaultDevHost      = "localhost:3000"
	defaultCacheTTL     = time.Hour
	defaultCacheEntries = 1024
	defaultFetchTimeout = 15 * time.Second
	defaultDiskCacheMB  = 50
)

// Environment mirrors the deployment stage the service runs in.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvPreview     Environment = "preview"
	EnvProduction  Environment = "production"
)

func parseEnvironment(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "dev", "development", "local":
		return EnvDevelopment
	case "prod", "production":
		return EnvProduction
	default:
		return EnvPreview
	}
}

// Config describes server wiring and runtime behaviour.
type Config struct {
	Env Environment `yaml:"env"`
	// Origin, when set, is used verbatim as the upstream origin.
	Origin         string        `yaml:"origin"`
	ProductionHost string        `yaml:"production_host"`
	BranchHost     string        `yaml:"branch_host"`
	DevHost        string        `yaml:"dev_host"`
	SitesDir       string        `yaml:"sites_dir"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheEntries   int           `yaml:"cache_entries"`
	DiskCacheDir   string        `yaml:"disk_cache_dir"`
	DiskCacheMB    int           `yaml:"disk_cache_mb"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`

	Logger   *zap.Logger      `yaml:"-"`
	Clock    func() time.Time `yaml:"-"`
	Client   *http.Client     `yaml:"-"`
	Renderer Fetcher          `yaml:"-"`
}

// DefaultConfig populates configuration from environment variables.
func DefaultConfig() Config {
	cfg := Config{
		Env:            parseEnvironment(firstNonEmpty(os.Getenv("TIDEPOOL_ENV"), os.Getenv("VERCEL_ENV"), os.Getenv("NODE_ENV"))),
		Origin:         strings.TrimSpace(os.Getenv("TIDEPOOL_ORIGIN")),
		ProductionHost: strings.TrimSpace(firstNonEmpty(os.Getenv("TIDEPOOL_PRODUCTION_HOST"), os.Getenv("VERCEL_PROJECT_PRODUCTION_URL"))),
		BranchHost:     strings.TrimSpace(firstNonEmpty(os.Getenv("TIDEPOOL_BRANCH_HOST"), os.Getenv("VERCEL_BRANCH_URL"))),
		DevHost:        defaultDevHost,
		SitesDir:       strings.TrimSpace(os.Getenv("TIDEPOOL_SITES_DIR")),
		DiskCacheDir:   strings.TrimSpace(os.Getenv("TIDEPOOL_CACHE_DIR")),
		CacheTTL:       defaultCacheTTL,
		CacheEntries:   defaultCacheEntries,
		FetchTimeout:   defaultFetchTimeout,
		DiskCacheMB:    defaultDiskCacheMB,
	}
	if cfg.SitesDir == "" {
		cfg.SitesDir = defaultSitesDir
	}
	if s := os.Getenv("TIDEPOOL_CACHE_MB"); s != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && v >= 0 {
			cfg.DiskCacheMB = v
		}
	}
	if s := os.Getenv("TIDEPOOL_CACHE_TTL"); s != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}
	return cfg
}

// LoadConfigFile overlays the YAML file at path onto cfg.
func LoadConfigFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Env = parseEnvironment(string(cfg.Env))
	return cfg, nil
}

// Server exposes the image-discovery endpoint.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	handler http.Handler
	logger  *zap.Logger
	cache   *resultCache
	sites   *siteConfigStore
	fetcher Fetcher
	flight  singleflight.Group
	clock   func() time.Time

	rendererOnce sync.Once
	renderer     Fetcher
	rendererErr  error
}

// New wires a new discovery server with the provided configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DevHost == "" {
		cfg.DevHost = defaultDevHost
	}
	if cfg.Env == "" {
		cfg.Env = EnvPreview
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = defaultCacheEntries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Origin != "" {
		if _, err := cfg.upstreamOrigin(); err != nil {
			return nil, err
		}
	}
	var disk *diskCache
	if cfg.DiskCacheDir != "" && cfg.DiskCacheMB > 0 {
		d, err := newDiskCache(cfg.DiskCacheDir, cfg.DiskCacheMB, cfg.CacheTTL, cfg.Clock)
		if err != nil {
			return nil, err
		}
		disk = d
	}
	sites, err := newSiteConfigStore(cfg.SitesDir, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  cfg.Logger,
		cache:   newResultCache(cfg.CacheEntries, cfg.CacheTTL, disk),
		sites:   sites,
		fetcher: &httpFetcher{client: cfg.Client},
		clock:   cfg.Clock,
	}
	if cfg.Renderer != nil {
		s.rendererOnce.Do(func() { s.renderer = cfg.Renderer })
	}
	s.registerRoutes()
	s.handler = withLogging(s.logger, s.mux)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases the site-config watcher and the headless browser, if any.
func (s *Server) Close() error {
	err := s.sites.Close()
	if c, ok := s.renderer.(interface{ Close() }); ok && s.cfg.Renderer == nil {
		c.Close()
	}
	return err
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/prefetch-images", s.handlePrefetchImages)
	s.mux.HandleFunc("GET /api/prefetch-images/{rest...}", s.handlePrefetchImages)
	s.mux.HandleFunc("GET /ping", s.handlePing)
}

// jsRenderer returns the headless renderer, starting it on first use.
func (s *Server) jsRenderer() (Fetcher, error) {
	s.rendererOnce.Do(func() {
		r, err := newChromeRenderer(s.logger)
		if err != nil {
			s.rendererErr = err
			return
		}
		s.renderer = r
	})
	return s.renderer, s.rendererErr
}
