package discovery

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SiteConfig holds per-host upstream fetch settings, loaded from
// <sites dir>/<host>.json. A file for example.com also covers its subdomains.
type SiteConfig struct {
	Mode         string            `json:"mode"`
	Headers      map[string]string `json:"headers,omitempty"`
	WaitSelector string            `json:"wait_selector,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
}

// JS reports whether pages must be rendered in a headless browser.
func (c *SiteConfig) JS() bool { return c != nil && c.Mode == "js" }

func (c *SiteConfig) header() http.Header {
	h := http.Header{}
	if c == nil {
		return h
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

type siteConfigStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*SiteConfig

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newSiteConfigStore(dir string, logger *zap.Logger) (*siteConfigStore, error) {
	s := &siteConfigStore{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*SiteConfig),
	}
	if dir == "" {
		return s, nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Debug("site config dir not found; using defaults", zap.String("dir", dir))
		return s, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watch()
	return s, nil
}

func (s *siteConfigStore) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Info("site config changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			s.invalidate()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("site config watcher", zap.Error(err))
		}
	}
}

func (s *siteConfigStore) invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]*SiteConfig)
	s.mu.Unlock()
}

// Close stops the watcher.
func (s *siteConfigStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

// Find returns the config for the target's host, walking up its labels.
func (s *siteConfigStore) Find(target string) *SiteConfig {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	s.mu.RLock()
	if cfg, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	var found *SiteConfig
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels); i++ {
		if found = s.load(strings.Join(labels[i:], ".")); found != nil {
			break
		}
	}
	s.mu.Lock()
	s.cache[host] = found
	s.mu.Unlock()
	return found
}

func (s *siteConfigStore) load(host string) *SiteConfig {
	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, host+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cfg SiteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn("invalid site config", zap.String("file", path), zap.Error(err))
		return nil
	}
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	return &cfg
}
