package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LoadFile parses a YAML configuration file on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SeedLoader reads a YAML file of seed services and watches it for
// changes so a static environment can adjust the mesh registry without a
// restart.
type SeedLoader struct {
	path     string
	logger   *log.Logger
	mu       sync.RWMutex
	current  []SeedService
	onChange []func([]SeedService)
}

type seedFile struct {
	Services []SeedService `yaml:"services"`
}

// NewSeedLoader creates a loader and performs the initial load.
func NewSeedLoader(path string, logger *log.Logger) (*SeedLoader, error) {
	l := &SeedLoader{path: path, logger: logger}
	seeds, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = seeds
	return l, nil
}

func (l *SeedLoader) load() ([]SeedService, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", l.path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", l.path, err)
	}
	return f.Services, nil
}

// Seeds returns the latest loaded seed services.
func (l *SeedLoader) Seeds() []SeedService {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SeedService, len(l.current))
	copy(out, l.current)
	return out
}

// OnChange registers a callback invoked whenever the seed file reloads.
func (l *SeedLoader) OnChange(fn func([]SeedService)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a goroutine that hot-reloads the seed file on writes.
// Call the returned stop function to clean up.
func (l *SeedLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("seed watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				seeds, err := l.load()
				if err != nil {
					if l.logger != nil {
						l.logger.WithError(err).Warn("seed file reload failed, keeping previous seeds")
					}
					continue
				}
				l.mu.Lock()
				l.current = seeds
				callbacks := make([]func([]SeedService), len(l.onChange))
				copy(callbacks, l.onChange)
				l.mu.Unlock()
				for _, fn := range callbacks {
					fn(seeds)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }, nil
}
