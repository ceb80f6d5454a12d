package worksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Connectivity interface {
	IsOnline() bool
}

// Monitor holds the latest connectivity hint. Readers never block; writers
// notify subscribers only when the value actually flips.
type Monitor struct {
	online atomic.Bool
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(online bool)
}

func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger:    logger,
		listeners: map[int]func(bool){},
	}
	m.online.Store(initial)
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Set records the new state and reports whether it changed.
func (m *Monitor) Set(online bool) bool {
	if !m.online.CompareAndSwap(!online, online) {
		return false
	}
	m.logger.Info("connectivity changed", "online", online)
	m.mu.Lock()
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

type Pinger interface {
	Ping(ctx context.Context, path string) error
}

type ProberOptions struct {
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Prober turns periodic health checks against the authority into monitor
// updates.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	path     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewProber(pinger Pinger, monitor *Monitor, opts ProberOptions) (*Prober, error) {
	if pinger == nil {
		return nil, fmt.Errorf("pinger is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		path:     opts.Path,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}, nil
}

func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(ctx, p.path)
	if err != nil {
		p.logger.Debug("health probe failed", "err", err)
	}
	online := err == nil
	p.monitor.Set(online)
	return online
}

func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// SignalWatcher follows a status file maintained by the platform (a network
// manager hook, for example) whose content is "online" or "offline".
type SignalWatcher struct {
	path    string
	monitor *Monitor
	logger  *slog.Logger
}

func NewSignalWatcher(path string, monitor *Monitor, logger *slog.Logger) (*SignalWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalWatcher{path: filepath.Clean(path), monitor: monitor, logger: logger}, nil
}

func (w *SignalWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory so the file can be replaced atomically.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.apply()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.apply()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("connectivity signal watcher error", "err", err)
		}
	}
}

func (w *SignalWatcher) apply() {
	online, err := readSignalFile(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("unreadable connectivity signal", "path", w.path, "err", err)
		}
		return
	}
	w.monitor.Set(online)
}

func readSignalFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: unrecognized connectivity signal %q", ErrInvalidInput, strings.TrimSpace(string(data)))
	}
}
