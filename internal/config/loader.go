package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader keeps the current configuration and, once Watch is called,
// reloads it whenever the file changes on disk. A reload that fails to
// parse or validate is sent on Errors and the previous configuration
// stays in effect.
type Loader struct {
	path     string
	debounce time.Duration

	mu    sync.RWMutex
	cur   *Config
	hooks []func(old, new *Config)

	watcher *fsnotify.Watcher
	errs    chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

func (l *Loader) Path() string { return l.path }

// Load reads and validates the file and makes it current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", l.path, err)
	}
	return cfg, nil
}

// Config returns the configuration currently in effect.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// OnChange adds a hook called with the previous and new configuration
// after every successful reload.
func (l *Loader) OnChange(fn func(old, new *Config)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Errors delivers reload failures. It is closed once a started watch
// stops. Errors are dropped while an earlier one is still unread.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts reloading on change. The parent directory is watched so
// that files replaced by rename are still seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.loop()
	return nil
}

func (l *Loader) loop() {
	defer close(l.done)
	defer close(l.errs)

	name := filepath.Base(l.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Editors often write in bursts; reload once they settle.
				timer.Reset(l.debounce)
			}
		case <-timer.C:
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.fail(err)
		}
	}
}

func (l *Loader) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func (l *Loader) reload() {
	cfg, err := l.read()
	if err != nil {
		l.fail(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	prev := l.cur
	l.cur = cfg
	hooks := append(([]func(old, new *Config))(nil), l.hooks...)
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(prev, cfg)
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		if l.watcher == nil {
			return
		}
		<-l.done
		err = l.watcher.Close()
	})
	return err
}

// Diff lists the settings that differ between two configurations as
// setting -> [old, new]. Only settings that can change at runtime are
// compared.
func Diff(old, new *Config) map[string][2]string {
	out := make(map[string][2]string)
	add := func(name string, a, b interface{}) {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		if as != bs {
			out[name] = [2]string{as, bs}
		}
	}
	if old == nil {
		old = &Config{}
	}
	add("sentinel.poll_interval_ms", old.Sentinel.PollIntervalMs, new.Sentinel.PollIntervalMs)
	add("sentinel.max_recovery_attempts", old.Sentinel.MaxRecoveryAttempts, new.Sentinel.MaxRecoveryAttempts)
	add("sentinel.refocus_delay_ms", old.Sentinel.RefocusDelayMs, new.Sentinel.RefocusDelayMs)
	add("sentinel.rapid_stop_window_ms", old.Sentinel.RapidStopWindowMs, new.Sentinel.RapidStopWindowMs)
	add("sentinel.stop_timeout_ms", old.Sentinel.StopTimeoutMs, new.Sentinel.StopTimeoutMs)
	add("sentinel.keep_screen_on", old.Sentinel.KeepScreenOn, new.Sentinel.KeepScreenOn)
	add("sentinel.lock_orientation", old.Sentinel.LockOrientation, new.Sentinel.LockOrientation)
	add("sentinel.immersive", old.Sentinel.Immersive, new.Sentinel.Immersive)
	return out
}
