package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// View is the merged, currently-active configuration snapshot handed to
// subscribers: the current policy plus the current credential list.
type View struct {
	Policy      Policy
	Credentials []CredentialConfig
}

// Subscriber is notified with the new View after every successful reload.
// Subscribers must be idempotent: atomic-rename editors can fire more than
// one filesystem event for a single logical save.
type Subscriber func(View)

// Source owns the two configuration documents, watches them (and their
// enclosing directories) for changes, and publishes merged views to
// subscribers. The zero value is not usable; construct with NewSource.
type Source struct {
	policyPath      string
	credentialsPath string
	logger          *slog.Logger

	mu          sync.RWMutex
	current     View
	subscribers []Subscriber

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSource loads the initial view from disk and returns a Source ready to
// watch for subsequent changes. Discovery of the two paths (explicit option
// > environment variable > current working directory) is the caller's
// responsibility; NewSource takes resolved paths.
func NewSource(policyPath, credentialsPath string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		policyPath:      policyPath,
		credentialsPath: credentialsPath,
		logger:          logger.With("component", "config_source"),
		done:            make(chan struct{}),
	}

	view, err := s.readView()
	if err != nil {
		return nil, err
	}
	s.current = view

	return s, nil
}

// readView performs one synchronous load+merge of both documents. Parse
// errors are never fatal here: the caller (forceReload/watch loop) decides
// whether to keep the prior view.
func (s *Source) readView() (View, error) {
	policy, err := LoadPolicy(s.policyPath)
	if err != nil {
		return View{}, err
	}

	creds, err := LoadCredentials(s.credentialsPath)
	if err != nil {
		return View{}, err
	}

	return View{Policy: policy, Credentials: creds}, nil
}

// Current returns the merged configuration currently in effect.
func (s *Source) Current() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers callback for asynchronous updates. Subscriptions
// registered after Watch has started still receive every future update.
func (s *Source) Subscribe(cb Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, cb)
}

// ForceReload re-reads both documents synchronously and fires subscribers,
// regardless of whether the filesystem watcher has observed a change.
func (s *Source) ForceReload() error {
	view, err := s.readView()
	if err != nil {
		s.logger.Error("config reload failed, keeping prior view", "error", err)
		return err
	}

	oldPort, newPort := 0, view.Policy.Proxy.Port
	s.mu.Lock()
	oldPort = s.current.Policy.Proxy.Port
	s.current = view
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	if oldPort != 0 && oldPort != newPort {
		s.logger.Warn("proxy.port changed but the listener is not restarted mid-process",
			"old_port", oldPort, "new_port", newPort)
	}

	for _, cb := range subs {
		cb(view)
	}
	return nil
}

// Watch starts watching both configured files (and their enclosing
// directories, to catch atomic-rename saves) until Close is called. Errors
// encountered while setting up the watcher are returned; errors surfacing
// later from the filesystem are logged and never crash the process.
func (s *Source) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	dirs := map[string]bool{}
	for _, p := range []string{s.policyPath, s.credentialsPath} {
		if p == "" {
			continue
		}
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("failed to watch config directory", "dir", dir, "error", err)
		}
	}

	go s.watchLoop()
	return nil
}

func (s *Source) watchLoop() {
	var debounce *time.Timer
	const debounceWindow = 150 * time.Millisecond

	trigger := func() {
		if err := s.ForceReload(); err != nil {
			s.logger.Error("watched config reload failed", "error", err)
		}
	}

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.relevantEvent(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, trigger)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

// relevantEvent filters directory-level events down to the two files this
// Source cares about, tolerating the create+rename pair atomic-rename
// editors emit in place of a plain write.
func (s *Source) relevantEvent(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	return base == filepath.Base(s.policyPath) || base == filepath.Base(s.credentialsPath)
}

// Close stops the filesystem watcher. Safe to call once.
func (s *Source) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
