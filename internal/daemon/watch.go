package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/config"
)

const credentialDebounce = 200 * time.Millisecond

// CredentialWatcher reloads the credentials file when it changes on disk.
// The parent directory is watched so atomic replaces are seen too.
type CredentialWatcher struct {
	path     string
	debounce time.Duration
	onChange func(config.Credentials)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
	last  config.Credentials
}

// NewCredentialWatcher creates a watcher for path. onChange runs with the
// reloaded credentials whenever they differ from the previous ones.
func NewCredentialWatcher(path string, initial config.Credentials, onChange func(config.Credentials), logger *zap.Logger) *CredentialWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialWatcher{
		path:     path,
		debounce: credentialDebounce,
		onChange: onChange,
		logger:   logger,
		last:     initial,
	}
}

// Start begins watching.
func (w *CredentialWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
					continue
				}
				if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
					w.schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("credential watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (w *CredentialWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *CredentialWatcher) reload() {
	creds, err := config.LoadCredentials(w.path)
	if err != nil {
		w.logger.Warn("failed to reload credentials", zap.Error(err))
		return
	}
	w.mu.Lock()
	changed := creds != w.last
	w.last = creds
	w.mu.Unlock()
	if !changed {
		return
	}
	w.logger.Info("credentials changed", zap.Int64("user_id", creds.UserID), zap.Bool("valid", creds.Valid()))
	w.onChange(creds)
}

// Stop ends watching and waits for the event loop to exit.
func (w *CredentialWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
