package ddnsync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is how often a Watcher looks at the configuration file.
const DefaultWatchInterval = 10 * time.Second

// connectionTestTimeout bounds the credential check of a reloaded configuration.
const connectionTestTimeout = 30 * time.Second

// Watcher reloads the configuration of a Reconciler when its file changes.
//
// A candidate that fails to parse or validate, or whose new credential is rejected
// by the provider, is discarded and the active configuration stays in effect.
// Accepted candidates take effect at the start of the next cycle.
type Watcher struct {
	Path     string
	Interval time.Duration

	r      *Reconciler
	logger *logrus.Entry

	active   [sha256.Size]byte // fingerprint of the configuration in effect
	rejected [sha256.Size]byte // fingerprint of the last discarded candidate
}

// NewWatcher returns a Watcher for the file at path.
// seed is the content r was configured from; it is not reloaded.
func NewWatcher(path string, r *Reconciler, seed []byte) *Watcher {
	return &Watcher{
		Path:     path,
		Interval: DefaultWatchInterval,
		r:        r,
		logger:   r.logger.WithField("config", path),
		active:   sha256.Sum256(seed),
	}
}

// Run polls the file every Interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.WithError(err).WithField("kind", Kind(err)).Error("configuration change rejected, keeping the active configuration")
			}
		}
	}
}

// Check reads the file once and applies it if it changed.
// It reports whether a new configuration was swapped in.
// A non-nil error means the candidate was rejected; it is returned once per distinct content.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		// the file may be mid-replace; try again next tick
		w.logger.WithError(err).Debug("unable to read configuration file")
		return false, nil
	}

	sum := sha256.Sum256(data)
	if sum == w.active || sum == w.rejected {
		return false, nil
	}
	w.logger.Info("configuration file changed, reloading")

	cfg, err := ParseConfig(data)
	if err != nil {
		return false, w.reject(sum, err)
	}

	var provider Provider
	if cfg.APIKey != w.r.Config().APIKey {
		w.logger.Info("api_key changed, testing the new credential")
		provider, err = w.r.factory(cfg.APIKey)
		if err != nil {
			return false, w.reject(sum, fmt.Errorf("creating provider: %w", err))
		}
		tctx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
		err = provider.TestConnection(tctx)
		cancel()
		if err != nil {
			return false, w.reject(sum, fmt.Errorf("testing new credential: %w", err))
		}
	}

	if err := w.r.Swap(cfg, provider); err != nil {
		return false, w.reject(sum, err)
	}
	w.active = sum
	w.rejected = [sha256.Size]byte{}
	w.r.metrics.reloaded("applied")
	w.logger.WithField("targets", len(cfg.Domains)).Info("configuration reloaded")
	return true, nil
}

// reject records a discarded candidate. Content that failed only because the
// provider could not be reached is not remembered, so it is tried again next tick.
func (w *Watcher) reject(sum [sha256.Size]byte, err error) error {
	if !errors.Is(err, ErrTransient) {
		w.rejected = sum
	}
	w.r.metrics.reloaded("rejected")
	return err
}
