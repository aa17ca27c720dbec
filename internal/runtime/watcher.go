package runtime

import (
	"context"
	"errors"
	"time"

	"phoenix/internal/configuration"
)

// startWatcher launches the configuration watcher unless it already runs
func (c *Controller) startWatcher() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watchCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.watchDone = make(chan struct{})

	go c.watch(ctx, c.watchDone)
}

// stopWatcher cancels the watcher and waits for it to exit
func (c *Controller) stopWatcher() {
	c.watchMu.Lock()
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.watchMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) watch(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		interval := c.watchInterval
		if c.halted.Load() {
			interval = c.haltPollInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// a restart is in flight
		if c.halted.Load() {
			continue
		}

		changed, err := c.versionsChanged(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log().Warn("failed to check configuration versions", "error", err)
			}
			continue
		}
		if changed {
			c.halted.Store(true)
			c.restart.Store(true)
		}
	}
}

// versionsChanged re-fetches the three documents and compares their
// active_version markers with the ones loaded at initialization
func (c *Controller) versionsChanged(ctx context.Context) (bool, error) {
	base, err := c.deps.Source.Get(ctx, configuration.BaseConfigName)
	if err != nil {
		return false, err
	}
	global, err := c.watchedDocument(ctx, configuration.GlobalSettingsName)
	if err != nil {
		return false, err
	}
	ms, err := c.watchedDocument(ctx, configuration.MicroserviceName(c.instance.ConfigName))
	if err != nil {
		return false, err
	}

	current := documentVersions{
		base:         base.Version(),
		global:       global.Version(),
		microservice: ms.Version(),
	}

	c.versionMu.RLock()
	loaded := c.versions
	c.versionMu.RUnlock()

	if current == loaded {
		return false, nil
	}

	c.log().Info("configuration version changed",
		"base", loaded.base+" -> "+current.base,
		"global", loaded.global+" -> "+current.global,
		"microservice", loaded.microservice+" -> "+current.microservice)
	return true, nil
}

func (c *Controller) watchedDocument(ctx context.Context, name string) (configuration.Document, error) {
	doc, err := c.deps.Source.Get(ctx, name)
	if err != nil {
		if errors.Is(err, configuration.ErrNotFound) {
			return configuration.Document{}, nil
		}
		return nil, err
	}
	return doc, nil
}
