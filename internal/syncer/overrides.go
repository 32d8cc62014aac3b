package syncer

import (
	"context"
	"errors"
	"fmt"

	"playersync/internal/host"
	"playersync/internal/reconcile"
	"playersync/internal/snapshot"
	"playersync/internal/tree"
)

// ApplyOverrides merges a pending administrator override into the live
// store without review, clears it, and stores a fresh snapshot. It reports
// whether an override was applied. While a review is open the override is
// left pending; closing the review applies it.
func (e *Engine) ApplyOverrides(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.review != nil {
		e.mu.Unlock()
		e.logger.Debug("review open, override deferred")
		return false, nil
	}
	applied, reload, err := e.applyOverrides(ctx)
	var callbacks []func()
	if reload {
		callbacks = e.signalReload()
	}
	e.mu.Unlock()
	runAll(callbacks)
	return applied, err
}

// applyOverrides must be called with e.mu held.
func (e *Engine) applyOverrides(ctx context.Context) (applied, reload bool, err error) {
	raw, ok, err := e.flags.GetFlag(ctx, e.cfg.UserID, host.FlagGMSettings)
	if err != nil {
		return false, false, fmt.Errorf("read override: %w", err)
	}
	if !ok {
		return false, false, nil
	}

	override, err := snapshot.DecodeOverride(raw)
	if err != nil {
		e.logger.Warn("discarding malformed override", "error", err)
		override = make(tree.Tree)
	}
	if len(override) == 0 {
		if err := e.flags.UnsetFlag(ctx, e.cfg.UserID, host.FlagGMSettings); err != nil {
			return false, false, fmt.Errorf("clear override: %w", err)
		}
		return false, false, nil
	}

	var (
		keys     []string
		failures []error
	)
	var walk func(prefix string, node tree.Tree)
	walk = func(prefix string, node tree.Tree) {
		for _, name := range tree.Keys(node) {
			value := node[name]
			path := tree.Join(prefix, name)

			def, registered := e.catalog.Lookup(path)
			if nested, isNode := value.(map[string]any); !registered && isNode {
				walk(path, nested)
				continue
			}
			if !registered {
				e.logger.Warn("override names unregistered setting", "path", path)
			}

			if err := e.live.Set(path, tree.DeepCopy(value)); err != nil {
				kerr := &reconcile.KeyError{Path: path, Err: err}
				failures = append(failures, kerr)
				e.logger.Error("override write failed", "path", path, "error", err)
				if e.notifier != nil {
					e.notifier.Error(fmt.Sprintf("Could not apply administrator setting %s: %v", path, err))
				}
				continue
			}
			keys = append(keys, path)
			e.logger.Info("override applied", "path", path, "value", tree.Stringify(value))
			if def.RequiresReload {
				reload = true
			}
		}
	}
	walk("", override)

	if err := e.flags.UnsetFlag(ctx, e.cfg.UserID, host.FlagGMSettings); err != nil {
		return true, reload, fmt.Errorf("clear override: %w", err)
	}

	live, err := e.liveTree()
	if err != nil {
		return true, reload, err
	}
	if err := e.writeSnapshot(ctx, live); err != nil {
		return true, reload, err
	}

	if e.notifier != nil {
		e.notifier.Info("An administrator has made changes to your client settings")
	}
	e.metrics.ObserveOverride(len(failures))
	if err := e.audit.LogOverrideApplied(ctx, e.cfg.UserID, keys, errors.Join(failures...)); err != nil {
		e.logger.Warn("audit failed", "error", err)
	}
	return true, reload, nil
}
