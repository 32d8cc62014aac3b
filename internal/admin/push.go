package admin

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"playersync/internal/canon"
	"playersync/internal/catalog"
	"playersync/internal/diff"
	"playersync/internal/host"
	"playersync/internal/snapshot"
	"playersync/internal/tree"
)

// PushResult reports an override stored for one user.
type PushResult struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	// Changed lists the overridden setting paths; empty means nothing was
	// stored.
	Changed []string `json:"changed"`
	// Active users pick the override up on their next check; others on
	// their next startup.
	Active bool `json:"active"`
}

func (c *Console) canonical(values tree.Flat) tree.Tree {
	return canon.Canonicalize(c.catalog, tree.Expand(values), c.opts)
}

// changedPaths lists the settings d touches. An object setting counts once,
// however many of its fields changed.
func (c *Console) changedPaths(d tree.Tree) []string {
	paths := make([]string, 0)
	for _, def := range c.catalog.All() {
		if _, ok := tree.Get(d, def.ID()); ok {
			paths = append(paths, def.ID())
		}
	}
	sort.Strings(paths)
	return paths
}

// wholeObjects replaces every object setting in d with its full value from
// target. The differ reports only the fields of an object that changed, and
// the override is written to the live store one setting at a time.
func (c *Console) wholeObjects(d, target tree.Tree) tree.Tree {
	for _, def := range c.catalog.All() {
		if def.Kind != catalog.KindObject {
			continue
		}
		if _, changed := tree.Get(d, def.ID()); !changed {
			continue
		}
		if full, ok := tree.Get(target, def.ID()); ok {
			tree.Set(d, def.ID(), tree.DeepCopy(full))
		}
	}
	return d
}

// storeOverride writes d as the user's pending override. An empty diff
// clears any earlier one.
func (c *Console) storeOverride(ctx context.Context, userID string, d tree.Tree) error {
	if diff.Empty(d) {
		if err := c.flags.UnsetFlag(ctx, userID, host.FlagGMSettings); err != nil {
			return fmt.Errorf("clear override for %s: %w", userID, err)
		}
		return nil
	}
	encoded, err := snapshot.Encode(d)
	if err != nil {
		return err
	}
	if err := c.flags.SetFlag(ctx, userID, host.FlagGMSettings, encoded); err != nil {
		return fmt.Errorf("store override for %s: %w", userID, err)
	}
	c.metrics.ObservePush()
	if err := c.audit.LogOverridePushed(ctx, c.actorID, userID, c.changedPaths(d)); err != nil {
		c.logger.Warn("audit failed", "error", err)
	}
	return nil
}

// Push stores the settings that submitted changes relative to the user's
// current values as their pending override. Submitting the current values
// stores nothing.
func (c *Console) Push(ctx context.Context, userID string, submitted tree.Flat) (*PushResult, error) {
	if err := c.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if userID == PlayersID {
		return nil, fmt.Errorf("use PushToPlayers for %q", PlayersID)
	}

	view, err := c.view(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !view.HasSnapshot {
		c.logger.Warn("user has no stored snapshot, override may overwrite local changes", "user_id", userID)
	}

	target := c.canonical(submitted)
	d := c.wholeObjects(diff.FromBaseline(c.canonical(view.Originals()), target), target)
	res := &PushResult{UserID: userID, Name: view.User.Name, Changed: c.changedPaths(d), Active: view.User.Active}

	if diff.Empty(d) {
		c.info(fmt.Sprintf("No settings have been changed for %s", view.User.Name))
		return res, nil
	}
	if err := c.storeOverride(ctx, userID, d); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Settings have been saved for %s", view.User.Name)
	if !view.User.Active {
		msg += " and will be updated the next time they log in"
	}
	c.info(msg)
	c.logger.Info("override stored", "user_id", userID, "changes", len(res.Changed))
	return res, nil
}

// PushToPlayers records submitted as the players-wide override and stores a
// per-user override for every non-administrator, each computed against that
// user's own stored values.
func (c *Console) PushToPlayers(ctx context.Context, submitted tree.Flat) ([]PushResult, error) {
	if err := c.requireAdmin(ctx); err != nil {
		return nil, err
	}

	target := c.canonical(submitted)
	defaults := canon.Defaults(c.catalog, c.opts)

	encoded, err := snapshot.Encode(c.wholeObjects(diff.FromBaseline(defaults, target), target))
	if err != nil {
		return nil, err
	}
	if err := c.flags.SetFlag(ctx, c.actorID, host.FlagPlayersSettings, encoded); err != nil {
		return nil, fmt.Errorf("store players override: %w", err)
	}

	users, err := c.dir.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var results []PushResult
	for _, u := range users {
		if u.IsAdmin {
			continue
		}
		view, err := c.view(ctx, u.ID)
		if err != nil {
			return results, err
		}

		baseline := defaults
		if view.HasSnapshot {
			baseline = c.canonical(view.Originals())
		}
		d := c.wholeObjects(diff.FromBaseline(baseline, target), target)
		if err := c.storeOverride(ctx, u.ID, d); err != nil {
			return results, err
		}
		results = append(results, PushResult{UserID: u.ID, Name: u.Name, Changed: c.changedPaths(d), Active: u.Active})
	}

	c.info("Settings have been saved for all players and will be updated the next time each player logs in")
	c.logger.Info("players override stored", "users", len(results))
	return results, nil
}

// SetOverride edits a single setting in a user's pending override, leaving
// the rest of it untouched. For PlayersID the players-wide override is
// edited.
func (c *Console) SetOverride(ctx context.Context, userID, path string, value any) error {
	if err := c.requireAdmin(ctx); err != nil {
		return err
	}

	def, ok := c.catalog.Lookup(path)
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, path)
	}
	if c.opts.Excluded(def.Namespace) || def.Scope != catalog.ScopeClient || !def.Configurable {
		return fmt.Errorf("%s is not a configurable client setting", path)
	}
	if err := def.Validate(value); err != nil {
		return fmt.Errorf("override %s: %w", path, err)
	}

	owner, name := userID, host.FlagGMSettings
	if userID == PlayersID {
		owner, name = c.actorID, host.FlagPlayersSettings
	}

	raw, _, err := c.flag(ctx, owner, name)
	if err != nil {
		return err
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		raw = "{}"
	}

	updated, err := sjson.Set(raw, jsonPath(path), value)
	if err != nil {
		return fmt.Errorf("edit override %s: %w", path, err)
	}
	if err := c.flags.SetFlag(ctx, owner, name, updated); err != nil {
		return fmt.Errorf("store override for %s: %w", owner, err)
	}

	c.metrics.ObservePush()
	if err := c.audit.LogOverridePushed(ctx, c.actorID, owner, []string{path}); err != nil {
		c.logger.Warn("audit failed", "error", err)
	}
	return nil
}

// ClearOverride removes a single setting from a user's pending override.
func (c *Console) ClearOverride(ctx context.Context, userID, path string) error {
	if err := c.requireAdmin(ctx); err != nil {
		return err
	}

	raw, ok, err := c.flag(ctx, userID, host.FlagGMSettings)
	if err != nil || !ok {
		return err
	}
	updated, err := sjson.Delete(raw, jsonPath(path))
	if err != nil {
		return fmt.Errorf("edit override %s: %w", path, err)
	}

	pending, err := snapshot.DecodeOverride(updated)
	if err == nil && !hasLeaves(pending) {
		return c.storeOverride(ctx, userID, nil)
	}
	if err := c.flags.SetFlag(ctx, userID, host.FlagGMSettings, updated); err != nil {
		return fmt.Errorf("store override for %s: %w", userID, err)
	}
	return nil
}

// Pending returns a user's pending override.
func (c *Console) Pending(ctx context.Context, userID string) (tree.Tree, error) {
	if err := c.requireAdmin(ctx); err != nil {
		return nil, err
	}
	raw, ok, err := c.flag(ctx, userID, host.FlagGMSettings)
	if err != nil {
		return nil, err
	}
	if !ok {
		return make(tree.Tree), nil
	}
	return snapshot.DecodeOverride(raw)
}

func hasLeaves(t tree.Tree) bool {
	for _, v := range t {
		node, ok := v.(map[string]any)
		if !ok || hasLeaves(node) {
			return true
		}
	}
	return false
}
