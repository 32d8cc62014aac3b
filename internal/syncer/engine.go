// Package syncer runs the per-user settings sync cycle: compare the live
// client configuration against the last stored snapshot, hand differences to
// the user for review, apply the decisions, and merge administrator
// overrides.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"playersync/internal/canon"
	"playersync/internal/catalog"
	"playersync/internal/diff"
	"playersync/internal/host"
	"playersync/internal/logging"
	"playersync/internal/metrics"
	"playersync/internal/reconcile"
	"playersync/internal/snapshot"
	"playersync/internal/tree"
)

// DefaultNamespace is the engine's own settings namespace.
const DefaultNamespace = "playersync"

// SyncSettingKey is the engine's on/off switch within its namespace.
const SyncSettingKey = "sync-settings"

var (
	// ErrNoReview is returned when a decision names no open review.
	ErrNoReview = errors.New("no review in progress")
)

// Outcome classifies a finished check.
type Outcome string

const (
	OutcomeNoDiff     Outcome = "no_diff"
	OutcomeReview     Outcome = "review"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDisabled   Outcome = "disabled"
)

// CheckResult reports what a check found.
type CheckResult struct {
	Outcome Outcome
	// Review is set when Outcome is OutcomeReview.
	Review *reconcile.Review
	// OverrideApplied is set when a pending administrator override was
	// merged during the check.
	OverrideApplied bool
}

// Registrar is a catalog the engine can add its own setting to.
type Registrar interface {
	catalog.Catalog
	Register(catalog.Definition) error
}

// Config identifies the user and the namespaces left out of syncing.
type Config struct {
	UserID        string
	SelfNamespace string
	Exclude       []string
}

// Deps are the engine's collaborators. Notifier, Titles, Logger, Audit, and
// Metrics are optional.
type Deps struct {
	Catalog  catalog.Catalog
	Live     host.LiveStore
	Flags    host.FlagStore
	Notifier host.Notifier
	Titles   host.TitleResolver
	Logger   *slog.Logger
	Audit    *logging.AuditLogger
	Metrics  *metrics.Metrics
}

// Engine is the sync state machine for one user. Its methods are safe for
// concurrent use; passes never interleave.
type Engine struct {
	cfg  Config
	opts canon.Options

	catalog  catalog.Catalog
	live     host.LiveStore
	flags    host.FlagStore
	notifier host.Notifier
	titles   host.TitleResolver
	logger   *slog.Logger
	audit    *logging.AuditLogger
	metrics  *metrics.Metrics

	checks singleflight.Group

	mu       sync.Mutex
	machine  machine
	review   *reconcile.Review
	stored   tree.Tree
	reload   bool
	onReload []func()
}

// New creates an engine. If the catalog accepts registrations and lacks the
// sync switch, it is registered.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user ID is required")
	}
	if deps.Catalog == nil || deps.Live == nil || deps.Flags == nil {
		return nil, errors.New("catalog, live store, and flag store are required")
	}
	if cfg.SelfNamespace == "" {
		cfg.SelfNamespace = DefaultNamespace
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	titles := deps.Titles
	if titles == nil {
		titles = host.DefaultTitles
	}

	e := &Engine{
		cfg:      cfg,
		opts:     canon.Options{SelfNamespace: cfg.SelfNamespace, Exclude: cfg.Exclude},
		catalog:  deps.Catalog,
		live:     deps.Live,
		flags:    deps.Flags,
		notifier: deps.Notifier,
		titles:   titles,
		logger:   logger.With("component", "syncer", "user_id", cfg.UserID),
		audit:    deps.Audit,
		metrics:  deps.Metrics,
	}

	if reg, ok := deps.Catalog.(Registrar); ok {
		if _, exists := reg.Lookup(e.syncSettingID()); !exists {
			if err := reg.Register(SyncSettingDefinition(cfg.SelfNamespace)); err != nil {
				return nil, fmt.Errorf("register sync switch: %w", err)
			}
		}
	}

	return e, nil
}

// SyncSettingDefinition describes the engine's on/off switch.
func SyncSettingDefinition(namespace string) catalog.Definition {
	return catalog.Definition{
		Namespace:    namespace,
		Key:          SyncSettingKey,
		Name:         "Sync client settings",
		Hint:         "Offer to sync client settings stored on your account when they differ from this client.",
		Kind:         catalog.KindBoolean,
		Default:      true,
		Scope:        catalog.ScopeClient,
		Configurable: true,
	}
}

func (e *Engine) syncSettingID() string {
	return e.cfg.SelfNamespace + tree.Separator + SyncSettingKey
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.state
}

// Review returns the open review, if any.
func (e *Engine) Review() *reconcile.Review {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.review
}

// OnReloadRequired registers fn to run whenever applied changes need a
// restart to take effect.
func (e *Engine) OnReloadRequired(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReload = append(e.onReload, fn)
}

// ReloadRequired reports whether any applied change since startup needs a
// restart.
func (e *Engine) ReloadRequired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reload
}

// signalReload must be called with e.mu held. Callbacks run after the lock
// is released.
func (e *Engine) signalReload() []func() {
	e.reload = true
	return append([]func(){}, e.onReload...)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Enabled reports whether the sync switch is on.
func (e *Engine) Enabled() (bool, error) {
	v, ok, err := e.live.Get(e.syncSettingID())
	if err != nil {
		return false, fmt.Errorf("read sync switch: %w", err)
	}
	if !ok {
		if def, found := e.catalog.Lookup(e.syncSettingID()); found {
			v = def.Default
		} else {
			return true, nil
		}
	}
	b, isBool := catalog.Coerce(SyncSettingDefinition(e.cfg.SelfNamespace), v).(bool)
	return !isBool || b, nil
}

// Counters returns the save counter and the ignore counter. hasIgnore is
// false when no review has ever been dismissed.
func (e *Engine) Counters(ctx context.Context) (saveID, ignoreID int, hasIgnore bool, err error) {
	saveID, _, err = e.counter(ctx, host.FlagSaveID)
	if err != nil {
		return 0, 0, false, err
	}
	ignoreID, hasIgnore, err = e.counter(ctx, host.FlagIgnoreID)
	if err != nil {
		return 0, 0, false, err
	}
	return saveID, ignoreID, hasIgnore, nil
}

func (e *Engine) counter(ctx context.Context, name string) (int, bool, error) {
	raw, ok, err := e.flags.GetFlag(ctx, e.cfg.UserID, name)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", name, err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("ignoring malformed counter", "flag", name, "value", raw)
		return 0, false, nil
	}
	return n, true, nil
}

// Suppressed reports whether the user dismissed the review for the current
// snapshot generation.
func (e *Engine) Suppressed(ctx context.Context) (bool, error) {
	saveID, ignoreID, hasIgnore, err := e.Counters(ctx)
	if err != nil {
		return false, err
	}
	return hasIgnore && ignoreID >= saveID, nil
}

// liveTree returns the sanitized live configuration.
func (e *Engine) liveTree() (tree.Tree, error) {
	flat, err := e.live.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("read live store: %w", err)
	}
	return canon.Sanitize(e.catalog, tree.Expand(flat), e.opts), nil
}

func (e *Engine) writeSnapshot(ctx context.Context, t tree.Tree) error {
	encoded, err := snapshot.Encode(t)
	if err != nil {
		return err
	}
	if err := e.flags.SetFlag(ctx, e.cfg.UserID, host.FlagClientSettings, encoded); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// SaveSnapshot persists the sanitized live configuration and advances the
// save counter.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveSnapshot(ctx)
}

func (e *Engine) saveSnapshot(ctx context.Context) error {
	live, err := e.liveTree()
	if err != nil {
		return err
	}
	if err := e.writeSnapshot(ctx, live); err != nil {
		return err
	}

	saveID, _, err := e.counter(ctx, host.FlagSaveID)
	if err != nil {
		return err
	}
	saveID++
	if err := e.flags.SetFlag(ctx, e.cfg.UserID, host.FlagSaveID, strconv.Itoa(saveID)); err != nil {
		return fmt.Errorf("store save counter: %w", err)
	}

	e.logger.Info("snapshot saved", "save_id", saveID)
	e.metrics.ObserveSave(e.cfg.UserID, saveID)
	if err := e.audit.LogSnapshotSaved(ctx, e.cfg.UserID, saveID); err != nil {
		e.logger.Warn("audit failed", "error", err)
	}
	return nil
}

// SaveAfterEdit persists a snapshot after a local settings edit, unless the
// sync switch is off.
func (e *Engine) SaveAfterEdit(ctx context.Context) error {
	enabled, err := e.Enabled()
	if err != nil {
		return err
	}
	if !enabled {
		e.logger.Debug("sync disabled, snapshot not saved")
		return nil
	}
	return e.SaveSnapshot(ctx)
}

// Startup saves an initial snapshot for users who have none, then checks.
func (e *Engine) Startup(ctx context.Context) (*CheckResult, error) {
	_, ok, err := e.flags.GetFlag(ctx, e.cfg.UserID, host.FlagClientSettings)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		e.logger.Info("no stored snapshot, saving current settings")
		if err := e.SaveSnapshot(ctx); err != nil {
			return nil, err
		}
	}
	return e.Check(ctx)
}

// Check compares the live configuration with the stored snapshot and, when
// they differ, opens a review. Concurrent calls share one pass. While a
// review is open, Check returns it. A pending administrator override is
// applied when no review is open; otherwise it waits until the review is
// submitted, dismissed, or abandoned.
func (e *Engine) Check(ctx context.Context) (*CheckResult, error) {
	v, err, _ := e.checks.Do("check", func() (any, error) {
		return e.check(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*CheckResult)
	return &res, nil
}

func (e *Engine) check(ctx context.Context) (*CheckResult, error) {
	e.mu.Lock()
	started := time.Now()

	var (
		res      *CheckResult
		checkErr error
	)
	if e.review != nil {
		res = &CheckResult{Outcome: OutcomeReview, Review: e.review}
	} else {
		res, checkErr = e.compare(ctx)
		if checkErr != nil {
			e.metrics.ObserveCheck(metrics.OutcomeError, started)
		} else {
			e.metrics.ObserveCheck(string(res.Outcome), started)
		}
	}

	var (
		applied, reload bool
		overrideErr     error
		callbacks       []func()
	)
	if e.review == nil {
		applied, reload, overrideErr = e.applyOverrides(ctx)
	}
	if reload {
		callbacks = e.signalReload()
	}
	e.mu.Unlock()
	runAll(callbacks)

	if err := errors.Join(checkErr, overrideErr); err != nil {
		return nil, err
	}
	res.OverrideApplied = applied
	return res, nil
}

// compare runs Idle -> Checking -> (NoDiff | AwaitingDecision). Must be
// called with e.mu held.
func (e *Engine) compare(ctx context.Context) (*CheckResult, error) {
	e.machine.must(Checking)

	finish := func(o Outcome) *CheckResult {
		e.machine.must(NoDiff)
		e.machine.must(Idle)
		return &CheckResult{Outcome: o}
	}
	fail := func(err error) (*CheckResult, error) {
		e.machine.must(Idle)
		return nil, err
	}

	enabled, err := e.Enabled()
	if err != nil {
		return fail(err)
	}
	if !enabled {
		return finish(OutcomeDisabled), nil
	}
	suppressed, err := e.Suppressed(ctx)
	if err != nil {
		return fail(err)
	}
	if suppressed {
		e.logger.Debug("changes ignored for current snapshot")
		return finish(OutcomeSuppressed), nil
	}

	raw, ok, err := e.flags.GetFlag(ctx, e.cfg.UserID, host.FlagClientSettings)
	if err != nil {
		return fail(fmt.Errorf("read snapshot: %w", err))
	}
	if !ok {
		return finish(OutcomeNoDiff), nil
	}
	stored, valid := snapshot.DecodeOrEmpty(raw)
	if !valid {
		e.logger.Warn("stored snapshot is malformed, comparing against defaults")
	}
	stored = canon.Sanitize(e.catalog, stored, e.opts)

	live, err := e.liveTree()
	if err != nil {
		return fail(err)
	}

	baseline := canon.WithDefaults(e.catalog, stored, e.opts)
	candidate := canon.WithDefaults(e.catalog, live, e.opts)
	d := diff.FromBaseline(baseline, candidate)
	if diff.Empty(d) {
		return finish(OutcomeNoDiff), nil
	}

	groups := reconcile.Build(e.catalog, e.titles, d, tree.Flatten(baseline), candidate, e.logger)
	if len(groups) == 0 {
		return finish(OutcomeNoDiff), nil
	}

	e.machine.must(AwaitingDecision)
	e.review = reconcile.NewReview(groups)
	e.stored = stored
	e.logger.Info("settings differ from stored snapshot",
		"review_id", e.review.ID,
		"changes", e.review.Len(),
	)
	return &CheckResult{Outcome: OutcomeReview, Review: e.review}, nil
}

func (e *Engine) openReview(reviewID string) error {
	if e.review == nil || e.review.ID != reviewID {
		return fmt.Errorf("%w: %s", ErrNoReview, reviewID)
	}
	return nil
}

func (e *Engine) closeReview() {
	e.review = nil
	e.stored = nil
	e.machine.must(Idle)
}

// Submit applies the open review. decisions overrides the per-record
// choices already on the review; nil keeps them. Live write failures are
// reported in the outcome. A failure to persist the stored snapshot closes
// the review and is returned.
func (e *Engine) Submit(ctx context.Context, reviewID string, decisions map[string]reconcile.Decision) (*reconcile.Outcome, error) {
	e.mu.Lock()
	out, callbacks, err := e.submit(ctx, reviewID, decisions)
	e.mu.Unlock()
	runAll(callbacks)
	return out, err
}

func (e *Engine) submit(ctx context.Context, reviewID string, decisions map[string]reconcile.Decision) (*reconcile.Outcome, []func(), error) {
	if err := e.openReview(reviewID); err != nil {
		return nil, nil, err
	}
	if err := e.review.DecideAll(decisions); err != nil {
		return nil, nil, err
	}

	review := e.review
	e.machine.must(Applying)

	out := reconcile.Apply(review.Groups, reconcile.Target{
		Live:     e.live,
		Stored:   e.stored,
		Notifier: e.notifier,
		Logger:   e.logger,
	})

	for _, rec := range review.Records() {
		if rec.Decision != reconcile.DecisionNew {
			continue
		}
		if err := e.audit.LogSettingChanged(ctx, e.cfg.UserID, rec.Path, rec.OldDisplay, rec.NewDisplay); err != nil {
			e.logger.Warn("audit failed", "error", err)
		}
	}
	e.metrics.ObserveDecisions(out.Applied, out.Reverted, out.Ignored, len(out.Failures))
	if err := e.audit.LogSyncApplied(ctx, e.cfg.UserID, review.ID, out.Applied, out.Reverted, out.Ignored, len(out.Failures)); err != nil {
		e.logger.Warn("audit failed", "error", err)
	}

	var persistErr error
	if out.StoredDirty {
		persistErr = e.writeSnapshot(ctx, out.Stored)
	}
	e.closeReview()

	_, overrideReload, overrideErr := e.applyOverrides(ctx)
	var callbacks []func()
	if out.ReloadRequired || overrideReload {
		callbacks = e.signalReload()
	}

	if err := errors.Join(persistErr, overrideErr); err != nil {
		return &out, callbacks, err
	}
	e.logger.Info("review applied",
		"review_id", review.ID,
		"applied", out.Applied,
		"reverted", out.Reverted,
		"ignored", out.Ignored,
		"failed", len(out.Failures),
	)
	return &out, callbacks, nil
}

// Dismiss closes the open review and suppresses further prompts until the
// next snapshot is saved. None of the review's changes are applied; an
// administrator override held back by the review is.
func (e *Engine) Dismiss(ctx context.Context, reviewID string) error {
	e.mu.Lock()
	callbacks, err := e.dismiss(ctx, reviewID)
	e.mu.Unlock()
	runAll(callbacks)
	return err
}

func (e *Engine) dismiss(ctx context.Context, reviewID string) ([]func(), error) {
	if err := e.openReview(reviewID); err != nil {
		return nil, err
	}
	e.closeReview()

	saveID, _, err := e.counter(ctx, host.FlagSaveID)
	if err != nil {
		return nil, err
	}
	if err := e.flags.SetFlag(ctx, e.cfg.UserID, host.FlagIgnoreID, strconv.Itoa(saveID)); err != nil {
		return nil, fmt.Errorf("store ignore counter: %w", err)
	}

	e.logger.Info("review dismissed", "review_id", reviewID, "ignore_id", saveID)
	if err := e.audit.LogSyncIgnored(ctx, e.cfg.UserID, saveID); err != nil {
		e.logger.Warn("audit failed", "error", err)
	}
	return e.afterReview(ctx)
}

// Abandon closes the open review without applying or suppressing anything.
// The same differences are offered on the next check. An administrator
// override held back by the review is applied.
func (e *Engine) Abandon(ctx context.Context, reviewID string) error {
	e.mu.Lock()
	if err := e.openReview(reviewID); err != nil {
		e.mu.Unlock()
		return err
	}
	e.closeReview()
	e.logger.Debug("review abandoned", "review_id", reviewID)
	callbacks, err := e.afterReview(ctx)
	e.mu.Unlock()
	runAll(callbacks)
	return err
}

// afterReview applies an override that arrived while a review was open.
// Must be called with e.mu held.
func (e *Engine) afterReview(ctx context.Context) ([]func(), error) {
	_, reload, err := e.applyOverrides(ctx)
	if !reload {
		return nil, err
	}
	return e.signalReload(), err
}

// ResetIgnore clears a recorded dismissal so the next check prompts again.
func (e *Engine) ResetIgnore(ctx context.Context) error {
	if err := e.flags.UnsetFlag(ctx, e.cfg.UserID, host.FlagIgnoreID); err != nil {
		return fmt.Errorf("clear ignore counter: %w", err)
	}
	e.logger.Info("ignore reset")
	return nil
}
