package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"playersync/internal/config"
	"playersync/internal/health"
	"playersync/internal/host"
	"playersync/internal/reconcile"
	"playersync/internal/syncer"
	"playersync/internal/watcher"
)

func runCheck(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	res, err := e.Check(cmd.Context())
	if err != nil {
		return err
	}
	return resolve(cmd, a, e, res)
}

func runStartup(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	res, err := e.Startup(cmd.Context())
	if err != nil {
		return err
	}
	return resolve(cmd, a, e, res)
}

// resolve reports a check result and, for an open review, collects and
// submits the user's decisions.
func resolve(cmd *cobra.Command, a *app, e *syncer.Engine, res *syncer.CheckResult) error {
	ctx := cmd.Context()
	if res.OverrideApplied {
		fmt.Fprintln(a.out, "Administrator settings were applied.")
	}
	if res.Outcome != syncer.OutcomeReview {
		if jsonOutput {
			return printJSON(a.out, res)
		}
		fmt.Fprintln(a.out, describeOutcome(res.Outcome))
		return nil
	}

	review := res.Review
	if dismiss {
		return e.Dismiss(ctx, review.ID)
	}

	var decisions map[string]reconcile.Decision
	switch {
	case acceptAll != "":
		d := reconcile.Decision(acceptAll)
		if !d.Valid() {
			return fmt.Errorf("%w: %q", reconcile.ErrInvalidDecision, acceptAll)
		}
		decisions = make(map[string]reconcile.Decision, review.Len())
		for _, rec := range review.Records() {
			decisions[rec.Path] = d
		}
	case jsonOutput:
		// Machine callers resolve later with --accept; nothing is decided here.
		if err := printJSON(a.out, review); err != nil {
			return err
		}
		return e.Abandon(ctx, review.ID)
	default:
		quit, ignoreAll, err := prompt(cmd, a, review)
		if err != nil {
			return errors.Join(err, e.Abandon(ctx, review.ID))
		}
		if ignoreAll {
			return e.Dismiss(ctx, review.ID)
		}
		if quit {
			fmt.Fprintln(a.out, "Nothing changed.")
			return e.Abandon(ctx, review.ID)
		}
	}
	return submit(ctx, a, e, review.ID, decisions)
}

func submit(ctx context.Context, a *app, e *syncer.Engine, reviewID string, decisions map[string]reconcile.Decision) error {
	out, err := e.Submit(ctx, reviewID, decisions)
	if out != nil {
		if jsonOutput {
			if jerr := printJSON(a.out, out); jerr != nil {
				return errors.Join(err, jerr)
			}
		} else {
			fmt.Fprintf(a.out, "Applied %d, kept stored %d, ignored %d, failed %d.\n",
				out.Applied, out.Reverted, out.Ignored, len(out.Failures))
			if out.ReloadRequired {
				fmt.Fprintln(a.out, "Some changes take effect after the client is restarted.")
			}
		}
	}
	return err
}

func describeOutcome(o syncer.Outcome) string {
	switch o {
	case syncer.OutcomeNoDiff:
		return "Settings match the stored snapshot."
	case syncer.OutcomeSuppressed:
		return "Differences were ignored for the current snapshot. Run reset-ignore to see them again."
	case syncer.OutcomeDisabled:
		return "Syncing is switched off."
	default:
		return string(o)
	}
}

// prompt walks the review one record at a time, recording answers on the
// review itself. n and o select a side; choosing the side already selected
// clears it to ignore. i ignores the record, enter accepts the current
// choice, q quits without changes, and x ignores everything until the next
// save.
func prompt(cmd *cobra.Command, a *app, review *reconcile.Review) (quit, ignoreAll bool, err error) {
	in := bufio.NewScanner(cmd.InOrStdin())

	for _, g := range review.Groups {
		fmt.Fprintf(a.out, "\n%s\n", g.Title)
		for _, rec := range g.Changes {
			fmt.Fprintf(a.out, "  %s\n    stored: %s\n    local:  %s\n", rec.Label, rec.OldDisplay, rec.NewDisplay)
			if rec.RequiresReload {
				fmt.Fprintln(a.out, "    (requires restart)")
			}
			current := rec.Decision
			for {
				fmt.Fprintf(a.out, "  [n]ew / [o]ld / [i]gnore, [q]uit, ignore all [x], enter to keep %s: ", current)
				if !in.Scan() {
					return true, false, in.Err()
				}
				answer := strings.ToLower(strings.TrimSpace(in.Text()))
				switch answer {
				case "":
				case "n", "new":
					current, err = review.Toggle(rec.Path, reconcile.DecisionNew)
				case "o", "old":
					current, err = review.Toggle(rec.Path, reconcile.DecisionOld)
				case "i", "ignore":
					current, err = reconcile.DecisionIgnore, review.Decide(rec.Path, reconcile.DecisionIgnore)
				case "q", "quit":
					return true, false, nil
				case "x":
					return false, true, nil
				default:
					fmt.Fprintf(a.out, "  unknown answer %q\n", answer)
					continue
				}
				if err != nil {
					return false, false, err
				}
				if answer == "" {
					break
				}
			}
		}
	}
	return false, false, nil
}

func runSave(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	if forceSave {
		err = e.SaveSnapshot(cmd.Context())
	} else {
		err = e.SaveAfterEdit(cmd.Context())
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Saved.")
	return nil
}

func runIgnore(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	res, err := e.Check(cmd.Context())
	if err != nil {
		return err
	}
	if res.Outcome != syncer.OutcomeReview {
		fmt.Fprintln(a.out, describeOutcome(res.Outcome))
		return nil
	}
	if err := e.Dismiss(cmd.Context(), res.Review.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Ignoring %d difference(s) until the next save.\n", res.Review.Len())
	return nil
}

func runResetIgnore(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	return e.ResetIgnore(cmd.Context())
}

type status struct {
	UserID          string `json:"user_id"`
	Enabled         bool   `json:"enabled"`
	SaveID          int    `json:"save_id"`
	IgnoreID        *int   `json:"ignore_id"`
	Suppressed      bool   `json:"suppressed"`
	HasSnapshot     bool   `json:"has_snapshot"`
	PendingOverride bool   `json:"pending_override"`
}

func runStatus(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	e, err := a.engine()
	if err != nil {
		return err
	}

	st := status{UserID: a.cfg.Sync.UserID}
	if st.Enabled, err = e.Enabled(); err != nil {
		return err
	}
	saveID, ignoreID, hasIgnore, err := e.Counters(ctx)
	if err != nil {
		return err
	}
	st.SaveID = saveID
	if hasIgnore {
		st.IgnoreID = &ignoreID
	}
	if st.Suppressed, err = e.Suppressed(ctx); err != nil {
		return err
	}
	if _, st.HasSnapshot, err = a.flags.GetFlag(ctx, st.UserID, host.FlagClientSettings); err != nil {
		return err
	}
	if _, st.PendingOverride, err = a.flags.GetFlag(ctx, st.UserID, host.FlagGMSettings); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(a.out, st)
	}
	fmt.Fprintf(a.out, "User:             %s\n", st.UserID)
	fmt.Fprintf(a.out, "Syncing:          %s\n", onOff(st.Enabled))
	fmt.Fprintf(a.out, "Stored snapshot:  %s\n", yesNo(st.HasSnapshot))
	fmt.Fprintf(a.out, "Save counter:     %d\n", st.SaveID)
	if st.IgnoreID != nil {
		fmt.Fprintf(a.out, "Ignore counter:   %d\n", *st.IgnoreID)
	}
	fmt.Fprintf(a.out, "Ignoring changes: %s\n", yesNo(st.Suppressed))
	fmt.Fprintf(a.out, "Pending override: %s\n", yesNo(st.PendingOverride))
	return nil
}

func runOverridesApply(cmd *cobra.Command, a *app, _ []string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	applied, err := e.ApplyOverrides(cmd.Context())
	if err != nil {
		return err
	}
	if !applied {
		fmt.Fprintln(a.out, "No pending override.")
	}
	return nil
}

// runWatch is the long-running client: it reconciles once at startup, stores
// a snapshot after every local edit, and polls for administrator overrides.
func runWatch(cmd *cobra.Command, a *app, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := a.engine()
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.Register("database", true, health.ErrorProbe(a.db.DB().PingContext))
	checker.Register("live_store", true, health.ErrorProbe(func(context.Context) error {
		_, err := a.live.Snapshot()
		return err
	}))
	checker.Register("catalog", false, health.MinimumProbe("settings", 1, a.catalog.Len))

	e.OnReloadRequired(func() {
		a.log.Warn("applied settings require a client restart")
	})

	res, err := e.Startup(ctx)
	if err != nil {
		return err
	}
	if res.Outcome == syncer.OutcomeReview {
		a.log.Info("local settings differ from the stored snapshot; run 'playersync check' to resolve",
			"changes", res.Review.Len())
		if err := e.Abandon(ctx, res.Review.ID); err != nil {
			return err
		}
	}

	w, err := watcher.New([]string{a.cfg.Live.Path}, time.Duration(a.cfg.Live.DebounceMs)*time.Millisecond)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	loader := config.NewLoader(configPath)
	if _, err := loader.Load(); err == nil {
		loader.OnChange(func(_, _ *config.Config) {
			a.log.Info("configuration changed; restart watch to apply", "path", loader.Path())
		})
		if err := loader.Watch(); err != nil {
			a.log.Debug("config hot reload unavailable", "error", err)
		}
		defer loader.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.Run(ctx, a.log.Logger, func(ctx context.Context, ev watcher.Event) error {
			a.log.Debug("local settings changed", "path", ev.Path, "size", ev.Size)
			return e.SaveAfterEdit(ctx)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				applied, err := e.ApplyOverrides(ctx)
				if err != nil {
					a.log.Error("applying override failed", "error", err)
				}
				if !applied {
					continue
				}
				// The override's own write is not a local edit and must not
				// advance the save counter.
				if err := w.Acknowledge(a.cfg.Live.Path); err != nil {
					a.log.Warn("could not record override write", "error", err)
				}
			}
		}
	})

	addr := a.cfg.Metrics.Addr
	if metricsOn != "" {
		addr = metricsOn
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		checker.Mount(mux)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.log.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	checker.SetReady(true)
	a.log.Info("watching local settings", "path", a.cfg.Live.Path, "user_id", a.cfg.Sync.UserID)
	return g.Wait()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
