package reconcile

import (
	"fmt"
	"log/slog"

	"playersync/internal/host"
	"playersync/internal/tree"
)

// KeyError records a failure to apply a single setting.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Path, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Target is where decisions are written.
type Target struct {
	// Live receives values decided as new.
	Live host.LiveStore
	// Stored is the stored snapshot tree; values decided as old are written
	// into it in place. A nil tree is allocated on first write.
	Stored tree.Tree
	// Notifier, when set, is told about every live write failure.
	Notifier host.Notifier
	Logger   *slog.Logger
}

// Outcome summarizes an Apply call.
type Outcome struct {
	Applied  int
	Reverted int
	Ignored  int

	// Stored is the (possibly updated) stored snapshot tree.
	Stored tree.Tree
	// StoredDirty is set when Stored changed and must be persisted.
	StoredDirty bool
	// ReloadRequired is set when an applied change needs a restart.
	ReloadRequired bool

	Failures []*KeyError
}

// Apply carries out the decision on every record. A failed live write is
// recorded and reported, and processing continues with the next record.
func Apply(groups []ChangeGroup, target Target) Outcome {
	logger := target.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := Outcome{Stored: target.Stored}

	for _, group := range groups {
		for _, change := range group.Changes {
			switch change.Decision {
			case DecisionNew:
				logger.Info("sync setting",
					"path", change.Path,
					"from", change.OldDisplay,
					"to", change.NewDisplay,
				)
				if err := target.Live.Set(change.Path, tree.DeepCopy(change.NewValue)); err != nil {
					kerr := &KeyError{Path: change.Path, Err: err}
					out.Failures = append(out.Failures, kerr)
					logger.Error("sync setting failed", "path", change.Path, "error", err)
					if target.Notifier != nil {
						target.Notifier.Error(fmt.Sprintf("Could not update %s: %v", change.Label, err))
					}
					continue
				}
				out.Applied++
				if change.RequiresReload {
					out.ReloadRequired = true
				}

			case DecisionOld:
				if out.Stored == nil {
					out.Stored = make(tree.Tree)
				}
				if change.OldValue == nil {
					tree.Delete(out.Stored, change.Path)
				} else {
					tree.Set(out.Stored, change.Path, tree.DeepCopy(change.OldValue))
				}
				out.Reverted++
				out.StoredDirty = true

			default:
				logger.Debug("ignoring setting", "path", change.Path)
				out.Ignored++
			}
		}
	}

	return out
}
