package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownPath is returned when a decision names no record in the review.
	ErrUnknownPath = errors.New("no change recorded for path")
	// ErrInvalidDecision is returned for decisions other than old, new, or ignore.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Review is an open set of change groups awaiting a user's decisions.
// It is not safe for concurrent use.
type Review struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Groups    []ChangeGroup `json:"groups"`

	index map[string]*ChangeRecord
}

// NewReview wraps groups in a review with a fresh ID.
func NewReview(groups []ChangeGroup) *Review {
	r := &Review{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Groups:    groups,
		index:     make(map[string]*ChangeRecord),
	}
	for gi := range r.Groups {
		for ci := range r.Groups[gi].Changes {
			rec := &r.Groups[gi].Changes[ci]
			r.index[rec.Path] = rec
		}
	}
	return r
}

// Len returns the number of change records.
func (r *Review) Len() int {
	return len(r.index)
}

// Record returns the change recorded for path.
func (r *Review) Record(path string) (ChangeRecord, bool) {
	rec, ok := r.index[path]
	if !ok {
		return ChangeRecord{}, false
	}
	return *rec, true
}

// Records returns copies of every change in group order.
func (r *Review) Records() []ChangeRecord {
	out := make([]ChangeRecord, 0, len(r.index))
	for _, g := range r.Groups {
		out = append(out, g.Changes...)
	}
	return out
}

// Decide sets the decision for one path.
func (r *Review) Decide(path string, d Decision) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	rec, ok := r.index[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	rec.Decision = d
	return nil
}

// DecideAll applies a batch of decisions. Nothing is changed if any entry is
// invalid.
func (r *Review) DecideAll(decisions map[string]Decision) error {
	for path, d := range decisions {
		if !d.Valid() {
			return fmt.Errorf("%w: %q for %s", ErrInvalidDecision, d, path)
		}
		if _, ok := r.index[path]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
	}
	for path, d := range decisions {
		r.index[path].Decision = d
	}
	return nil
}

// Toggle selects side for path. Selecting the side that is already chosen
// clears the choice to ignore.
func (r *Review) Toggle(path string, side Decision) (Decision, error) {
	if side != DecisionOld && side != DecisionNew {
		return "", fmt.Errorf("%w: cannot toggle to %q", ErrInvalidDecision, side)
	}
	rec, ok := r.index[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if rec.Decision == side {
		rec.Decision = DecisionIgnore
	} else {
		rec.Decision = side
	}
	return rec.Decision, nil
}
