package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/record"
)

// SignAndComplete records the operator sign-off on the displayed step and,
// unless it is the last step, moves the operator cursor to the next step
// and shows it. On a signed step whose cursor update failed it only retries
// moving the cursor.
func (t *Tracker) SignAndComplete(ctx context.Context) error {
	return t.complete(ctx, record.RoleOperator)
}

// ReviewAndComplete is the QA counterpart of SignAndComplete. It does not
// check that the operator signed first; CanReview is for that.
func (t *Tracker) ReviewAndComplete(ctx context.Context) error {
	return t.complete(ctx, record.RoleQA)
}

// Complete signs or reviews depending on the actor's role.
func (t *Tracker) Complete(ctx context.Context) error {
	return t.complete(ctx, t.actor.Role().CursorRole())
}

func completedAction(role record.Role) logbook.Action {
	if role == record.RoleQA {
		return logbook.ActionReviewed
	}
	return logbook.ActionSigned
}

func (t *Tracker) complete(ctx context.Context, role record.Role) error {
	release := t.hold()
	defer release()

	t.mu.Lock()
	if t.parent == nil || t.step == nil {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if t.actor.Role().CursorRole() != role {
		err := t.failLocked(validationf("%s cannot complete steps as %s", t.actor.Role(), role))
		t.mu.Unlock()
		return err
	}
	if t.step.Executed(role) {
		if t.cursorLagsLocked(role) {
			next := t.index + 1
			t.mu.Unlock()
			return t.advance(ctx, role, next)
		}
		err := t.failLocked(validationf("step %d is already %s", t.index, completedAction(role)))
		t.mu.Unlock()
		return err
	}
	updated := t.step.Clone()
	updated.MarkExecuted(role, t.actor.DisplayName(), t.now())
	index := t.index
	total := t.parent.TotalSteps
	tk := t.startLocked()
	t.mu.Unlock()

	if _, err := t.persist(ctx, tk, index, updated); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		t.record(tk.parentID, index, role, logbook.ActionFailed, string(completedAction(role))+": "+err.Error())
		return err
	}
	t.record(tk.parentID, index, role, completedAction(role), "")

	if index+1 > total {
		return nil
	}
	return t.advance(ctx, role, index+1)
}

// advance moves the role cursor, refreshes the parent and shows the new
// cursor step.
func (t *Tracker) advance(ctx context.Context, role record.Role, next int) error {
	t.mu.Lock()
	tk := t.startLocked()
	t.mu.Unlock()

	err := t.repo.PatchCursor(ctx, t.res, tk.parentID, role, next)

	t.mu.Lock()
	t.finishLocked()
	if !t.currentLocked(tk) {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		err = t.failLocked(fmt.Errorf("tracker: move %s cursor to %d: %w", role, next, err))
		t.mu.Unlock()
		t.record(tk.parentID, next-1, role, logbook.ActionFailed, err.Error())
		return err
	}
	if t.parent != nil {
		if t.parent.Cursors == nil {
			t.parent.Cursors = map[record.Role]record.Cursor{}
		}
		t.parent.Cursors[role] = record.At(next)
	}
	tk = t.startLocked()
	t.mu.Unlock()
	t.record(tk.parentID, next-1, role, logbook.ActionAdvanced, fmt.Sprintf("cursor now at step %d", next))

	parent, err := t.repo.FetchParent(ctx, t.res, tk.parentID)

	t.mu.Lock()
	t.finishLocked()
	if !t.currentLocked(tk) {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		err = t.failLocked(fmt.Errorf("tracker: refresh %s %s: %w", t.res, tk.parentID, err))
		t.mu.Unlock()
		return err
	}
	t.parent = &parent
	t.mu.Unlock()

	return t.GoToStep(ctx, next)
}
