package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/batchline/internal/record"
)

// GoToCurrentStep shows the step the actor's cursor points at. A role that
// has not started sees step 1; a cursor past the end shows the last step.
// If the cursor cannot be read the displayed step does not change.
func (t *Tracker) GoToCurrentStep(ctx context.Context) error {
	t.mu.Lock()
	if t.parent == nil {
		t.mu.Unlock()
		return ErrNotOpen
	}
	role := t.actor.Role()
	tk := t.startLocked()
	t.mu.Unlock()

	cursor, err := t.repo.FetchCursor(ctx, t.res, tk.parentID, role)

	t.mu.Lock()
	t.finishLocked()
	if !t.currentLocked(tk) || t.parent == nil {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		err = t.failLocked(fmt.Errorf("tracker: read %s cursor: %w", role.CursorRole(), err))
		t.mu.Unlock()
		return err
	}
	if t.parent.Cursors == nil {
		t.parent.Cursors = map[record.Role]record.Cursor{}
	}
	t.parent.Cursors[role.CursorRole()] = cursor
	total := t.parent.TotalSteps
	index := cursor.Resolve(total)
	if index == 0 {
		err = t.failLocked(validationf("%s %s has no steps", t.res, tk.parentID))
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	return t.GoToStep(ctx, index)
}

// GoToStep displays step index without moving any cursor. Out-of-range
// indices are rejected before any request. When several navigations race,
// the one issued last wins. Unsaved field edits on the displayed step are
// saved first; if that fails the navigation does not happen.
func (t *Tracker) GoToStep(ctx context.Context, index int) error {
	if err := t.Save(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if t.parent == nil {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if index < 1 || index > t.parent.TotalSteps {
		err := t.failLocked(validationf("step %d is outside 1..%d", index, t.parent.TotalSteps))
		t.mu.Unlock()
		return err
	}
	t.navToken++
	token := t.navToken
	tk := t.startLocked()
	t.mu.Unlock()

	step, err := t.repo.FetchStep(ctx, t.res, tk.parentID, index)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked()
	if !t.currentLocked(tk) || token != t.navToken {
		return nil
	}
	if err != nil {
		return t.failLocked(fmt.Errorf("tracker: load step %d: %w", index, err))
	}
	t.step = &step
	t.index = index
	t.err = nil
	return nil
}

// Next shows the following step; it does nothing on the last step.
func (t *Tracker) Next(ctx context.Context) error {
	return t.move(ctx, 1)
}

// Back shows the previous step; it does nothing on the first step.
func (t *Tracker) Back(ctx context.Context) error {
	return t.move(ctx, -1)
}

func (t *Tracker) move(ctx context.Context, delta int) error {
	t.mu.Lock()
	if t.parent == nil || t.step == nil {
		t.mu.Unlock()
		return ErrNotOpen
	}
	target := t.index + delta
	total := t.parent.TotalSteps
	t.mu.Unlock()
	if target < 1 || target > total {
		return nil
	}
	return t.GoToStep(ctx, target)
}

// Save persists unsaved field edits on the displayed step. It is a no-op
// when nothing changed.
func (t *Tracker) Save(ctx context.Context) error {
	t.mu.Lock()
	if t.step == nil || !t.step.Dirty() {
		t.mu.Unlock()
		return nil
	}
	pending := t.step.Clone()
	index := t.index
	tk := t.startLocked()
	t.mu.Unlock()

	_, err := t.persist(ctx, tk, index, pending)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// persist sends the full step document and, on success, makes the saved
// version the displayed one. The caller must have started tk.
func (t *Tracker) persist(ctx context.Context, tk ticket, index int, updated record.Step) (record.Step, error) {
	err := t.repo.PatchStep(ctx, t.res, tk.parentID, index, updated)
	var committed record.Step
	if err == nil {
		committed, err = updated.Commit()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked()
	if !t.currentLocked(tk) {
		return record.Step{}, errSuperseded
	}
	if err != nil {
		return record.Step{}, t.failLocked(fmt.Errorf("tracker: save step %d: %w", index, err))
	}
	if t.step != nil && t.index == index {
		shown := committed.Clone()
		shown.CarryEdits(updated, *t.step)
		t.step = &shown
	}
	t.err = nil
	return committed, nil
}
