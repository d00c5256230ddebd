package tracker

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/record"
)

// Input kinds edited as free text.
var textKinds = []record.Kind{
	record.KindTextbox,
	record.KindAuto,
	record.KindDropdown,
	record.KindDate,
	record.KindTime,
	record.KindDateTime,
	record.KindDefault,
}

// editableLocked explains why the displayed step cannot be edited, or
// returns nil. QA never edits fields and a signed step is frozen.
func (t *Tracker) editableLocked() error {
	if t.step == nil {
		return ErrNotOpen
	}
	if t.actor.Role().CursorRole() == record.RoleQA {
		return validationf("%s cannot edit step fields", t.actor.Role())
	}
	if t.step.Executed(record.RoleOperator) {
		return validationf("step %d is already signed", t.index)
	}
	return nil
}

func (t *Tracker) placeholderLocked(key string, kinds ...record.Kind) (record.Placeholder, error) {
	if err := t.editableLocked(); err != nil {
		return record.Placeholder{}, err
	}
	p, ok := t.step.Placeholders[key]
	if !ok {
		return record.Placeholder{}, validationf("step %d has no field %q", t.index, key)
	}
	if !slices.Contains(kinds, p.Kind) {
		return record.Placeholder{}, validationf("field %q is a %s input", key, p.Kind)
	}
	return p, nil
}

func (t *Tracker) rejectLocked(err error) error {
	if errors.Is(err, ErrNotOpen) {
		return err
	}
	return t.failLocked(err)
}

// SetCurrentStepData replaces the displayed step locally. Sign-offs already
// recorded on the displayed step are kept.
func (t *Tracker) SetCurrentStepData(step record.Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.step == nil {
		return ErrNotOpen
	}
	if step.Index != 0 && step.Index != t.index {
		return t.failLocked(validationf("step %d cannot replace displayed step %d", step.Index, t.index))
	}
	next := step.Clone()
	next.KeepExecutions(*t.step)
	t.step = &next
	t.err = nil
	return nil
}

// SetFieldValue stores typed text in a text-like field. Integer-looking
// text typed into a textbox becomes a number; dropdown values must name
// one of the options (or be empty to clear the field).
func (t *Tracker) SetFieldValue(key, raw string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.placeholderLocked(key, textKinds...)
	if err != nil {
		return t.rejectLocked(err)
	}
	var value any
	switch p.Kind {
	case record.KindDropdown:
		if raw != "" && len(p.Options) > 0 {
			if _, ok := p.Option(raw); !ok {
				return t.failLocked(validationf("%q is not an option of %q", raw, key))
			}
		}
		value = raw
	case record.KindDate, record.KindTime, record.KindDateTime:
		value = strings.TrimSpace(raw)
	default:
		value = record.CoerceInput(raw)
	}
	t.step.SetPlaceholder(key, value)
	t.err = nil
	return nil
}

// SelectOption picks a radio option. An option with a next step marks the
// steps in between as skipped; any other choice clears the skip.
func (t *Tracker) SelectOption(key, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.placeholderLocked(key, record.KindRadio)
	if err != nil {
		return t.rejectLocked(err)
	}
	t.step.SetPlaceholder(key, label)
	if opt, ok := p.Option(label); ok && opt.NextStep > 0 {
		t.step.SetSkip(record.SkipStep{Skip: true, Numbers: []int{opt.NextStep}})
	} else {
		t.step.SetSkip(record.SkipStep{})
	}
	t.err = nil
	return nil
}

// SetChecked sets a checkbox.
func (t *Tracker) SetChecked(key string, checked bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.placeholderLocked(key, record.KindCheckbox); err != nil {
		return t.rejectLocked(err)
	}
	t.step.SetPlaceholder(key, checked)
	t.err = nil
	return nil
}

// AddComment appends a comment signed with the actor's name and saves the
// step. Blank text is ignored. The displayed step only changes once the
// backend accepted it.
func (t *Tracker) AddComment(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	t.mu.Lock()
	if t.step == nil {
		t.mu.Unlock()
		return ErrNotOpen
	}
	updated := t.step.Clone()
	updated.AppendComment(record.Comment{
		Text:      text,
		User:      t.actor.DisplayName(),
		CreatedAt: t.now(),
	})
	index := t.index
	tk := t.startLocked()
	t.mu.Unlock()

	if _, err := t.persist(ctx, tk, index, updated); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		t.record(tk.parentID, index, t.actor.Role(), logbook.ActionFailed, "comment: "+err.Error())
		return err
	}
	t.record(tk.parentID, index, t.actor.Role(), logbook.ActionComment, text)
	return nil
}
