package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/logging"
	"github.com/kingrea/batchline/internal/record"
)

var (
	// ErrValidation marks requests rejected before anything is sent.
	ErrValidation = errors.New("tracker: invalid request")
	// ErrNotOpen is returned when no record (or step) is loaded.
	ErrNotOpen = errors.New("tracker: no record open")

	errSuperseded = errors.New("tracker: superseded")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Repository is the step-indexed backend surface the tracker drives.
type Repository interface {
	FetchParent(ctx context.Context, res record.Resource, id string) (record.Parent, error)
	FetchStep(ctx context.Context, res record.Resource, parentID string, index int) (record.Step, error)
	PatchStep(ctx context.Context, res record.Resource, parentID string, index int, step record.Step) error
	FetchCursor(ctx context.Context, res record.Resource, parentID string, role record.Role) (record.Cursor, error)
	PatchCursor(ctx context.Context, res record.Resource, parentID string, role record.Role, index int) error
}

// Actor is the signed-in user acting on the record.
type Actor interface {
	Role() record.Role
	DisplayName() string
}

// Journal receives execution events worth keeping.
type Journal interface {
	Record(logbook.Event)
}

// Tracker walks one parent record's steps on behalf of one actor. It is
// the single surface the view reads from and acts through. Methods are safe
// for concurrent use; network calls run outside the lock.
type Tracker struct {
	repo    Repository
	res     record.Resource
	actor   Actor
	clock   func() time.Time
	logger  *logging.Logger
	journal Journal

	mu         sync.Mutex
	parentID   string
	parent     *record.Parent
	step       *record.Step
	index      int
	loading    int
	err        error
	generation uint64
	navToken   uint64
}

// Option customizes the tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger routes diagnostics to the log file.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithJournal records sign-offs and comments in the execution journal.
func WithJournal(j Journal) Option {
	return func(t *Tracker) {
		t.journal = j
	}
}

// New builds a tracker for one resource kind and one actor.
func New(repo Repository, res record.Resource, actor Actor, opts ...Option) (*Tracker, error) {
	if repo == nil {
		return nil, fmt.Errorf("tracker: repository is required")
	}
	if res.Path == "" {
		return nil, fmt.Errorf("tracker: resource is required")
	}
	if actor == nil || actor.Role() == "" {
		return nil, fmt.Errorf("tracker: actor with a role is required")
	}
	t := &Tracker{
		repo:   repo,
		res:    res,
		actor:  actor,
		clock:  time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// ticket identifies work started against a particular opened record.
type ticket struct {
	gen      uint64
	parentID string
}

func (t *Tracker) startLocked() ticket {
	t.loading++
	return ticket{gen: t.generation, parentID: t.parentID}
}

func (t *Tracker) finishLocked() {
	if t.loading > 0 {
		t.loading--
	}
}

func (t *Tracker) currentLocked(tk ticket) bool {
	return tk.gen == t.generation
}

func (t *Tracker) failLocked(err error) error {
	t.err = err
	if !errors.Is(err, ErrValidation) {
		t.logger.Warn("tracker operation failed", "resource", t.res.Name, "record", t.parentID, "step", t.index, "error", err)
	}
	return err
}

func (t *Tracker) fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failLocked(err)
}

// hold marks the tracker busy for the length of a multi-request action.
func (t *Tracker) hold() func() {
	t.mu.Lock()
	t.loading++
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.finishLocked()
		t.mu.Unlock()
	}
}

func (t *Tracker) resetLocked() {
	t.parent = nil
	t.step = nil
	t.index = 0
	t.err = nil
	t.navToken++
}

func (t *Tracker) now() time.Time {
	return t.clock().UTC()
}

func (t *Tracker) record(parentID string, step int, role record.Role, action logbook.Action, detail string) {
	if t.journal == nil {
		return
	}
	t.journal.Record(logbook.Event{
		Resource: t.res.Name,
		ParentID: parentID,
		Step:     step,
		Role:     string(role),
		Actor:    t.actor.DisplayName(),
		Action:   action,
		Detail:   detail,
	})
}

// Resource returns the kind of record the tracker walks.
func (t *Tracker) Resource() record.Resource {
	return t.res
}

// Open loads the parent record and shows the actor's current step.
// Opening a different record drops everything cached for the previous one.
func (t *Tracker) Open(ctx context.Context, parentID string) error {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return t.fail(validationf("record id is required"))
	}
	t.mu.Lock()
	if parentID != t.parentID {
		t.resetLocked()
		t.parentID = parentID
	}
	t.generation++
	tk := t.startLocked()
	t.mu.Unlock()

	parent, err := t.repo.FetchParent(ctx, t.res, parentID)

	t.mu.Lock()
	t.finishLocked()
	if !t.currentLocked(tk) {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		err = t.failLocked(fmt.Errorf("tracker: open %s %s: %w", t.res, parentID, err))
		t.mu.Unlock()
		return err
	}
	t.parent = &parent
	t.err = nil
	t.mu.Unlock()

	return t.GoToCurrentStep(ctx)
}

// Close drops the cached record and step. Responses still in flight are
// discarded when they arrive.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	t.parentID = ""
	t.generation++
}

func (t *Tracker) isCurrentLocked() bool {
	if t.parent == nil || t.step == nil {
		return false
	}
	shown := t.step.Index
	if shown == 0 {
		shown = t.index
	}
	return t.parent.Cursor(t.actor.Role()).Resolve(t.parent.TotalSteps) == shown
}

// cursorLagsLocked reports whether role signed the displayed cursor step
// but the cursor never moved on, as after a failed cursor update.
func (t *Tracker) cursorLagsLocked(role record.Role) bool {
	return t.step.Executed(role) && t.isCurrentLocked() && t.index < t.parent.TotalSteps
}

// IsCurrentStep reports whether the displayed step is the actor's cursor
// step. A role that has not started is current on step 1.
func (t *Tracker) IsCurrentStep() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isCurrentLocked()
}

func (t *Tracker) canSignLocked() bool {
	return t.actor.Role().CursorRole() != record.RoleQA &&
		t.isCurrentLocked() &&
		(!t.step.Executed(record.RoleOperator) || t.cursorLagsLocked(record.RoleOperator))
}

func (t *Tracker) canReviewLocked() bool {
	return t.actor.Role().CursorRole() == record.RoleQA &&
		t.isCurrentLocked() &&
		t.step.Executed(record.RoleOperator) &&
		(!t.step.Executed(record.RoleQA) || t.cursorLagsLocked(record.RoleQA))
}

// CanSign reports whether the operator sign-off action should be offered.
func (t *Tracker) CanSign() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canSignLocked()
}

// CanReview reports whether the QA review action should be offered.
func (t *Tracker) CanReview() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canReviewLocked()
}

// View is an immutable snapshot of the tracker for rendering.
type View struct {
	Resource      record.Resource
	ParentID      string
	Parent        record.Parent
	Step          record.Step
	HasParent     bool
	HasStep       bool
	Index         int
	TotalSteps    int
	Cursor        record.Cursor
	Role          record.Role
	Loading       bool
	Err           error
	IsCurrentStep bool
	CanSign       bool
	CanReview     bool
	Editable      bool
}

// Snapshot copies the tracker state.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		Resource: t.res,
		ParentID: t.parentID,
		Index:    t.index,
		Role:     t.actor.Role(),
		Loading:  t.loading > 0,
		Err:      t.err,
	}
	if t.parent != nil {
		v.HasParent = true
		v.Parent = t.parent.Clone()
		v.TotalSteps = t.parent.TotalSteps
		v.Cursor = t.parent.Cursor(v.Role)
	}
	if t.step != nil {
		v.HasStep = true
		v.Step = t.step.Clone()
		v.IsCurrentStep = t.isCurrentLocked()
		v.CanSign = t.canSignLocked()
		v.CanReview = t.canReviewLocked()
		v.Editable = t.editableLocked() == nil
	}
	return v
}

// Loading reports whether any request issued by the tracker is pending.
func (t *Tracker) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading > 0
}

// Err returns the last recorded failure.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
