package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/batchline/internal/backendstub"
	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/record"
)

const parentID = "ins-granulation"

type testActor struct {
	role record.Role
	name string
}

func (a testActor) Role() record.Role   { return a.role }
func (a testActor) DisplayName() string { return a.name }

var (
	operator = testActor{role: record.RoleOperator, name: "Olivia Operator"}
	qa       = testActor{role: record.RoleQA, name: "Quentin Quality"}
)

// fakeRepo is an in-memory Repository over the seeded granulation record.
type fakeRepo struct {
	mu      sync.Mutex
	cursors map[record.Role]int
	steps   [][]byte
	calls   map[string]int
	fail    map[string]error
	gates   map[int]chan struct{}
	patches map[int]chan struct{}
	started chan int
}

func newFakeRepo() *fakeRepo {
	seed := backendstub.DefaultSeed().Records[0]
	steps := make([][]byte, len(seed.Steps))
	for i, doc := range seed.Steps {
		steps[i] = append([]byte(nil), doc...)
	}
	return &fakeRepo{
		cursors: map[record.Role]int{},
		steps:   steps,
		calls:   map[string]int{},
		fail:    map[string]error{},
		gates:   map[int]chan struct{}{},
		patches: map[int]chan struct{}{},
	}
}

func (f *fakeRepo) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *fakeRepo) failNext(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = fmt.Errorf("%s: connection reset", op)
}

func (f *fakeRepo) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRepo) setCursor(role record.Role, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[role] = n
}

func (f *fakeRepo) cursor(role record.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[role]
}

func (f *fakeRepo) stored(index int) record.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	var step record.Step
	if err := json.Unmarshal(f.steps[index-1], &step); err != nil {
		panic(err)
	}
	return step
}

// gate makes FetchStep(index) wait until the returned function is called.
func (f *fakeRepo) gate(index int) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[index] = ch
	f.started = make(chan int, 1)
	return func() { close(ch) }
}

// gatePatch makes PatchStep(index) wait until the returned function is
// called.
func (f *fakeRepo) gatePatch(index int) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.patches[index] = ch
	f.started = make(chan int, 1)
	return func() { close(ch) }
}

func (f *fakeRepo) FetchParent(_ context.Context, res record.Resource, id string) (record.Parent, error) {
	if err := f.enter("FetchParent"); err != nil {
		return record.Parent{}, err
	}
	if id != parentID {
		return record.Parent{}, errors.New("not found")
	}
	f.mu.Lock()
	doc := fmt.Sprintf(`{"_id":%q,%q:{"en":"Granulation","de":"Granulierung"},"current_step":%d,"current_qa_step":%d,"totalSteps":%d}`,
		id, res.NameField, f.cursors[record.RoleOperator], f.cursors[record.RoleQA], len(f.steps))
	f.mu.Unlock()
	return record.DecodeParent(res, []byte(doc))
}

func (f *fakeRepo) FetchStep(ctx context.Context, _ record.Resource, _ string, index int) (record.Step, error) {
	if err := f.enter("FetchStep"); err != nil {
		return record.Step{}, err
	}
	f.mu.Lock()
	gate := f.gates[index]
	delete(f.gates, index)
	started := f.started
	f.mu.Unlock()
	if gate != nil {
		started <- index
		select {
		case <-gate:
		case <-ctx.Done():
			return record.Step{}, ctx.Err()
		}
	}
	if index < 1 || index > len(f.steps) {
		return record.Step{}, errors.New("not found")
	}
	return f.stored(index), nil
}

func (f *fakeRepo) PatchStep(ctx context.Context, _ record.Resource, _ string, index int, step record.Step) error {
	if err := f.enter("PatchStep"); err != nil {
		return err
	}
	f.mu.Lock()
	gate := f.patches[index]
	delete(f.patches, index)
	started := f.started
	f.mu.Unlock()
	if gate != nil {
		started <- index
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	encoded, err := json.Marshal(step)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[index-1] = encoded
	return nil
}

func (f *fakeRepo) FetchCursor(_ context.Context, _ record.Resource, _ string, role record.Role) (record.Cursor, error) {
	if err := f.enter("FetchCursor"); err != nil {
		return record.NotStarted, err
	}
	return record.At(f.cursor(role.CursorRole())), nil
}

func (f *fakeRepo) PatchCursor(_ context.Context, _ record.Resource, _ string, role record.Role, index int) error {
	if err := f.enter("PatchCursor"); err != nil {
		return err
	}
	f.setCursor(role.CursorRole(), index)
	return nil
}

type memoryJournal struct {
	mu     sync.Mutex
	events []logbook.Event
}

func (j *memoryJournal) Record(e logbook.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *memoryJournal) actions() []logbook.Action {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]logbook.Action, len(j.events))
	for i, e := range j.events {
		out[i] = e.Action
	}
	return out
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }
