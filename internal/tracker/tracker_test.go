package tracker

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kingrea/batchline/internal/backend"
	"github.com/kingrea/batchline/internal/backendstub"
	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/record"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func openTracker(t *testing.T, repo *fakeRepo, actor Actor, opts ...Option) *Tracker {
	t.Helper()
	tr, err := New(repo, record.Instruction, actor, append([]Option{WithClock(fixedClock)}, opts...)...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tr.Open(context.Background(), parentID); err != nil {
		t.Fatalf("open: %v", err)
	}
	return tr
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, record.Instruction, operator); err == nil {
		t.Fatalf("expected missing repository error")
	}
	if _, err := New(newFakeRepo(), record.Resource{}, operator); err == nil {
		t.Fatalf("expected missing resource error")
	}
	if _, err := New(newFakeRepo(), record.Instruction, nil); err == nil {
		t.Fatalf("expected missing actor error")
	}
}

func TestOpenResolvesCursor(t *testing.T) {
	cases := []struct {
		name   string
		cursor int
		want   int
	}{
		{name: "not started shows first step", cursor: 0, want: 1},
		{name: "cursor step", cursor: 3, want: 3},
		{name: "cursor past the end is clamped", cursor: 9, want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.setCursor(record.RoleOperator, tc.cursor)
			tr := openTracker(t, repo, operator)
			view := tr.Snapshot()
			if view.Index != tc.want || view.Step.Index != tc.want {
				t.Fatalf("expected step %d, got index %d (step %d)", tc.want, view.Index, view.Step.Index)
			}
			if view.TotalSteps != 5 || view.Loading || view.Err != nil {
				t.Fatalf("unexpected view: %+v", view)
			}
			if !view.IsCurrentStep {
				t.Fatalf("opened step should be current")
			}
		})
	}
}

func TestOpenFailureIsRecorded(t *testing.T) {
	repo := newFakeRepo()
	tr, err := New(repo, record.Instruction, operator)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	repo.failNext("FetchParent")
	if err := tr.Open(context.Background(), parentID); err == nil {
		t.Fatalf("expected open to fail")
	}
	view := tr.Snapshot()
	if view.HasParent || view.HasStep || view.Err == nil || view.Loading {
		t.Fatalf("unexpected view after failed open: %+v", view)
	}
	if err := tr.Open(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected blank id to be rejected, got %v", err)
	}
}

func TestGoToStepWithinRange(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := tr.GoToStep(ctx, i); err != nil {
			t.Fatalf("go to %d: %v", i, err)
		}
		if got := tr.Snapshot().Index; got != i {
			t.Fatalf("expected index %d, got %d", i, got)
		}
	}
}

func TestGoToStepRejectsOutOfRangeWithoutRequest(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	before := repo.count("FetchStep")
	for _, index := range []int{0, -1, 6} {
		if err := tr.GoToStep(context.Background(), index); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %d, got %v", index, err)
		}
	}
	if repo.count("FetchStep") != before {
		t.Fatalf("out of range navigation must not fetch")
	}
	view := tr.Snapshot()
	if view.Index != 1 || !errors.Is(view.Err, ErrValidation) {
		t.Fatalf("unexpected view: index=%d err=%v", view.Index, view.Err)
	}
}

func TestGoToStepFailureKeepsDisplayedStep(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	repo.failNext("FetchStep")
	if err := tr.GoToStep(context.Background(), 4); err == nil {
		t.Fatalf("expected failure")
	}
	view := tr.Snapshot()
	if view.Index != 1 || view.Step.Index != 1 || view.Err == nil || view.Loading {
		t.Fatalf("prior state should be intact: %+v", view)
	}
	if err := tr.GoToStep(context.Background(), 4); err != nil {
		t.Fatalf("retry by user: %v", err)
	}
	if view := tr.Snapshot(); view.Index != 4 || view.Err != nil {
		t.Fatalf("expected step 4 with cleared error, got %+v", view)
	}
}

func TestCursorFailureDoesNotNavigate(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	if err := tr.GoToStep(ctx, 3); err != nil {
		t.Fatalf("go to 3: %v", err)
	}
	fetches := repo.count("FetchStep")
	repo.failNext("FetchCursor")
	if err := tr.GoToCurrentStep(ctx); err == nil {
		t.Fatalf("expected cursor failure")
	}
	if repo.count("FetchStep") != fetches {
		t.Fatalf("no step should be fetched after a failed cursor read")
	}
	if view := tr.Snapshot(); view.Index != 3 || view.Err == nil {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestNextAndBackStopAtBounds(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	if err := tr.Back(ctx); err != nil {
		t.Fatalf("back at first step: %v", err)
	}
	if tr.Snapshot().Index != 1 {
		t.Fatalf("back at first step should stay")
	}
	for i := 0; i < 6; i++ {
		if err := tr.Next(ctx); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if tr.Snapshot().Index != 5 {
		t.Fatalf("next should stop on the last step")
	}
	if err := tr.Back(ctx); err != nil || tr.Snapshot().Index != 4 {
		t.Fatalf("back should show step 4")
	}
	if repo.count("PatchCursor") != 0 {
		t.Fatalf("display navigation must not move the cursor")
	}
}

func TestLastNavigationWins(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()

	release := repo.gate(2)
	done := make(chan error, 1)
	go func() { done <- tr.GoToStep(ctx, 2) }()
	<-repo.started
	if !tr.Loading() {
		t.Fatalf("expected loading while step 2 is pending")
	}
	if err := tr.GoToStep(ctx, 3); err != nil {
		t.Fatalf("go to 3: %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("stale navigation should not fail: %v", err)
	}
	view := tr.Snapshot()
	if view.Index != 3 || view.Step.Index != 3 {
		t.Fatalf("expected the later navigation to win, got %d", view.Index)
	}
	if view.Loading {
		t.Fatalf("loading should clear once all requests return")
	}
}

func TestCloseDiscardsPendingResponse(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	release := repo.gate(4)
	done := make(chan error, 1)
	go func() { done <- tr.GoToStep(context.Background(), 4) }()
	<-repo.started
	tr.Close()
	release()
	<-done
	view := tr.Snapshot()
	if view.HasParent || view.HasStep || view.ParentID != "" || view.Loading {
		t.Fatalf("closed tracker should hold nothing: %+v", view)
	}
	if err := tr.Next(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestBlankCommentsAreIgnored(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	for _, text := range []string{"", "   ", "\n\t "} {
		if err := tr.AddComment(context.Background(), text); err != nil {
			t.Fatalf("blank comment: %v", err)
		}
	}
	if n := len(tr.Snapshot().Step.Comments); n != 0 {
		t.Fatalf("expected no comments, got %d", n)
	}
	if repo.count("PatchStep") != 0 {
		t.Fatalf("blank comments must not be sent")
	}
}

func TestAddCommentStampsActorAndTime(t *testing.T) {
	repo := newFakeRepo()
	journal := &memoryJournal{}
	tr := openTracker(t, repo, operator, WithJournal(journal))
	if err := tr.AddComment(context.Background(), "  ok  "); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	comments := tr.Snapshot().Step.Comments
	if len(comments) != 1 {
		t.Fatalf("expected one comment, got %d", len(comments))
	}
	c := comments[0]
	if c.Text != "ok" || c.User != "Olivia Operator" || c.CreatedAt.Before(fixedNow) {
		t.Fatalf("unexpected comment: %+v", c)
	}
	if stored := repo.stored(1); len(stored.Comments) != 1 {
		t.Fatalf("comment was not saved")
	}
	if got := journal.actions(); !reflect.DeepEqual(got, []logbook.Action{logbook.ActionComment}) {
		t.Fatalf("unexpected journal: %v", got)
	}
}

func TestAddCommentFailureLeavesStep(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, qa)
	repo.failNext("PatchStep")
	if err := tr.AddComment(context.Background(), "deviation noted"); err == nil {
		t.Fatalf("expected failure")
	}
	view := tr.Snapshot()
	if len(view.Step.Comments) != 0 || view.Err == nil {
		t.Fatalf("failed save must not change the step: %+v", view.Step.Comments)
	}
}

func TestOperatorSignAdvancesCursor(t *testing.T) {
	repo := newFakeRepo()
	journal := &memoryJournal{}
	tr := openTracker(t, repo, operator, WithJournal(journal))
	if !tr.CanSign() {
		t.Fatalf("operator should be able to sign the first step")
	}
	if err := tr.SignAndComplete(context.Background()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if repo.cursor(record.RoleOperator) != 2 {
		t.Fatalf("expected operator cursor 2, got %d", repo.cursor(record.RoleOperator))
	}
	view := tr.Snapshot()
	if view.Index != 2 || view.Cursor != record.At(2) || !view.IsCurrentStep {
		t.Fatalf("expected to show step 2 as current, got %+v", view)
	}
	signed := repo.stored(1).Execution(record.RoleOperator)
	if !signed.Executed || signed.By != "Olivia Operator" || !signed.At.Equal(fixedNow) {
		t.Fatalf("unexpected stamp: %+v", signed)
	}
	want := []logbook.Action{logbook.ActionSigned, logbook.ActionAdvanced}
	if got := journal.actions(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected journal %v, got %v", want, got)
	}
}

func TestSignOnLastStepKeepsCursor(t *testing.T) {
	repo := newFakeRepo()
	repo.setCursor(record.RoleOperator, 5)
	tr := openTracker(t, repo, operator)
	if err := tr.SignAndComplete(context.Background()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if repo.cursor(record.RoleOperator) != 5 || repo.count("PatchCursor") != 0 {
		t.Fatalf("cursor must stay on the last step")
	}
	view := tr.Snapshot()
	if view.Index != 5 || !view.Step.Executed(record.RoleOperator) || view.CanSign {
		t.Fatalf("unexpected view: %+v", view)
	}
	if err := tr.SignAndComplete(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("signing twice should be rejected, got %v", err)
	}
}

func TestExecutionIsMonotonic(t *testing.T) {
	repo := newFakeRepo()
	repo.setCursor(record.RoleOperator, 5)
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	unsigned := repo.stored(5)
	if err := tr.SignAndComplete(ctx); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tr.SetCurrentStepData(unsigned); err != nil {
		t.Fatalf("set step data: %v", err)
	}
	if !tr.Snapshot().Step.Executed(record.RoleOperator) {
		t.Fatalf("local replace must not undo the sign-off")
	}
	if err := tr.AddComment(ctx, "after sign-off"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !repo.stored(5).Executed(record.RoleOperator) {
		t.Fatalf("saved step lost the sign-off")
	}
	if err := tr.SetCurrentStepData(repo.stored(2)); !errors.Is(err, ErrValidation) {
		t.Fatalf("replacing with another step should fail, got %v", err)
	}
}

func TestIsCurrentStepFollowsCursor(t *testing.T) {
	repo := newFakeRepo()
	repo.setCursor(record.RoleOperator, 2)
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	if !tr.IsCurrentStep() {
		t.Fatalf("step 2 is the cursor step")
	}
	if err := tr.GoToStep(ctx, 3); err != nil {
		t.Fatalf("go to 3: %v", err)
	}
	if tr.IsCurrentStep() || tr.CanSign() {
		t.Fatalf("step 3 is not the cursor step")
	}
	if err := tr.GoToCurrentStep(ctx); err != nil {
		t.Fatalf("go to current: %v", err)
	}
	if !tr.IsCurrentStep() || tr.Snapshot().Index != 2 {
		t.Fatalf("expected to return to step 2")
	}
}

func TestQAReviewIsNotBlockedByTracker(t *testing.T) {
	repo := newFakeRepo()
	journal := &memoryJournal{}
	tr := openTracker(t, repo, qa, WithJournal(journal))
	view := tr.Snapshot()
	if view.CanReview || view.CanSign || view.Editable {
		t.Fatalf("QA must not be offered review before operator sign-off: %+v", view)
	}
	if err := tr.ReviewAndComplete(context.Background()); err != nil {
		t.Fatalf("review: %v", err)
	}
	if repo.count("PatchStep") != 1 {
		t.Fatalf("expected the review to be sent")
	}
	reviewed := repo.stored(1)
	if !reviewed.Executed(record.RoleQA) || reviewed.Executed(record.RoleOperator) {
		t.Fatalf("unexpected executions: %+v", reviewed.Executions)
	}
	if repo.cursor(record.RoleQA) != 2 || repo.cursor(record.RoleOperator) != 0 {
		t.Fatalf("only the QA cursor should move")
	}
	if got := journal.actions(); len(got) == 0 || got[0] != logbook.ActionReviewed {
		t.Fatalf("expected reviewed event, got %v", got)
	}
}

func TestCanReviewAfterOperatorSignOff(t *testing.T) {
	repo := newFakeRepo()
	op := openTracker(t, repo, operator)
	if err := op.SignAndComplete(context.Background()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	review := openTracker(t, repo, qa)
	if !review.CanReview() {
		t.Fatalf("QA should be offered review of a signed step")
	}
	if err := review.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if review.Snapshot().Index != 2 || review.CanReview() {
		t.Fatalf("expected QA on unsigned step 2")
	}
}

func TestRoleMismatchIsRejected(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, qa)
	if err := tr.SignAndComplete(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("QA cannot sign as operator, got %v", err)
	}
	admin := openTracker(t, repo, testActor{role: record.RoleAdmin, name: "Ada Admin"})
	if err := admin.ReviewAndComplete(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("admin cannot review as QA, got %v", err)
	}
	if repo.count("PatchStep") != 0 {
		t.Fatalf("rejected completions must not be sent")
	}
}

func TestSignFailureKeepsStep(t *testing.T) {
	repo := newFakeRepo()
	journal := &memoryJournal{}
	tr := openTracker(t, repo, operator, WithJournal(journal))
	repo.failNext("PatchStep")
	if err := tr.SignAndComplete(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	view := tr.Snapshot()
	if view.Step.Executed(record.RoleOperator) || view.Index != 1 || repo.count("PatchCursor") != 0 {
		t.Fatalf("failed sign-off must leave state: %+v", view)
	}
	if got := journal.actions(); !reflect.DeepEqual(got, []logbook.Action{logbook.ActionFailed}) {
		t.Fatalf("expected failed event, got %v", got)
	}
}

func TestFieldEdits(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	if err := tr.GoToStep(ctx, 2); err != nil {
		t.Fatalf("go to 2: %v", err)
	}
	if err := tr.SetFieldValue("api_weight", "12"); err != nil {
		t.Fatalf("set weight: %v", err)
	}
	if err := tr.SetFieldValue("lot", "12.5"); err != nil {
		t.Fatalf("set lot: %v", err)
	}
	step := tr.Snapshot().Step
	if v, ok := step.Placeholders["api_weight"].Value.(float64); !ok || v != 12 {
		t.Fatalf("integer text should be stored as a number, got %#v", step.Placeholders["api_weight"].Value)
	}
	if v, ok := step.Placeholders["lot"].Value.(string); !ok || v != "12.5" {
		t.Fatalf("decimal text should stay a string, got %#v", step.Placeholders["lot"].Value)
	}
	if err := tr.SetFieldValue("missing", "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown field should be rejected, got %v", err)
	}
	if err := tr.SetChecked("lot", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("wrong kind should be rejected, got %v", err)
	}

	if err := tr.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	saved := repo.stored(2)
	if saved.Placeholders["api_weight"].Text() != "12" || saved.Placeholders["lot"].Text() != "12.5" {
		t.Fatalf("edits should be saved before leaving the step: %+v", saved.Placeholders)
	}

	if err := tr.SelectOption("uniform", "No"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if skip := tr.Snapshot().Step.SkipStep; !skip.Skip || !reflect.DeepEqual(skip.Numbers, []int{5}) {
		t.Fatalf("expected skip to step 5, got %+v", skip)
	}
	if err := tr.SelectOption("uniform", "Yes"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if skip := tr.Snapshot().Step.SkipStep; skip.Skip || len(skip.Numbers) != 0 {
		t.Fatalf("expected skip cleared, got %+v", skip)
	}

	if err := tr.GoToStep(ctx, 1); err != nil {
		t.Fatalf("go to 1: %v", err)
	}
	if err := tr.SetFieldValue("area", "Room C"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown dropdown option should be rejected, got %v", err)
	}
	if err := tr.SetFieldValue("area", "Room B"); err != nil {
		t.Fatalf("dropdown: %v", err)
	}
	if err := tr.GoToStep(ctx, 4); err != nil {
		t.Fatalf("go to 4: %v", err)
	}
	if err := tr.SetChecked("sieve_ok", true); err != nil {
		t.Fatalf("checkbox: %v", err)
	}
	if err := tr.SetFieldValue("end_time", " 14:30 "); err != nil {
		t.Fatalf("time: %v", err)
	}
	if err := tr.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved = repo.stored(4)
	if !saved.Placeholders["sieve_ok"].Checked() || saved.Placeholders["end_time"].Text() != "14:30" {
		t.Fatalf("unexpected saved fields: %+v", saved.Placeholders)
	}
	if repo.stored(1).Placeholders["area"].Text() != "Room B" {
		t.Fatalf("dropdown edit was not saved")
	}
}

func TestFieldsFrozenForQAAndSignedSteps(t *testing.T) {
	repo := newFakeRepo()
	review := openTracker(t, repo, qa)
	if err := review.SetFieldValue("area", "Room A"); !errors.Is(err, ErrValidation) {
		t.Fatalf("QA edits should be rejected, got %v", err)
	}

	repo.setCursor(record.RoleOperator, 5)
	op := openTracker(t, repo, operator)
	if err := op.SignAndComplete(context.Background()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if op.Snapshot().Editable {
		t.Fatalf("signed step should not be editable")
	}
}

func TestSaveFailureBlocksNavigation(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	if err := tr.SetFieldValue("area", "Room A"); err != nil {
		t.Fatalf("set: %v", err)
	}
	repo.failNext("PatchStep")
	if err := tr.Next(context.Background()); err == nil {
		t.Fatalf("expected save failure")
	}
	view := tr.Snapshot()
	if view.Index != 1 || view.Step.Placeholders["area"].Text() != "Room A" {
		t.Fatalf("unsaved edits should stay on the displayed step: %+v", view)
	}
}

func TestRoundTripAgainstBackend(t *testing.T) {
	cases := []struct {
		res      record.Resource
		id       string
		option   string
		optValue string
	}{
		{res: record.Instruction, id: parentID, option: "placeholders.area.options.1", optValue: "Room B"},
		{res: record.EquipmentActivity, id: "act-cleaning", option: "placeholders.dryer.options.1", optValue: "FBD-2"},
	}
	for _, tc := range cases {
		t.Run(tc.res.Name, func(t *testing.T) {
			stub, err := backendstub.New(backendstub.DefaultSeed())
			if err != nil {
				t.Fatalf("stub: %v", err)
			}
			srv := httptest.NewServer(stub.Handler())
			t.Cleanup(srv.Close)
			token, err := stub.Token("operator")
			if err != nil {
				t.Fatalf("token: %v", err)
			}
			client, err := backend.New(srv.URL, backend.WithTokenSource(backend.TokenFunc(func() string { return token })), backend.WithTimeout(5*time.Second))
			if err != nil {
				t.Fatalf("client: %v", err)
			}

			doc, _ := stub.StepDocument(tc.res, tc.id, 1)
			doc = append(doc[:len(doc)-1], []byte(`,"attachments":[{"name":"scale.pdf"}],"approved_by":null}`)...)
			if err := stub.SetStepDocument(tc.res, tc.id, 1, doc); err != nil {
				t.Fatalf("seed extra fields: %v", err)
			}

			tr, err := New(client, tc.res, operator)
			if err != nil {
				t.Fatalf("tracker: %v", err)
			}
			ctx := context.Background()
			if err := tr.Open(ctx, tc.id); err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := tr.AddComment(ctx, "line clear"); err != nil {
				t.Fatalf("comment: %v", err)
			}
			fetched, err := client.FetchStep(ctx, tc.res, tc.id, 1)
			if err != nil {
				t.Fatalf("refetch: %v", err)
			}
			if len(fetched.Comments) != 1 || fetched.Comments[0].Text != "line clear" {
				t.Fatalf("expected exactly one new comment, got %+v", fetched.Comments)
			}
			raw := fetched.Raw()
			if gjson.GetBytes(raw, "attachments.0.name").String() != "scale.pdf" || !gjson.GetBytes(raw, "approved_by").Exists() {
				t.Fatalf("backend fields were dropped: %s", raw)
			}
			if gjson.GetBytes(raw, "instruction.en").String() == "" || gjson.GetBytes(raw, tc.option).String() != tc.optValue {
				t.Fatalf("step content changed: %s", raw)
			}

			if err := tr.SignAndComplete(ctx); err != nil {
				t.Fatalf("sign: %v", err)
			}
			if stub.Cursor(tc.res, tc.id, record.RoleOperator) != 2 || tr.Snapshot().Index != 2 {
				t.Fatalf("expected the backend cursor and view on step 2")
			}
		})
	}
}

func TestEditDuringSaveIsKept(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	if err := tr.GoToStep(ctx, 2); err != nil {
		t.Fatalf("go to 2: %v", err)
	}

	release := repo.gatePatch(2)
	done := make(chan error, 1)
	go func() { done <- tr.AddComment(ctx, "ok") }()
	<-repo.started
	if err := tr.SetFieldValue("api_weight", "12"); err != nil {
		t.Fatalf("set weight: %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("comment: %v", err)
	}

	step := tr.Snapshot().Step
	if len(step.Comments) != 1 || step.Placeholders["api_weight"].Text() != "12" || !step.Dirty() {
		t.Fatalf("edit made during the save was lost: %+v", step.Placeholders["api_weight"])
	}
	if err := tr.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved := repo.stored(2)
	if saved.Placeholders["api_weight"].Text() != "12" || len(saved.Comments) != 1 {
		t.Fatalf("unexpected saved step: %+v", saved)
	}
}

func TestFailedCursorMoveCanBeRetried(t *testing.T) {
	repo := newFakeRepo()
	tr := openTracker(t, repo, operator)
	ctx := context.Background()
	repo.failNext("PatchCursor")
	if err := tr.SignAndComplete(ctx); err == nil {
		t.Fatalf("expected cursor failure")
	}
	view := tr.Snapshot()
	if view.Index != 1 || !view.Step.Executed(record.RoleOperator) || !view.CanSign {
		t.Fatalf("signed step with a stuck cursor should offer completion again: %+v", view)
	}
	if err := tr.SignAndComplete(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if repo.cursor(record.RoleOperator) != 2 || tr.Snapshot().Index != 2 {
		t.Fatalf("expected cursor and view on step 2, got cursor %d", repo.cursor(record.RoleOperator))
	}
	if repo.count("PatchStep") != 1 {
		t.Fatalf("the retry must not sign the step again, got %d saves", repo.count("PatchStep"))
	}
}

func TestIsCurrentStepUsesDisplayedDocument(t *testing.T) {
	repo := newFakeRepo()
	repo.setCursor(record.RoleOperator, 4)
	renumbered, err := sjson.SetBytes(repo.steps[2], "step", 4)
	if err != nil {
		t.Fatalf("renumber: %v", err)
	}
	repo.steps[2] = renumbered
	tr := openTracker(t, repo, operator)
	if err := tr.GoToStep(context.Background(), 3); err != nil {
		t.Fatalf("go to 3: %v", err)
	}
	if !tr.IsCurrentStep() {
		t.Fatalf("a document numbered 4 is the cursor step")
	}
	if err := tr.GoToStep(context.Background(), 2); err != nil {
		t.Fatalf("go to 2: %v", err)
	}
	if tr.IsCurrentStep() {
		t.Fatalf("step 2 is not the cursor step")
	}
}
