package backend

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kingrea/batchline/internal/backendstub"
	"github.com/kingrea/batchline/internal/record"
)

const granulation = "ins-granulation"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newStubClient(t *testing.T, loginID string) (*Client, *backendstub.Stub) {
	t.Helper()
	stub, err := backendstub.New(backendstub.DefaultSeed())
	if err != nil {
		t.Fatalf("new stub: %v", err)
	}
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	var opts []Option
	if loginID != "" {
		token, err := stub.Token(loginID)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		opts = append(opts, WithTokenSource(TokenFunc(func() string { return token })))
	}
	client, err := New(srv.URL, append(opts, WithTimeout(5*time.Second))...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, stub
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://example.com", "::"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	c, err := New("http://api.example/v1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.endpoint("instructions", "a b", "step", "2"); got != "http://api.example/v1/instructions/a%20b/step/2" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestFetchParentMergesTotalSteps(t *testing.T) {
	client, _ := newStubClient(t, "operator")
	parent, err := client.FetchParent(context.Background(), record.Instruction, granulation)
	if err != nil {
		t.Fatalf("fetch parent: %v", err)
	}
	if parent.ID != granulation || parent.TotalSteps != 5 {
		t.Fatalf("unexpected parent: %#v", parent)
	}
	if parent.DisplayName("de") != "Granulierung" {
		t.Fatalf("unexpected name %q", parent.DisplayName("de"))
	}
	if parent.Cursor(record.RoleOperator).Started() {
		t.Fatalf("expected operator not started")
	}
}

func TestStepRoundTripPreservesBackendFields(t *testing.T) {
	client, stub := newStubClient(t, "operator")
	ctx := context.Background()
	doc, ok := stub.StepDocument(record.Instruction, granulation, 2)
	if !ok {
		t.Fatalf("missing seeded step")
	}
	doc = append(doc[:len(doc)-1], []byte(`,"audit":{"revision":7,"tags":["gmp"]}}`)...)
	if err := stub.SetStepDocument(record.Instruction, granulation, 2, doc); err != nil {
		t.Fatalf("set step: %v", err)
	}

	step, err := client.FetchStep(ctx, record.Instruction, granulation, 2)
	if err != nil {
		t.Fatalf("fetch step: %v", err)
	}
	step.AppendComment(record.Comment{Text: "scale calibrated", User: "Olivia Operator", CreatedAt: time.Now().UTC()})
	if err := client.PatchStep(ctx, record.Instruction, granulation, 2, step); err != nil {
		t.Fatalf("patch step: %v", err)
	}

	stored, _ := stub.StepDocument(record.Instruction, granulation, 2)
	if gjson.GetBytes(stored, "audit.revision").Int() != 7 || gjson.GetBytes(stored, "audit.tags.0").String() != "gmp" {
		t.Fatalf("backend fields lost: %s", stored)
	}
	again, err := client.FetchStep(ctx, record.Instruction, granulation, 2)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again.Comments) != 1 || again.Comments[0].Text != "scale calibrated" {
		t.Fatalf("expected one new comment, got %#v", again.Comments)
	}
	if again.Index != 2 || len(again.Placeholders) != 2 {
		t.Fatalf("unexpected step after round trip: %#v", again)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	client, stub := newStubClient(t, "qa")
	ctx := context.Background()
	cur, err := client.FetchCursor(ctx, record.Instruction, granulation, record.RoleQA)
	if err != nil {
		t.Fatalf("fetch cursor: %v", err)
	}
	if cur != record.NotStarted {
		t.Fatalf("expected not started, got %s", cur)
	}
	if err := client.PatchCursor(ctx, record.Instruction, granulation, record.RoleQA, 3); err != nil {
		t.Fatalf("patch cursor: %v", err)
	}
	if got := stub.Cursor(record.Instruction, granulation, record.RoleQA); got != 3 {
		t.Fatalf("expected stored qa cursor 3, got %d", got)
	}
	if got := stub.Cursor(record.Instruction, granulation, record.RoleOperator); got != 0 {
		t.Fatalf("operator cursor should not move, got %d", got)
	}
	cur, err = client.FetchCursor(ctx, record.Instruction, granulation, record.RoleQA)
	if err != nil || cur != record.At(3) {
		t.Fatalf("expected step 3, got %s (%v)", cur, err)
	}
}

func TestCompletionStatus(t *testing.T) {
	client, _ := newStubClient(t, "operator")
	ctx := context.Background()
	if err := client.PatchCursor(ctx, record.EquipmentActivity, "act-cleaning", record.RoleOperator, 3); err != nil {
		t.Fatalf("patch cursor: %v", err)
	}
	progress, err := client.CompletionStatus(ctx, record.EquipmentActivity, "act-cleaning")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if progress.TotalSteps != 3 || !progress.Complete(record.RoleOperator) || progress.Complete(record.RoleQA) {
		t.Fatalf("unexpected progress: %#v", progress)
	}
}

func TestErrorClassification(t *testing.T) {
	client, stub := newStubClient(t, "operator")
	ctx := context.Background()

	stub.Fail(http.MethodGet, "/instructions/"+granulation+"/step/1", http.StatusInternalServerError)
	_, err := client.FetchStep(ctx, record.Instruction, granulation, 1)
	if !errors.Is(err, ErrNetwork) || StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("expected network error with status 500, got %v", err)
	}

	_, err = client.FetchParent(ctx, record.Instruction, "missing")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected not found, got %v", err)
	}

	anonymous := client.WithToken(nil)
	_, err = anonymous.FetchTotalSteps(ctx, record.Instruction, granulation)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	var be *Error
	if !errors.As(err, &be) || be.Op != "FetchTotalSteps" || be.Message == "" {
		t.Fatalf("expected typed error with message, got %#v", err)
	}
}

func TestShapeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/total-steps"):
			_, _ = w.Write([]byte(`{"totalSteps":"many"}`))
		case strings.HasSuffix(r.URL.Path, "/current-step"):
			_, _ = w.Write([]byte(`{"current_step":"two"}`))
		default:
			_, _ = w.Write([]byte(`<html>not json</html>`))
		}
	}))
	t.Cleanup(srv.Close)
	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if _, err := client.FetchTotalSteps(ctx, record.Instruction, "x"); !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error for total, got %v", err)
	}
	if _, err := client.FetchCursor(ctx, record.Instruction, "x", record.RoleOperator); !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error for cursor, got %v", err)
	}
	if _, err := client.FetchStep(ctx, record.Instruction, "x", 1); !errors.Is(err, ErrShape) || errors.Is(err, ErrNetwork) {
		t.Fatalf("expected shape-only error for step, got %v", err)
	}
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"totalSteps":4}`))
	}))
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, WithTokenSource(TokenFunc(func() string { return "tok-123" })))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	n, err := client.FetchTotalSteps(context.Background(), record.EquipmentActivity, "act-1")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 steps, got %d (%v)", n, err)
	}
	if got.Get("Authorization") != "Bearer tok-123" {
		t.Fatalf("missing bearer token: %v", got)
	}
	if got.Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id")
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	client, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchTotalSteps(context.Background(), record.Instruction, "slow")
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline network error, got %v", err)
	}
}

func TestLoginLogoutAndInactivity(t *testing.T) {
	client, stub := newStubClient(t, "")
	ctx := context.Background()

	if _, err := client.Login(ctx, "qa", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized login, got %v", err)
	}
	result, err := client.Login(ctx, " qa ", "qa")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token == "" || result.User.Role != "QA" || result.User.Email != "quentin@plant.example" || result.User.Language != "de" {
		t.Fatalf("unexpected login result: %#v", result)
	}
	active, err := client.CheckInactivity(ctx, result.User.Email)
	if err != nil || !active {
		t.Fatalf("expected active session, got %v (%v)", active, err)
	}
	stub.ExpireSession(result.User.Email)
	active, err = client.CheckInactivity(ctx, result.User.Email)
	if err != nil || active {
		t.Fatalf("expected expired session, got %v (%v)", active, err)
	}
	if err := client.Logout(ctx, result.User.Email); err != nil {
		t.Fatalf("logout: %v", err)
	}
}

func TestCatalogAndReports(t *testing.T) {
	client, _ := newStubClient(t, "operator")
	ctx := context.Background()

	orders, err := client.ListOrders(ctx, record.EquipmentActivity)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Equipment != "Fluid bed dryer" || len(orders[0].ProductIDs) != 1 {
		t.Fatalf("unexpected orders: %#v", orders)
	}
	products, err := client.ProductsByIDs(ctx, record.EquipmentActivity, orders[0].ProductIDs)
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 1 || products[0].ParentID != "act-cleaning" {
		t.Fatalf("unexpected products: %#v", products)
	}
	if none, err := client.ProductsByIDs(ctx, record.EquipmentActivity, nil); err != nil || none != nil {
		t.Fatalf("expected no request for empty ids")
	}

	var pdf bytes.Buffer
	n, err := client.DownloadReport(ctx, ReportRequest{
		Resource:  record.Instruction,
		OrderID:   "ord-1001",
		ProductID: "prd-1",
		ParentID:  granulation,
		Language:  "en",
		User:      "Olivia Operator",
		Role:      record.RoleOperator,
	}, &pdf)
	if err != nil {
		t.Fatalf("download report: %v", err)
	}
	if n != int64(pdf.Len()) || !bytes.HasPrefix(pdf.Bytes(), []byte("%PDF-")) {
		t.Fatalf("expected a pdf, got %d bytes", n)
	}
	if _, err := client.DownloadReport(ctx, ReportRequest{Resource: record.Instruction}, &pdf); !errors.Is(err, ErrShape) {
		t.Fatalf("expected incomplete request to be rejected, got %v", err)
	}

	pdf.Reset()
	if _, err := client.DownloadOrderReport(ctx, record.Instruction, "ord-1001", "en", "Olivia Operator", record.RoleOperator, &pdf); err != nil {
		t.Fatalf("download order report: %v", err)
	}
	if !bytes.Contains(pdf.Bytes(), []byte("ord-1001")) {
		t.Fatalf("order report should mention the order")
	}
	if _, err := client.DownloadOrderReport(ctx, record.Instruction, "nope", "en", "x", record.RoleOperator, &pdf); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown order, got %v", err)
	}
}
