package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/batchline/internal/record"
)

type stepPatch struct {
	UpdatedStepData record.Step `json:"updatedStepData"`
}

// FetchParent loads the parent record and merges in its total step count.
// Both requests run concurrently; either failing fails the call.
func (c *Client) FetchParent(ctx context.Context, res record.Resource, id string) (record.Parent, error) {
	const op = "FetchParent"
	var (
		doc   []byte
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := c.doJSON(gctx, op, http.MethodGet, c.endpoint(res.Path, id), nil)
		if err != nil {
			return err
		}
		doc = data
		return nil
	})
	g.Go(func() error {
		n, err := c.FetchTotalSteps(gctx, res, id)
		if err != nil {
			return err
		}
		total = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return record.Parent{}, err
	}
	parent, err := record.DecodeParent(res, doc)
	if err != nil {
		return record.Parent{}, &Error{Op: op, Kind: ErrShape, Err: err}
	}
	parent.TotalSteps = total
	return parent, nil
}

// FetchTotalSteps returns the number of steps in the parent record.
func (c *Client) FetchTotalSteps(ctx context.Context, res record.Resource, id string) (int, error) {
	const op = "FetchTotalSteps"
	data, err := c.doJSON(ctx, op, http.MethodGet, c.endpoint(res.Path, id, "total-steps"), nil)
	if err != nil {
		return 0, err
	}
	value := gjson.GetBytes(data, "totalSteps")
	if value.Type != gjson.Number || value.Int() < 0 {
		return 0, shapeError(op, "totalSteps must be a non-negative number")
	}
	return int(value.Int()), nil
}

// FetchStep loads one step document.
func (c *Client) FetchStep(ctx context.Context, res record.Resource, parentID string, index int) (record.Step, error) {
	const op = "FetchStep"
	if index < 1 {
		return record.Step{}, &Error{Op: op, Kind: ErrShape, Message: fmt.Sprintf("invalid step index %d", index)}
	}
	data, err := c.doJSON(ctx, op, http.MethodGet, c.endpoint(res.Path, parentID, "step", strconv.Itoa(index)), nil)
	if err != nil {
		return record.Step{}, err
	}
	var step record.Step
	if err := step.UnmarshalJSON(data); err != nil {
		return record.Step{}, &Error{Op: op, Kind: ErrShape, Err: err}
	}
	return step, nil
}

// PatchStep replaces the step document on the backend.
func (c *Client) PatchStep(ctx context.Context, res record.Resource, parentID string, index int, step record.Step) error {
	const op = "PatchStep"
	return c.do(ctx, op, http.MethodPatch, c.endpoint(res.Path, parentID, "step", strconv.Itoa(index)), stepPatch{UpdatedStepData: step}, nil)
}

// FetchCursor reads the role's current step. A missing or zero value means
// the role has not started.
func (c *Client) FetchCursor(ctx context.Context, res record.Resource, parentID string, role record.Role) (record.Cursor, error) {
	const op = "FetchCursor"
	spec := role.Spec()
	data, err := c.doJSON(ctx, op, http.MethodGet, c.endpoint(res.Path, parentID, spec.CursorPath), nil)
	if err != nil {
		return record.NotStarted, err
	}
	value := gjson.GetBytes(data, spec.CursorField)
	switch value.Type {
	case gjson.Null:
		return record.NotStarted, nil
	case gjson.Number:
		return record.At(int(value.Int())), nil
	default:
		return record.NotStarted, shapeError(op, spec.CursorField+" must be a number")
	}
}

// PatchCursor moves the role's cursor to index.
func (c *Client) PatchCursor(ctx context.Context, res record.Resource, parentID string, role record.Role, index int) error {
	const op = "PatchCursor"
	spec := role.Spec()
	body := map[string]int{spec.CursorField: index}
	return c.do(ctx, op, http.MethodPatch, c.endpoint(res.Path, parentID, spec.CursorPath), body, nil)
}

// CompletionStatus fetches both role cursors and the step total together.
func (c *Client) CompletionStatus(ctx context.Context, res record.Resource, parentID string) (record.Progress, error) {
	roles := record.CursorRoles()
	cursors := make([]record.Cursor, len(roles))
	var total int
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			cur, err := c.FetchCursor(gctx, res, parentID, role)
			if err != nil {
				return err
			}
			cursors[i] = cur
			return nil
		})
	}
	g.Go(func() error {
		n, err := c.FetchTotalSteps(gctx, res, parentID)
		if err != nil {
			return err
		}
		total = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return record.Progress{}, err
	}
	progress := record.Progress{Cursors: make(map[record.Role]record.Cursor, len(roles)), TotalSteps: total}
	for i, role := range roles {
		progress.Cursors[role] = cursors[i]
	}
	return progress, nil
}
