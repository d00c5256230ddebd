package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kingrea/batchline/internal/record"
)

type bulkRequest struct {
	ProductIDs []string `json:"productIds"`
}

// ListOrders returns the orders for the resource, sorted by name.
func (c *Client) ListOrders(ctx context.Context, res record.Resource) ([]record.Order, error) {
	const op = "ListOrders"
	data, err := c.doJSON(ctx, op, http.MethodGet, c.endpoint(res.OrdersPath), nil)
	if err != nil {
		return nil, err
	}
	orders, err := record.DecodeOrders(res, data)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrShape, Err: err}
	}
	return orders, nil
}

// ProductsByIDs resolves product ids into products.
func (c *Client) ProductsByIDs(ctx context.Context, res record.Resource, ids []string) ([]record.Product, error) {
	const op = "ProductsByIDs"
	if len(ids) == 0 {
		return nil, nil
	}
	data, err := c.doJSON(ctx, op, http.MethodPost, c.endpoint(res.ProductPath, "bulk"), bulkRequest{ProductIDs: ids})
	if err != nil {
		return nil, err
	}
	products, err := record.DecodeProducts(res, data)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrShape, Err: err}
	}
	return products, nil
}

// ReportRequest identifies a per-record PDF report.
type ReportRequest struct {
	Resource  record.Resource
	OrderID   string
	ProductID string
	ParentID  string
	Language  string
	User      string
	Role      record.Role
}

func (r ReportRequest) validate() error {
	for name, v := range map[string]string{
		"order":    r.OrderID,
		"product":  r.ProductID,
		"record":   r.ParentID,
		"language": r.Language,
		"user":     r.User,
		"role":     string(r.Role),
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// DownloadReport streams the record's PDF report into w and returns the
// number of bytes written.
func (c *Client) DownloadReport(ctx context.Context, req ReportRequest, w io.Writer) (int64, error) {
	const op = "DownloadReport"
	if err := req.validate(); err != nil {
		return 0, &Error{Op: op, Kind: ErrShape, Err: err}
	}
	target := c.endpoint(req.Resource.ReportPath, "downloadPDF",
		req.OrderID, req.ProductID, req.ParentID, req.Language, req.User, string(req.Role))
	return c.download(ctx, op, target, w)
}

// DownloadOrderReport streams the order-level PDF report into w.
func (c *Client) DownloadOrderReport(ctx context.Context, res record.Resource, orderID, lang, user string, role record.Role, w io.Writer) (int64, error) {
	const op = "DownloadOrderReport"
	if orderID == "" || lang == "" || user == "" || role == "" {
		return 0, &Error{Op: op, Kind: ErrShape, Message: "order, language, user and role are required"}
	}
	target := c.endpoint(res.ReportPath, "downloadPDFForOrder", orderID, lang, user, string(role))
	return c.download(ctx, op, target, w)
}

func (c *Client) download(ctx context.Context, op, target string, w io.Writer) (int64, error) {
	var written int64
	err := c.do(ctx, op, http.MethodGet, target, nil, func(r io.Reader) error {
		n, err := io.Copy(w, r)
		written = n
		return err
	})
	return written, err
}
