package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/batchline/internal/record"
)

type orderItem struct {
	order record.Order
}

func (i orderItem) Title() string { return i.order.Name }
func (i orderItem) Description() string {
	desc := fmt.Sprintf("%d product(s)", len(i.order.ProductIDs))
	if i.order.Equipment != "" {
		desc = i.order.Equipment + " · " + desc
	}
	return desc
}
func (i orderItem) FilterValue() string { return i.order.Name }

// productItem is a product with the progress of the record it follows.
type productItem struct {
	product  record.Product
	progress record.Progress
	role     record.Role
	err      error
}

func (i productItem) Title() string {
	return progressStyle(i.progress, i.role).Render("●") + " " + i.product.Name
}

func (i productItem) Description() string {
	if i.err != nil {
		return "progress unavailable: " + i.err.Error()
	}
	parts := make([]string, 0, len(record.CursorRoles()))
	for _, role := range record.CursorRoles() {
		parts = append(parts, fmt.Sprintf("%s %d/%d", role, i.progress.Cursors[role].Step(), i.progress.TotalSteps))
	}
	return strings.Join(parts, " · ")
}

func (i productItem) FilterValue() string { return i.product.Name }

// progressStyle colours a product by how far the signed-in role got.
func progressStyle(p record.Progress, role record.Role) lipgloss.Style {
	switch {
	case p.Complete(role):
		return labelStyleReady
	case p.Cursors[role.CursorRole()].Started():
		return labelStyleGate
	default:
		return labelStyleDefault
	}
}

type ordersLoadedMsg struct {
	res    record.Resource
	orders []record.Order
	err    error
}

type productsLoadedMsg struct {
	orderID string
	items   []productItem
	err     error
}

type reportDoneMsg struct {
	path  string
	bytes int64
	err   error
}

// catalogView lists the orders of one resource and the products of the
// chosen order.
type catalogView struct {
	app      *App
	res      record.Resource
	orders   list.Model
	products list.Model
	order    record.Order
	pending  bool
	err      error
}

func newCatalogView(app *App, res record.Resource) *catalogView {
	return &catalogView{
		app:      app,
		res:      res,
		orders:   newList(nil, res.Title+" · Orders"),
		products: newList(nil, res.Title+" · Products"),
	}
}

func (v *catalogView) setSize(w, h int) {
	v.orders.SetSize(w, h)
	v.products.SetSize(w, h)
}

func (v *catalogView) loadOrders() tea.Cmd {
	v.pending = true
	a := v.app
	client, res := a.client, v.res
	return func() tea.Msg {
		orders, err := client.ListOrders(a.ctx, res)
		return ordersLoadedMsg{res: res, orders: orders, err: err}
	}
}

func (v *catalogView) loadProducts(order record.Order) tea.Cmd {
	v.pending = true
	a := v.app
	client, res := a.client, v.res
	role := a.session.Role()
	return func() tea.Msg {
		products, err := client.ProductsByIDs(a.ctx, res, order.ProductIDs)
		if err != nil {
			return productsLoadedMsg{orderID: order.ID, err: err}
		}
		items := make([]productItem, len(products))
		g, ctx := errgroup.WithContext(a.ctx)
		for i, p := range products {
			items[i] = productItem{product: p, role: role}
			if p.ParentID == "" {
				items[i].err = errors.New("no record attached")
				continue
			}
			g.Go(func() error {
				progress, err := client.CompletionStatus(ctx, res, p.ParentID)
				if err != nil {
					items[i].err = err
					return nil
				}
				items[i].progress = progress
				return nil
			})
		}
		_ = g.Wait()
		return productsLoadedMsg{orderID: order.ID, items: items}
	}
}

// refreshProgress reloads the products of the current order after a step
// view closes, so the colouring reflects new sign-offs.
func (v *catalogView) refreshProgress() tea.Cmd {
	if v.order.ID == "" {
		return nil
	}
	return v.loadProducts(v.order)
}

func (v *catalogView) Update(msg tea.Msg) tea.Cmd {
	a := v.app
	switch m := msg.(type) {
	case ordersLoadedMsg:
		v.pending = false
		if m.res != v.res {
			return nil
		}
		if m.err != nil {
			if a.unauthorized(m.err) {
				return nil
			}
			v.err = m.err
			a.statusMsg = fmt.Sprintf("Loading orders failed: %v", m.err)
			a.logError("Loading %s orders failed: %v", v.res, m.err)
			return nil
		}
		v.err = nil
		items := make([]list.Item, len(m.orders))
		for i, o := range m.orders {
			items[i] = orderItem{order: o}
		}
		cmd := v.orders.SetItems(items)
		a.statusMsg = fmt.Sprintf("%d order(s)", len(m.orders))
		return cmd

	case productsLoadedMsg:
		v.pending = false
		if m.orderID != v.order.ID {
			return nil
		}
		if m.err != nil {
			if a.unauthorized(m.err) {
				return nil
			}
			v.err = m.err
			a.statusMsg = fmt.Sprintf("Loading products failed: %v", m.err)
			a.logError("Loading products of %s failed: %v", v.order.Name, m.err)
			return nil
		}
		v.err = nil
		items := make([]list.Item, len(m.items))
		for i, it := range m.items {
			items[i] = it
		}
		cmd := v.products.SetItems(items)
		a.statusMsg = fmt.Sprintf("%s · %d product(s)", v.order.Name, len(m.items))
		return cmd

	case tea.KeyMsg:
		return v.handleKey(m)
	}
	return nil
}

func (v *catalogView) handleKey(msg tea.KeyMsg) tea.Cmd {
	a := v.app
	if v.pending {
		if msg.String() == "esc" {
			v.pending = false
		} else {
			return nil
		}
	}
	switch msg.String() {
	case "esc":
		if a.state == stateProducts {
			a.state = stateOrders
			v.order = record.Order{}
			a.statusMsg = ""
			return nil
		}
		_, cmd := a.returnToMainMenu()
		return cmd
	case "r":
		if a.state == stateProducts {
			return a.spin(v.loadProducts(v.order))
		}
		return a.spin(v.loadOrders())
	case "p":
		if a.state == stateProducts {
			return a.spin(v.downloadOrderReport())
		}
	case "enter":
		if a.state == stateOrders {
			item, ok := v.orders.SelectedItem().(orderItem)
			if !ok {
				return nil
			}
			v.order = item.order
			v.products.Title = fmt.Sprintf("%s · %s", v.res.Title, item.order.Name)
			_ = v.products.SetItems(nil)
			a.state = stateProducts
			a.statusMsg = fmt.Sprintf("Loading products of %s…", item.order.Name)
			return a.spin(v.loadProducts(item.order))
		}
		item, ok := v.products.SelectedItem().(productItem)
		if !ok {
			return nil
		}
		_, cmd := a.openStep(item)
		return cmd
	}
	var cmd tea.Cmd
	if a.state == stateProducts {
		v.products, cmd = v.products.Update(msg)
	} else {
		v.orders, cmd = v.orders.Update(msg)
	}
	return cmd
}

func (a *App) finishReport(m reportDoneMsg) tea.Cmd {
	if a.catalog != nil {
		a.catalog.pending = false
	}
	if a.stepView != nil {
		a.stepView.downloading = false
	}
	if m.err != nil {
		if a.unauthorized(m.err) {
			return nil
		}
		a.statusMsg = fmt.Sprintf("Report download failed: %v", m.err)
		a.logError("Report download failed: %v", m.err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("Report saved to %s (%d bytes)", m.path, m.bytes)
	a.logInfo("Report saved · %s", filepath.Base(m.path))
	return nil
}

// reportPath is where a downloaded report for the given ids lands.
func (a *App) reportPath(parts ...string) string {
	name := strings.Join(parts, "-")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
	return filepath.Join(a.config.ReportsDir(), name+".pdf")
}

// writeReport creates path and fills it with download; a failed download
// leaves no file behind.
func writeReport(path string, download func(f *os.File) (int64, error)) reportDoneMsg {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return reportDoneMsg{err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return reportDoneMsg{err: err}
	}
	n, err := download(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return reportDoneMsg{err: err}
	}
	return reportDoneMsg{path: path, bytes: n}
}

func (v *catalogView) downloadOrderReport() tea.Cmd {
	a := v.app
	if v.order.ID == "" || a.session == nil {
		return nil
	}
	v.pending = true
	client, res, order := a.client, v.res, v.order
	lang, user, role := a.language(), a.session.DisplayName(), a.session.Role()
	path := a.reportPath(res.Name, order.ID)
	a.statusMsg = fmt.Sprintf("Downloading report for %s…", order.Name)
	return func() tea.Msg {
		return writeReport(path, func(f *os.File) (int64, error) {
			return client.DownloadOrderReport(a.ctx, res, order.ID, lang, user, role, f)
		})
	}
}

func (v *catalogView) View() string {
	a := v.app
	var body string
	if a.state == stateProducts {
		body = v.products.View()
	} else {
		body = v.orders.View()
	}
	if v.err != nil {
		body = lipgloss.JoinVertical(lipgloss.Left, body, labelStyleBlocked.Render(v.err.Error()))
	}
	hint := "Enter → open    r → refresh    Esc → back"
	if a.state == stateProducts {
		hint = "Enter → execute steps    p → order report    r → refresh    Esc → orders"
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, detailTextStyle.Render(hint))
}
