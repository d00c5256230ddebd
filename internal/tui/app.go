// internal/tui/app.go
//
// This is the main TUI (Terminal User Interface) for batchline.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// Every backend call runs inside a tea.Cmd and reports back with a message,
// so the UI never blocks on the network.

package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/batchline/internal/backend"
	"github.com/kingrea/batchline/internal/config"
	"github.com/kingrea/batchline/internal/logbook"
	"github.com/kingrea/batchline/internal/logging"
	"github.com/kingrea/batchline/internal/record"
	"github.com/kingrea/batchline/internal/session"
)

// appState represents which "screen" we're on
type appState int

const (
	stateLogin    appState = iota // Credentials form
	stateMainMenu                 // Batch records, equipment logbook, logout
	stateOrders                   // Orders of the chosen resource
	stateProducts                 // Products of the chosen order with progress
	stateStep                     // Step execution view
)

const logPanelLines = 8

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithClient replaces the backend client built from the project config.
func WithClient(c *backend.Client) AppOption {
	return func(a *App) {
		if c != nil {
			a.base = c
		}
	}
}

// WithLogger routes diagnostics to l.
func WithLogger(l *logging.Logger) AppOption {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock allows tests to control session and journal timestamps.
func WithClock(clock func() time.Time) AppOption {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithInactivityCheck overrides the configured session check interval. A
// non-positive interval disables the check.
func WithInactivityCheck(d time.Duration) AppOption {
	return func(a *App) {
		a.inactivityCheck = d
	}
}

// WithContext sets the context backend calls are made with.
func WithContext(ctx context.Context) AppOption {
	return func(a *App) {
		if ctx != nil {
			a.ctx = ctx
		}
	}
}

type loginDoneMsg struct {
	sess session.Session
	err  error
}

type logoutDoneMsg struct {
	err error
}

type inactivityTickMsg struct{}

type inactivityMsg struct {
	active bool
	err    error
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	state   appState
	config  *config.Config
	logger  *logging.Logger
	logbook *logbook.Logbook
	store   *session.Store
	clock   func() time.Time
	ctx     context.Context

	// base talks to the backend without credentials; client carries the
	// session token once somebody is logged in.
	base    *backend.Client
	client  *backend.Client
	session *session.Session

	inactivityCheck time.Duration

	login    *loginView
	mainMenu list.Model
	catalog  *catalogView
	stepView *stepView

	// UI components
	spinner   spinner.Model
	statusMsg string

	// Window size (we get this from bubbletea)
	width  int
	height int
}

// menuItem implements list.Item interface for our menu items
type menuItem struct {
	title string
	desc  string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

const (
	menuLogout = "Logout"
	menuExit   = "Exit"
)

func buildMainMenu() []list.Item {
	items := make([]list.Item, 0, len(record.Resources())+2)
	for _, res := range record.Resources() {
		items = append(items, menuItem{
			title: res.Title,
			desc:  fmt.Sprintf("Execute %s steps", strings.ToLower(res.Title)),
		})
	}
	return append(items,
		menuItem{title: menuLogout, desc: "End the session on this terminal"},
		menuItem{title: menuExit, desc: "Quit batchline"},
	)
}

func newList(items []list.Item, title string) list.Model {
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	return l
}

// NewApp creates a new App instance for the project directory. A session
// saved by an earlier run is resumed when it is still valid.
func NewApp(projectDir string, opts ...AppOption) (*App, error) {
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	a := &App{
		state:           stateLogin,
		config:          cfg,
		logger:          logging.Nop(),
		store:           session.NewStore(cfg.StateDir()),
		clock:           time.Now,
		ctx:             context.Background(),
		inactivityCheck: cfg.InactivityCheck(),
		mainMenu:        newList(buildMainMenu(), "⬡ BATCHLINE"),
		spinner:         spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.base == nil {
		a.base, err = backend.New(cfg.BaseURL(),
			backend.WithTimeout(cfg.Timeout()),
			backend.WithLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
	}
	lb, err := logbook.Open(cfg.LogsDir(), logbook.WithClock(a.clock))
	if err != nil {
		a.logger.Warn("journal unavailable", "error", err)
	} else {
		a.logbook = lb
	}
	a.login = newLoginView(a)

	sess, err := a.store.Resume(a.clock())
	switch {
	case err == nil:
		a.startSession(sess)
		a.logInfo("Session resumed · %s (%s)", sess.DisplayName(), sess.Role())
	case errors.Is(err, session.ErrExpired):
		a.logger.Info("saved session expired")
	case !errors.Is(err, session.ErrNoSession):
		a.logger.Warn("saved session unreadable", "error", err)
	}
	return a, nil
}

func (a *App) logInfo(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Info(format, args...)
}

func (a *App) logWarn(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Warn(format, args...)
}

func (a *App) logError(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Error(format, args...)
}

// language is the instruction language for rendering and reports.
func (a *App) language() string {
	if a.session != nil {
		if lang := strings.TrimSpace(a.session.Language()); lang != "" {
			return lang
		}
	}
	return a.config.Language()
}

func (a *App) startSession(sess session.Session) {
	a.session = &sess
	a.client = a.base.WithToken(sess)
	a.state = stateMainMenu
}

// endSession forgets the session locally and returns to the login form.
func (a *App) endSession(reason string) {
	if err := a.store.Clear(); err != nil {
		a.logger.Warn("clear session", "error", err)
	}
	if a.stepView != nil {
		a.stepView.close()
	}
	a.session = nil
	a.client = nil
	a.catalog = nil
	a.stepView = nil
	a.state = stateLogin
	a.login = newLoginView(a)
	a.statusMsg = reason
}

// unauthorized ends the session when err says the backend rejected the
// token.
func (a *App) unauthorized(err error) bool {
	if !errors.Is(err, backend.ErrUnauthorized) || a.session == nil {
		return false
	}
	a.logWarn("Session rejected by backend · %s", a.session.DisplayName())
	a.endSession("Session expired, please log in again")
	return true
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	if a.session != nil {
		return a.scheduleInactivityCheck()
	}
	return nil
}

func (a *App) scheduleInactivityCheck() tea.Cmd {
	if a.inactivityCheck <= 0 {
		return nil
	}
	return tea.Tick(a.inactivityCheck, func(time.Time) tea.Msg {
		return inactivityTickMsg{}
	})
}

func (a *App) checkInactivity() tea.Cmd {
	if a.session == nil {
		return nil
	}
	client := a.base
	email := a.session.User.Email
	return func() tea.Msg {
		active, err := client.CheckInactivity(a.ctx, email)
		return inactivityMsg{active: active, err: err}
	}
}

// busy reports whether a backend call is in flight on the current screen.
func (a *App) busy() bool {
	switch a.state {
	case stateLogin:
		return a.login.pending
	case stateOrders, stateProducts:
		return a.catalog != nil && a.catalog.pending
	case stateStep:
		return a.stepView != nil && a.stepView.busy()
	}
	return false
}

// spin starts the loading indicator alongside cmd.
func (a *App) spin(cmd tea.Cmd) tea.Cmd {
	return tea.Batch(cmd, a.spinner.Tick)
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.mainMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-14))
		if a.catalog != nil {
			a.catalog.setSize(max(0, msg.Width-6), max(0, msg.Height-14))
		}
		return a, nil

	case spinner.TickMsg:
		if !a.busy() {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case loginDoneMsg:
		return a.handleLogin(msg)

	case logoutDoneMsg:
		if msg.err != nil {
			a.logger.Warn("logout request failed", "error", msg.err)
		}
		a.logInfo("Logged out")
		a.endSession("Logged out")
		return a, nil

	case inactivityTickMsg:
		return a, a.checkInactivity()

	case inactivityMsg:
		if a.session == nil {
			return a, nil
		}
		if msg.err != nil {
			a.logger.Warn("inactivity check failed", "error", msg.err)
			return a, a.scheduleInactivityCheck()
		}
		if !msg.active {
			a.logWarn("Session expired after inactivity · %s", a.session.DisplayName())
			a.endSession("Session expired after inactivity, please log in again")
			return a, nil
		}
		return a, a.scheduleInactivityCheck()

	case reportDoneMsg:
		return a, a.finishReport(msg)

	case ordersLoadedMsg, productsLoadedMsg:
		if a.catalog == nil {
			return a, nil
		}
		return a, a.catalog.Update(msg)

	case stepDoneMsg, stepLeftMsg:
		if a.stepView == nil {
			return a, nil
		}
		return a, a.stepView.Update(msg)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.state {
	case stateLogin:
		return a, a.login.Update(msg)
	case stateMainMenu:
		switch msg.String() {
		case "q":
			return a, tea.Quit
		case "enter":
			return a.handleMainMenuSelection()
		}
		var cmd tea.Cmd
		a.mainMenu, cmd = a.mainMenu.Update(msg)
		return a, cmd
	case stateOrders, stateProducts:
		if a.catalog == nil {
			return a.returnToMainMenu()
		}
		return a, a.catalog.Update(msg)
	case stateStep:
		if a.stepView == nil {
			return a.returnToMainMenu()
		}
		return a, a.stepView.Update(msg)
	}
	return a, nil
}

// handleMainMenuSelection processes menu item selection
func (a *App) handleMainMenuSelection() (tea.Model, tea.Cmd) {
	item, ok := a.mainMenu.SelectedItem().(menuItem)
	if !ok {
		return a, nil
	}
	switch item.title {
	case menuLogout:
		a.logInfo("Menu · Logout selected")
		return a, a.logout()
	case menuExit:
		a.logInfo("Menu · Exit selected")
		return a, tea.Quit
	}
	for _, res := range record.Resources() {
		if res.Title == item.title {
			a.logInfo("Menu · %s selected", res.Title)
			return a.openCatalog(res)
		}
	}
	return a, nil
}

func (a *App) logout() tea.Cmd {
	if a.session == nil {
		return nil
	}
	client := a.client
	email := a.session.User.Email
	return func() tea.Msg {
		return logoutDoneMsg{err: client.Logout(a.ctx, email)}
	}
}

func (a *App) openCatalog(res record.Resource) (tea.Model, tea.Cmd) {
	a.catalog = newCatalogView(a, res)
	if a.width > 0 && a.height > 0 {
		a.catalog.setSize(max(0, a.width-6), max(0, a.height-14))
	}
	a.state = stateOrders
	a.statusMsg = fmt.Sprintf("Loading %s orders…", strings.ToLower(res.Title))
	return a, a.spin(a.catalog.loadOrders())
}

// openStep switches to the step view for a product of the current order.
func (a *App) openStep(item productItem) (tea.Model, tea.Cmd) {
	view, err := newStepView(a, a.catalog.res, a.catalog.order, item)
	if err != nil {
		a.statusMsg = fmt.Sprintf("Cannot open %s: %v", item.product.Name, err)
		a.logError("Open %s failed: %v", item.product.Name, err)
		return a, nil
	}
	a.stepView = view
	a.state = stateStep
	a.statusMsg = fmt.Sprintf("Opening %s…", item.product.Name)
	a.logInfo("Opened %s %s for %s", a.catalog.res, item.product.ParentID, item.product.Name)
	return a, a.spin(view.open())
}

// returnToProducts leaves the step view.
func (a *App) returnToProducts() (tea.Model, tea.Cmd) {
	a.stepView = nil
	if a.catalog == nil {
		return a.returnToMainMenu()
	}
	a.state = stateProducts
	return a, a.spin(a.catalog.refreshProgress())
}

// returnToMainMenu transitions back to the main menu
func (a *App) returnToMainMenu() (tea.Model, tea.Cmd) {
	a.state = stateMainMenu
	a.catalog = nil
	a.stepView = nil
	a.statusMsg = ""
	return a, nil
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}
	if a.state == stateMainMenu {
		a.mainMenu.SetSize(max(20, leftWidth-4), max(10, a.height-14))
	}
	var content string
	switch a.state {
	case stateLogin:
		content = a.login.View()
	case stateMainMenu:
		content = a.mainMenu.View()
	case stateOrders, stateProducts:
		if a.catalog != nil {
			content = a.catalog.View()
		}
	case stateStep:
		if a.stepView != nil {
			content = a.stepView.View(leftWidth - 4)
		}
	}
	return a.renderStatusBoard(content, leftWidth, rightWidth)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s · %d entries", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) renderStatusBoard(mainContent string, leftWidth, rightWidth int) string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ BATCHLINE")
	if strings.TrimSpace(mainContent) == "" {
		mainContent = "Loading…"
	}
	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, leftWidth)).
		Render(lipgloss.NewStyle().Width(max(20, leftWidth-4)).Render(mainContent))
	body := leftBox
	if rightWidth > 0 {
		rightBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1).
			Width(max(20, rightWidth)).
			Render(a.renderSessionPanel(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	}
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	status := a.statusMsg
	if a.busy() {
		status = strings.TrimSpace(a.spinner.View() + " " + status)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(status)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderSessionPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Session")
	var lines []string
	if a.session == nil {
		lines = append(lines, "Not logged in")
	} else {
		lines = append(lines,
			a.session.DisplayName(),
			fmt.Sprintf("Role: %s", a.session.Role()),
			fmt.Sprintf("Language: %s", a.language()),
		)
		if !a.session.ExpiresAt.IsZero() {
			lines = append(lines, fmt.Sprintf("Token expires in %s", humanizeDuration(a.session.ExpiresAt.Sub(a.clock()))))
		}
	}
	lines = append(lines, "", detailTextStyle.Render(a.base.BaseURL()))
	body := lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func humanizeDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
