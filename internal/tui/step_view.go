package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kingrea/batchline/internal/backend"
	"github.com/kingrea/batchline/internal/record"
	"github.com/kingrea/batchline/internal/tracker"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	fieldStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Underline(true)
	focusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#1A1A1A")).Background(lipgloss.Color("#F7B801"))
)

const (
	actionOpen     = "open"
	actionGoTo     = "go to step"
	actionCurrent  = "current step"
	actionNext     = "next"
	actionBack     = "back"
	actionComment  = "comment"
	actionComplete = "sign-off"
	actionSave     = "save"
)

type promptKind int

const (
	promptNone promptKind = iota
	promptGoTo
	promptComment
	promptField
)

type stepDoneMsg struct {
	action string
	err    error
}

type stepLeftMsg struct {
	err error
}

// stepView executes the steps of one product's record through a tracker.
type stepView struct {
	app     *App
	tracker *tracker.Tracker
	order   record.Order
	item    productItem

	focus       int
	prompt      promptKind
	input       textinput.Model
	pending     int
	downloading bool
	leaving     bool
}

func newStepView(a *App, res record.Resource, order record.Order, item productItem) (*stepView, error) {
	if a.session == nil {
		return nil, errors.New("not logged in")
	}
	if item.product.ParentID == "" {
		return nil, errors.New("product has no record attached")
	}
	t, err := tracker.New(a.client, res, *a.session,
		tracker.WithLogger(a.logger.With("resource", res.Name, "record", item.product.ParentID)),
		tracker.WithJournal(a.logbook),
		tracker.WithClock(a.clock),
	)
	if err != nil {
		return nil, err
	}
	input := textinput.New()
	input.CharLimit = 500
	return &stepView{
		app:     a,
		tracker: t,
		order:   order,
		item:    item,
		focus:   -1,
		input:   input,
	}, nil
}

func (v *stepView) busy() bool {
	return v.pending > 0 || v.downloading || v.tracker.Loading()
}

func (v *stepView) close() {
	v.tracker.Close()
}

// run executes a tracker call off the UI goroutine.
func (v *stepView) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	v.pending++
	ctx := v.app.ctx
	return v.app.spin(func() tea.Msg {
		return stepDoneMsg{action: action, err: fn(ctx)}
	})
}

func (v *stepView) open() tea.Cmd {
	id := v.item.product.ParentID
	return v.run(actionOpen, func(ctx context.Context) error {
		return v.tracker.Open(ctx, id)
	})
}

// fields lists the editable placeholders of the displayed step in the
// order the instruction mentions them.
func (v *stepView) fields(view tracker.View) []string {
	if !view.HasStep {
		return nil
	}
	var keys []string
	for _, key := range view.Step.PlaceholderKeys(v.app.language()) {
		if view.Step.Placeholders[key].Kind.Editable() {
			keys = append(keys, key)
		}
	}
	return keys
}

func (v *stepView) focusedField(view tracker.View) (string, record.Placeholder, bool) {
	keys := v.fields(view)
	if v.focus < 0 || v.focus >= len(keys) {
		return "", record.Placeholder{}, false
	}
	key := keys[v.focus]
	return key, view.Step.Placeholders[key], true
}

func (v *stepView) Update(msg tea.Msg) tea.Cmd {
	a := v.app
	switch m := msg.(type) {
	case stepDoneMsg:
		v.pending--
		return v.finish(m)
	case stepLeftMsg:
		v.pending--
		v.leaving = false
		if m.err != nil {
			if a.unauthorized(m.err) {
				return nil
			}
			a.statusMsg = fmt.Sprintf("Unsaved changes could not be saved: %v", m.err)
			return nil
		}
		v.close()
		_, cmd := a.returnToProducts()
		return cmd
	case tea.KeyMsg:
		if v.prompt != promptNone {
			return v.handlePromptKey(m)
		}
		return v.handleKey(m)
	}
	return nil
}

func (v *stepView) finish(m stepDoneMsg) tea.Cmd {
	a := v.app
	view := v.tracker.Snapshot()
	if n := len(v.fields(view)); v.focus >= n {
		v.focus = -1
	}
	if m.err != nil {
		if a.unauthorized(m.err) {
			return nil
		}
		if errors.Is(m.err, tracker.ErrValidation) {
			a.statusMsg = strings.TrimPrefix(m.err.Error(), tracker.ErrValidation.Error()+": ")
		} else {
			a.statusMsg = fmt.Sprintf("%s failed: %v", cases.Title(language.English).String(m.action), m.err)
		}
		return nil
	}
	switch m.action {
	case actionComment:
		a.statusMsg = fmt.Sprintf("Comment added to step %d", view.Index)
	case actionComplete:
		verb := "Signed"
		if view.Role.CursorRole() == record.RoleQA {
			verb = "Reviewed"
		}
		a.statusMsg = fmt.Sprintf("%s · now on step %d/%d", verb, view.Index, view.TotalSteps)
	case actionSave:
		a.statusMsg = fmt.Sprintf("Step %d saved", view.Index)
	default:
		a.statusMsg = fmt.Sprintf("Step %d/%d", view.Index, view.TotalSteps)
	}
	return nil
}

func (v *stepView) handleKey(msg tea.KeyMsg) tea.Cmd {
	a := v.app
	t := v.tracker
	view := t.Snapshot()
	switch msg.String() {
	case "esc":
		if v.focus >= 0 {
			v.focus = -1
			return nil
		}
		if v.leaving {
			return nil
		}
		v.leaving = true
		v.pending++
		ctx := a.ctx
		return func() tea.Msg {
			return stepLeftMsg{err: t.Save(ctx)}
		}
	case "tab":
		return v.moveFocus(view, 1)
	case "shift+tab":
		return v.moveFocus(view, -1)
	case "left", "h":
		if key, p, ok := v.focusedField(view); ok && hasOptions(p) {
			v.cycle(key, p, -1)
			return nil
		}
		return v.run(actionBack, t.Back)
	case "right", "l":
		if key, p, ok := v.focusedField(view); ok && hasOptions(p) {
			v.cycle(key, p, 1)
			return nil
		}
		return v.run(actionNext, t.Next)
	case " ", "space":
		if key, p, ok := v.focusedField(view); ok && p.Kind == record.KindCheckbox {
			v.apply(t.SetChecked(key, !p.Checked()))
		}
		return nil
	case "g":
		if !view.HasParent {
			return nil
		}
		v.openPrompt(promptGoTo, fmt.Sprintf("Go to step (1-%d): ", view.TotalSteps), "")
		return nil
	case "c":
		return v.run(actionCurrent, t.GoToCurrentStep)
	case "m":
		if !view.HasStep {
			return nil
		}
		v.openPrompt(promptComment, "Comment: ", "")
		return nil
	case "s":
		return v.run(actionSave, t.Save)
	case "enter":
		return v.complete(view)
	case "p":
		return v.downloadReport()
	}
	return nil
}

func hasOptions(p record.Placeholder) bool {
	return (p.Kind == record.KindRadio || p.Kind == record.KindDropdown) && len(p.Options) > 0
}

// apply reports a local edit result in the status line.
func (v *stepView) apply(err error) {
	if err == nil {
		v.app.statusMsg = "Edited · unsaved"
		return
	}
	v.app.statusMsg = strings.TrimPrefix(err.Error(), tracker.ErrValidation.Error()+": ")
}

func (v *stepView) moveFocus(view tracker.View, delta int) tea.Cmd {
	keys := v.fields(view)
	if len(keys) == 0 {
		v.app.statusMsg = "This step has no fields"
		return nil
	}
	if !view.Editable {
		v.app.statusMsg = "Fields on this step are read-only"
		return nil
	}
	switch {
	case v.focus < 0 && delta < 0:
		v.focus = len(keys) - 1
	case v.focus < 0:
		v.focus = 0
	default:
		v.focus = (v.focus + delta + len(keys)) % len(keys)
	}
	key := keys[v.focus]
	p := view.Step.Placeholders[key]
	switch p.Kind {
	case record.KindRadio, record.KindCheckbox:
	case record.KindDropdown:
		if len(p.Options) == 0 {
			v.openPrompt(promptField, titleCase(key, v.app.language())+": ", p.Text())
		}
	default:
		v.openPrompt(promptField, titleCase(key, v.app.language())+": ", p.Text())
	}
	return nil
}

func (v *stepView) cycle(key string, p record.Placeholder, delta int) {
	labels := make([]string, len(p.Options))
	for i, opt := range p.Options {
		labels[i] = opt.Label
	}
	idx := slices.Index(labels, p.Text())
	switch {
	case idx < 0 && delta < 0:
		idx = len(labels) - 1
	case idx < 0:
		idx = 0
	default:
		idx = (idx + delta + len(labels)) % len(labels)
	}
	if p.Kind == record.KindRadio {
		v.apply(v.tracker.SelectOption(key, labels[idx]))
		return
	}
	v.apply(v.tracker.SetFieldValue(key, labels[idx]))
}

func (v *stepView) openPrompt(kind promptKind, prompt, value string) {
	v.prompt = kind
	v.input.Prompt = prompt
	v.input.SetValue(value)
	v.input.CursorEnd()
	v.input.Focus()
}

func (v *stepView) closePrompt() {
	v.prompt = promptNone
	v.input.Blur()
	v.input.SetValue("")
}

func (v *stepView) handlePromptKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		v.closePrompt()
		return nil
	case "enter":
		return v.submitPrompt()
	case "tab", "shift+tab":
		if v.prompt != promptField {
			return nil
		}
		v.submitPrompt()
		delta := 1
		if msg.String() == "shift+tab" {
			delta = -1
		}
		return v.moveFocus(v.tracker.Snapshot(), delta)
	}
	var cmd tea.Cmd
	v.input, cmd = v.input.Update(msg)
	return cmd
}

func (v *stepView) submitPrompt() tea.Cmd {
	kind := v.prompt
	value := v.input.Value()
	view := v.tracker.Snapshot()
	v.closePrompt()
	switch kind {
	case promptGoTo:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 || n > view.TotalSteps {
			v.app.statusMsg = fmt.Sprintf("Enter a step number between 1 and %d", view.TotalSteps)
			return nil
		}
		return v.run(actionGoTo, func(ctx context.Context) error {
			return v.tracker.GoToStep(ctx, n)
		})
	case promptComment:
		if strings.TrimSpace(value) == "" {
			v.app.statusMsg = "Empty comment discarded"
			return nil
		}
		return v.run(actionComment, func(ctx context.Context) error {
			return v.tracker.AddComment(ctx, value)
		})
	case promptField:
		if key, _, ok := v.focusedField(view); ok {
			v.apply(v.tracker.SetFieldValue(key, value))
		}
	}
	return nil
}

// complete signs or reviews the displayed step when the role may do so and
// explains why not otherwise.
func (v *stepView) complete(view tracker.View) tea.Cmd {
	if !view.HasStep {
		return nil
	}
	if view.CanSign || view.CanReview {
		return v.run(actionComplete, v.tracker.Complete)
	}
	role := view.Role.CursorRole()
	switch {
	case view.Step.Executed(role):
		v.app.statusMsg = fmt.Sprintf("Step %d is already %s", view.Index, pastTense(role))
	case !view.IsCurrentStep:
		v.app.statusMsg = fmt.Sprintf("Step %d is not your current step (press c to jump there)", view.Index)
	case role == record.RoleQA && !view.Step.Executed(record.RoleOperator):
		v.app.statusMsg = fmt.Sprintf("Step %d has not been signed by the operator yet", view.Index)
	default:
		v.app.statusMsg = "Nothing to sign on this step"
	}
	return nil
}

func pastTense(role record.Role) string {
	if role == record.RoleQA {
		return "reviewed"
	}
	return "signed"
}

func (v *stepView) downloadReport() tea.Cmd {
	a := v.app
	if a.session == nil || v.downloading {
		return nil
	}
	req := backend.ReportRequest{
		Resource:  v.tracker.Resource(),
		OrderID:   v.order.ID,
		ProductID: v.item.product.ID,
		ParentID:  v.item.product.ParentID,
		Language:  a.language(),
		User:      a.session.DisplayName(),
		Role:      a.session.Role(),
	}
	path := a.reportPath(req.Resource.Name, req.OrderID, req.ProductID, req.ParentID)
	client := a.client
	v.downloading = true
	a.statusMsg = "Downloading report…"
	return a.spin(func() tea.Msg {
		return writeReport(path, func(f *os.File) (int64, error) {
			return client.DownloadReport(a.ctx, req, f)
		})
	})
}

func titleCase(key, lang string) string {
	words := strings.NewReplacer("_", " ", "-", " ").Replace(key)
	return cases.Title(language.Make(lang)).String(words)
}

func (v *stepView) View(width int) string {
	view := v.tracker.Snapshot()
	lang := v.app.language()
	if !view.HasParent || !view.HasStep {
		if view.Err != nil {
			return labelStyleBlocked.Render(fmt.Sprintf("Could not open %s: %v", v.item.product.Name, view.Err)) +
				"\n\n" + detailTextStyle.Render("c → retry current step    esc → back")
		}
		return fmt.Sprintf("Opening %s…", v.item.product.Name)
	}

	title := lipgloss.NewStyle().Bold(true).Render(view.Parent.DisplayName(lang))
	header := fmt.Sprintf("%s · step %d/%d · %s", title, view.Index, view.TotalSteps, view.Role)
	if view.IsCurrentStep {
		header += " " + labelStyleRunning.Render("[current]")
	} else {
		header += " " + detailTextStyle.Render(fmt.Sprintf("[cursor: %s]", view.Cursor))
	}
	sub := detailTextStyle.Render(fmt.Sprintf("%s · %s", v.order.Name, v.item.product.Name))

	focusKey, _, _ := v.focusedField(view)
	sections := []string{
		header,
		sub,
		"",
		v.renderInstruction(view, lang, focusKey),
	}
	if fields := v.renderFields(view, lang, focusKey); fields != "" {
		sections = append(sections, "", fields)
	}
	sections = append(sections, "", v.renderExecutions(view), v.renderComments(view))
	if view.Err != nil {
		sections = append(sections, "", labelStyleBlocked.Render("⚠ "+view.Err.Error()))
	}
	if v.prompt != promptNone && v.prompt != promptField {
		sections = append(sections, "", v.input.View())
	}
	sections = append(sections, "", v.renderHelp(view))
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(sections, "\n"))
}

func (v *stepView) renderInstruction(view tracker.View, lang, focusKey string) string {
	var b strings.Builder
	for _, seg := range view.Step.Segments(lang) {
		if !seg.IsPlaceholder() {
			b.WriteString(record.PlainText(seg.Text))
			continue
		}
		p, ok := view.Step.Placeholders[seg.Placeholder]
		if !ok {
			b.WriteString("{" + seg.Placeholder + "}")
			continue
		}
		text := placeholderText(p)
		if seg.Placeholder == focusKey {
			b.WriteString(focusStyle.Render(text))
		} else {
			b.WriteString(fieldStyle.Render(text))
		}
	}
	return b.String()
}

func placeholderText(p record.Placeholder) string {
	switch p.Kind {
	case record.KindCheckbox:
		if p.Checked() {
			return "[x]"
		}
		return "[ ]"
	case record.KindImage, record.KindGIF:
		return "[" + string(p.Kind) + ": " + p.Text() + "]"
	}
	if text := p.Text(); text != "" {
		return text
	}
	return "____"
}

func (v *stepView) renderFields(view tracker.View, lang, focusKey string) string {
	keys := v.fields(view)
	if len(keys) == 0 {
		return ""
	}
	head := "Fields"
	if !view.Editable {
		head += " (read-only)"
	}
	lines := []string{lipgloss.NewStyle().Bold(true).Render(head)}
	for _, key := range keys {
		p := view.Step.Placeholders[key]
		marker := " "
		if key == focusKey {
			marker = ">"
		}
		value := placeholderText(p)
		if key == focusKey && v.prompt == promptField {
			value = v.input.View()
		} else if hasOptions(p) {
			opts := make([]string, len(p.Options))
			for i, opt := range p.Options {
				if opt.Label == p.Text() {
					opts[i] = "[" + opt.Label + "]"
				} else {
					opts[i] = opt.Label
				}
			}
			value = strings.Join(opts, " | ")
		}
		dirty := ""
		if p.Dirty() {
			dirty = labelStyleGate.Render(" *")
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s): %s%s", marker, titleCase(key, lang), p.Kind, value, dirty))
	}
	return strings.Join(lines, "\n")
}

func (v *stepView) renderExecutions(view tracker.View) string {
	lines := make([]string, 0, len(record.CursorRoles()))
	for _, role := range record.CursorRoles() {
		exec := view.Step.Execution(role)
		if !exec.Executed {
			lines = append(lines, labelStyleDefault.Render(fmt.Sprintf("○ %s: not %s", role, pastTense(role))))
			continue
		}
		line := fmt.Sprintf("✔ %s: %s by %s", role, pastTense(role), exec.By)
		if !exec.At.IsZero() {
			line += " at " + exec.At.Local().Format("2006-01-02 15:04")
		}
		lines = append(lines, labelStyleReady.Render(line))
	}
	return strings.Join(lines, "\n")
}

func (v *stepView) renderComments(view tracker.View) string {
	comments := view.Step.Comments
	if len(comments) == 0 {
		return detailTextStyle.Render("No comments")
	}
	lines := []string{fmt.Sprintf("Comments (%d)", len(comments))}
	for _, c := range comments {
		stamp := ""
		if !c.CreatedAt.IsZero() {
			stamp = " · " + c.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("  %s%s: ", c.User, stamp))+c.Text)
	}
	return strings.Join(lines, "\n")
}

func (v *stepView) renderHelp(view tracker.View) string {
	action := "enter → sign"
	if view.Role.CursorRole() == record.RoleQA {
		action = "enter → review"
	}
	if !view.CanSign && !view.CanReview {
		action = detailTextStyle.Strikethrough(true).Render(action)
	}
	lines := []string{
		"←/→ back/next    g → go to step    c → current step    m → comment",
		action + "    tab → fields    s → save    p → report    esc → back",
	}
	if v.prompt == promptField {
		lines = []string{"enter → keep value    tab → next field    esc → cancel edit"}
	} else if v.prompt != promptNone {
		lines = []string{"enter → confirm    esc → cancel"}
	}
	return detailTextStyle.Render(strings.Join(lines, "\n"))
}
