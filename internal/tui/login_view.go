package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/batchline/internal/record"
	"github.com/kingrea/batchline/internal/session"
)

type loginView struct {
	app     *App
	inputs  []textinput.Model
	focus   int
	pending bool
	err     string
}

const (
	loginFieldID = iota
	loginFieldPassword
)

func newLoginView(app *App) *loginView {
	id := textinput.New()
	id.Prompt = "Login ID: "
	id.Placeholder = "operator"
	id.CharLimit = 64
	id.Focus()

	password := textinput.New()
	password.Prompt = "Password: "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 128

	return &loginView{app: app, inputs: []textinput.Model{id, password}}
}

func (v *loginView) setFocus(i int) {
	v.focus = (i + len(v.inputs)) % len(v.inputs)
	for idx := range v.inputs {
		if idx == v.focus {
			v.inputs[idx].Focus()
		} else {
			v.inputs[idx].Blur()
		}
	}
}

func (v *loginView) Update(msg tea.KeyMsg) tea.Cmd {
	if v.pending {
		return nil
	}
	switch msg.String() {
	case "tab", "down":
		v.setFocus(v.focus + 1)
		return nil
	case "shift+tab", "up":
		v.setFocus(v.focus - 1)
		return nil
	case "esc":
		return tea.Quit
	case "enter":
		if v.focus == loginFieldID {
			v.setFocus(loginFieldPassword)
			return nil
		}
		return v.submit()
	}
	var cmd tea.Cmd
	v.inputs[v.focus], cmd = v.inputs[v.focus].Update(msg)
	return cmd
}

func (v *loginView) submit() tea.Cmd {
	loginID := strings.TrimSpace(v.inputs[loginFieldID].Value())
	password := v.inputs[loginFieldPassword].Value()
	if loginID == "" || password == "" {
		v.err = "Login ID and password are required"
		return nil
	}
	v.pending = true
	v.err = ""
	a := v.app
	a.statusMsg = fmt.Sprintf("Logging in as %s…", loginID)
	client := a.base
	fallbackLang := a.config.Language()
	return a.spin(func() tea.Msg {
		res, err := client.Login(a.ctx, loginID, password)
		if err != nil {
			return loginDoneMsg{err: err}
		}
		lang := res.User.Language
		if strings.TrimSpace(lang) == "" {
			lang = fallbackLang
		}
		sess, err := session.New(res.Token, session.User{
			LoginID:  res.User.LoginID,
			FullName: res.User.FullName,
			Email:    res.User.Email,
			Language: lang,
			Timezone: res.User.Timezone,
			Role:     record.Role(res.User.Role),
		}, a.clock())
		return loginDoneMsg{sess: sess, err: err}
	})
}

func (v *loginView) View() string {
	title := lipgloss.NewStyle().Bold(true).Render("Sign in")
	lines := []string{title, ""}
	for _, in := range v.inputs {
		lines = append(lines, in.View())
	}
	if v.err != "" {
		lines = append(lines, "", labelStyleBlocked.Render(v.err))
	}
	lines = append(lines, "", detailTextStyle.Render("tab → next field    enter → log in    esc → quit"))
	return strings.Join(lines, "\n")
}

func (a *App) handleLogin(msg loginDoneMsg) (tea.Model, tea.Cmd) {
	a.login.pending = false
	if msg.err != nil {
		a.login.err = fmt.Sprintf("Login failed: %v", msg.err)
		a.login.inputs[loginFieldPassword].SetValue("")
		a.statusMsg = ""
		a.logger.Warn("login failed", "error", msg.err)
		return a, nil
	}
	if err := a.store.Save(msg.sess); err != nil {
		a.logger.Warn("save session", "error", err)
	}
	if lang := msg.sess.Language(); lang != "" && lang != a.config.Language() {
		if err := a.config.SetLanguage(lang); err != nil {
			a.logger.Warn("persist language", "language", lang, "error", err)
		}
	}
	a.startSession(msg.sess)
	a.statusMsg = fmt.Sprintf("Welcome, %s", msg.sess.DisplayName())
	a.logInfo("Logged in · %s (%s)", msg.sess.DisplayName(), msg.sess.Role())
	return a, a.scheduleInactivityCheck()
}
