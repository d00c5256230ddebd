package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// isoMillis matches the timestamps the web client stamps on steps.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Execution is one role's sign-off on a step.
type Execution struct {
	Executed bool
	By       string
	At       time.Time
}

// Comment is an append-only note left on a step.
type Comment struct {
	Text      string
	User      string
	CreatedAt time.Time
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("record: comment must be an object")
	}
	c.Text = res.Get("text").String()
	c.User = res.Get("user").String()
	c.CreatedAt = parseTime(res.Get("created_at").String())
	return nil
}

func (c Comment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Text      string `json:"text"`
		User      string `json:"user"`
		CreatedAt string `json:"created_at"`
	}{c.Text, c.User, formatTime(c.CreatedAt)})
}

// SkipStep records a conditional branch implied by a radio selection.
type SkipStep struct {
	Skip    bool
	Numbers []int
}

// Step is one addressable unit of work inside a parent record. It keeps the
// document it was decoded from so that saving only rewrites the fields this
// client owns; everything else the backend sent survives untouched.
type Step struct {
	Index        int
	Instruction  map[string]string
	Placeholders map[string]Placeholder
	SkipStep     SkipStep
	Executions   map[Role]Execution
	Comments     []Comment

	raw         []byte
	rawComments int
	skipDirty   bool
}

func (s *Step) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("record: invalid step document")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return fmt.Errorf("record: step document must be an object")
	}
	next := Step{
		raw:         append([]byte(nil), data...),
		Index:       int(doc.Get("step").Int()),
		Instruction: decodeLocalized(doc.Get("instruction")),
		Executions:  map[Role]Execution{},
	}
	if ph := doc.Get("placeholders"); ph.IsObject() {
		next.Placeholders = map[string]Placeholder{}
		var decodeErr error
		ph.ForEach(func(key, value gjson.Result) bool {
			var p Placeholder
			if err := json.Unmarshal([]byte(value.Raw), &p); err != nil {
				decodeErr = fmt.Errorf("record: placeholder %q: %w", key.String(), err)
				return false
			}
			next.Placeholders[key.String()] = p
			return true
		})
		if decodeErr != nil {
			return decodeErr
		}
	}
	if skip := doc.Get("skip_step"); skip.IsObject() {
		next.SkipStep.Skip = skip.Get("skip_step").Bool()
		skip.Get("skip_step_numbers").ForEach(func(_, v gjson.Result) bool {
			if n := int(v.Int()); n > 0 {
				next.SkipStep.Numbers = append(next.SkipStep.Numbers, n)
			}
			return true
		})
	}
	for _, role := range CursorRoles() {
		spec := role.Spec()
		exec := doc.Get(spec.ExecutionKey)
		if !exec.IsObject() {
			continue
		}
		next.Executions[role] = Execution{
			Executed: exec.Get(spec.ExecutedField).Bool(),
			By:       exec.Get(spec.ByField).String(),
			At:       parseTime(exec.Get(spec.AtField).String()),
		}
	}
	if comments := doc.Get("comments"); comments.IsArray() {
		for _, item := range comments.Array() {
			var c Comment
			if err := json.Unmarshal([]byte(item.Raw), &c); err != nil {
				return err
			}
			next.Comments = append(next.Comments, c)
		}
		next.rawComments = len(next.Comments)
	}
	*s = next
	return nil
}

// MarshalJSON produces the full step document: the original document with
// the client-owned changes applied on top.
func (s Step) MarshalJSON() ([]byte, error) {
	fresh := len(s.raw) == 0
	doc := []byte("{}")
	if !fresh {
		doc = append([]byte(nil), s.raw...)
	}
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		var encoded []byte
		if encoded, err = json.Marshal(value); err != nil {
			return
		}
		doc, err = sjson.SetRawBytes(doc, path, encoded)
	}

	if s.Index > 0 && gjson.GetBytes(doc, "step").Int() != int64(s.Index) {
		set("step", s.Index)
	}
	if fresh {
		if len(s.Instruction) > 0 {
			set("instruction", s.Instruction)
		}
		if len(s.Placeholders) > 0 {
			set("placeholders", s.Placeholders)
		}
	} else {
		for key, p := range s.Placeholders {
			if !p.dirty {
				continue
			}
			path := "placeholders." + escapePath(key)
			if gjson.GetBytes(doc, path).IsObject() {
				set(path+".value", p.Value)
			} else {
				set(path, p)
			}
		}
	}
	if s.skipDirty {
		numbers := s.SkipStep.Numbers
		if numbers == nil {
			numbers = []int{}
		}
		set("skip_step", map[string]any{
			"skip_step":         s.SkipStep.Skip,
			"skip_step_numbers": numbers,
		})
	}
	for _, role := range CursorRoles() {
		exec, ok := s.Executions[role]
		if !ok || !exec.Executed {
			continue
		}
		spec := role.Spec()
		if gjson.GetBytes(doc, spec.ExecutionKey+"."+spec.ExecutedField).Bool() {
			continue
		}
		stamp := map[string]any{
			spec.ExecutedField: true,
			spec.ByField:       exec.By,
			spec.AtField:       formatTime(exec.At),
		}
		if gjson.GetBytes(doc, spec.ExecutionKey).IsObject() {
			for _, field := range []string{spec.ExecutedField, spec.ByField, spec.AtField} {
				set(spec.ExecutionKey+"."+field, stamp[field])
			}
		} else {
			set(spec.ExecutionKey, stamp)
		}
	}
	if len(s.Comments) > s.rawComments {
		if gjson.GetBytes(doc, "comments").IsArray() {
			for _, c := range s.Comments[s.rawComments:] {
				set("comments.-1", c)
			}
		} else {
			set("comments", s.Comments)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("record: encode step %d: %w", s.Index, err)
	}
	return doc, nil
}

// Raw returns the document the step was decoded from.
func (s Step) Raw() []byte {
	return append([]byte(nil), s.raw...)
}

// Commit folds pending changes into the stored document, as the backend now
// holds them after a successful save.
func (s Step) Commit() (Step, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return Step{}, err
	}
	var out Step
	if err := json.Unmarshal(encoded, &out); err != nil {
		return Step{}, err
	}
	return out, nil
}

// Clone returns a deep copy.
func (s Step) Clone() Step {
	out := s
	out.raw = append([]byte(nil), s.raw...)
	if s.Instruction != nil {
		out.Instruction = make(map[string]string, len(s.Instruction))
		for k, v := range s.Instruction {
			out.Instruction[k] = v
		}
	}
	if s.Placeholders != nil {
		out.Placeholders = make(map[string]Placeholder, len(s.Placeholders))
		for k, p := range s.Placeholders {
			p.Options = append([]Option(nil), p.Options...)
			out.Placeholders[k] = p
		}
	}
	out.SkipStep.Numbers = append([]int(nil), s.SkipStep.Numbers...)
	if s.Executions != nil {
		out.Executions = make(map[Role]Execution, len(s.Executions))
		for k, v := range s.Executions {
			out.Executions[k] = v
		}
	}
	out.Comments = append([]Comment(nil), s.Comments...)
	return out
}

// Execution returns the sign-off recorded for the role's cursor.
func (s Step) Execution(role Role) Execution {
	return s.Executions[role.CursorRole()]
}

// Executed reports whether the role has signed the step.
func (s Step) Executed(role Role) bool {
	return s.Execution(role).Executed
}

// MarkExecuted stamps the role's sign-off.
func (s *Step) MarkExecuted(role Role, by string, at time.Time) {
	if s.Executions == nil {
		s.Executions = map[Role]Execution{}
	}
	s.Executions[role.CursorRole()] = Execution{Executed: true, By: by, At: at.UTC()}
}

// KeepExecutions carries over sign-offs from prev that s would otherwise
// drop. Sign-offs never revert.
func (s *Step) KeepExecutions(prev Step) {
	for role, exec := range prev.Executions {
		if !exec.Executed || s.Executions[role].Executed {
			continue
		}
		if s.Executions == nil {
			s.Executions = map[Role]Execution{}
		}
		s.Executions[role] = exec
	}
}

// CarryEdits copies onto s the field edits current holds that were not in
// sent, the copy taken from current when a save started. Edits made while
// that save was in flight stay pending.
func (s *Step) CarryEdits(sent, current Step) {
	for key, p := range current.Placeholders {
		if !p.dirty {
			continue
		}
		if prev, ok := sent.Placeholders[key]; ok && prev.dirty && reflect.DeepEqual(prev.Value, p.Value) {
			continue
		}
		s.SetPlaceholder(key, p.Value)
	}
	if current.skipDirty && !(sent.skipDirty && reflect.DeepEqual(sent.SkipStep, current.SkipStep)) {
		s.SetSkip(current.SkipStep)
	}
}

// SetPlaceholder replaces a placeholder value.
func (s *Step) SetPlaceholder(key string, value any) {
	if s.Placeholders == nil {
		s.Placeholders = map[string]Placeholder{}
	}
	s.Placeholders[key] = s.Placeholders[key].WithValue(value)
}

// SetSkip records the branch implied by a radio selection.
func (s *Step) SetSkip(skip SkipStep) {
	s.SkipStep = skip
	s.skipDirty = true
}

// AppendComment adds a comment to the end of the thread.
func (s *Step) AppendComment(c Comment) {
	s.Comments = append(s.Comments, c)
}

// Dirty reports whether field edits are waiting to be saved.
func (s Step) Dirty() bool {
	if s.skipDirty {
		return true
	}
	for _, p := range s.Placeholders {
		if p.dirty {
			return true
		}
	}
	return false
}

func decodeLocalized(res gjson.Result) map[string]string {
	switch {
	case res.IsObject():
		out := map[string]string{}
		res.ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = value.String()
			return true
		})
		return out
	case res.Type == gjson.String:
		return map[string]string{"en": res.String()}
	default:
		return nil
	}
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, isoMillis, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoMillis)
}

// escapePath escapes a map key for use in a gjson/sjson path.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
