package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the input type of a placeholder embedded in an instruction.
type Kind string

const (
	KindTextbox   Kind = "textbox"
	KindAuto      Kind = "auto"
	KindDropdown  Kind = "dropdown"
	KindRadio     Kind = "radio"
	KindDate      Kind = "date"
	KindTime      Kind = "time"
	KindDateTime  Kind = "datetime"
	KindHyperlink Kind = "hyperlink"
	KindImage     Kind = "image"
	KindGIF       Kind = "gif"
	KindCheckbox  Kind = "checkbox"
	KindDefault   Kind = "default"
)

// ParseKind maps a backend type string onto a Kind. Unknown types render
// as a free text input.
func ParseKind(value string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(value))); k {
	case KindTextbox, KindAuto, KindDropdown, KindRadio, KindDate, KindTime,
		KindDateTime, KindHyperlink, KindImage, KindGIF, KindCheckbox:
		return k
	default:
		return KindDefault
	}
}

// Editable reports whether the kind accepts user input.
func (k Kind) Editable() bool {
	switch k {
	case KindHyperlink, KindImage, KindGIF:
		return false
	default:
		return true
	}
}

// Option is a dropdown or radio choice. Radio options may branch to a
// non-sequential next step.
type Option struct {
	Label    string
	NextStep int
}

func (o *Option) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch {
	case res.Type == gjson.String:
		o.Label = res.String()
	case res.IsObject():
		o.Label = res.Get("label").String()
		if next := res.Get("next_step"); next.Exists() {
			o.NextStep = int(next.Int())
		}
	case res.Type == gjson.Number:
		o.Label = res.Raw
	default:
		return fmt.Errorf("record: unsupported option %s", res.Raw)
	}
	return nil
}

func (o Option) MarshalJSON() ([]byte, error) {
	if o.NextStep == 0 {
		return json.Marshal(o.Label)
	}
	return json.Marshal(struct {
		Label    string `json:"label"`
		NextStep int    `json:"next_step"`
	}{o.Label, o.NextStep})
}

// Placeholder is a typed input slot in a step's instruction text.
type Placeholder struct {
	Kind    Kind
	Type    string
	Value   any
	Options []Option

	dirty bool
}

func (p *Placeholder) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type    string          `json:"type"`
		Value   json.RawMessage `json:"value"`
		Options []Option        `json:"options"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Type = aux.Type
	p.Kind = ParseKind(aux.Type)
	p.Options = aux.Options
	p.Value = nil
	if len(aux.Value) > 0 {
		var v any
		if err := json.Unmarshal(aux.Value, &v); err != nil {
			return err
		}
		p.Value = v
	}
	return nil
}

func (p Placeholder) MarshalJSON() ([]byte, error) {
	typ := p.Type
	if typ == "" {
		typ = string(p.Kind)
	}
	return json.Marshal(struct {
		Type    string   `json:"type"`
		Value   any      `json:"value"`
		Options []Option `json:"options,omitempty"`
	}{typ, p.Value, p.Options})
}

// WithValue returns a copy carrying a new value that will be written back
// on the next save.
func (p Placeholder) WithValue(v any) Placeholder {
	p.Value = v
	p.dirty = true
	return p
}

// Dirty reports whether the value changed since the step was fetched.
func (p Placeholder) Dirty() bool {
	return p.dirty
}

// Text renders the value for display.
func (p Placeholder) Text() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// Checked interprets the value as a checkbox state.
func (p Placeholder) Checked() bool {
	switch v := p.Value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}

// Option looks up an option by label.
func (p Placeholder) Option(label string) (Option, bool) {
	for _, opt := range p.Options {
		if opt.Label == label {
			return opt, true
		}
	}
	return Option{}, false
}

// CoerceInput converts raw text typed into a field: integer-looking text
// becomes a number, anything else (including decimals) stays a string.
func CoerceInput(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.Contains(trimmed, ".") {
		return raw
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
		return n
	}
	return raw
}
