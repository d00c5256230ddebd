package record

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Cursor is a role's authoritative position in a parent record. The zero
// value means the role has not started yet.
type Cursor struct {
	step int
}

// NotStarted is the cursor of a role that has not signed any step.
var NotStarted = Cursor{}

// At returns a cursor pointing at step n. Non-positive values mean not
// started.
func At(n int) Cursor {
	if n <= 0 {
		return NotStarted
	}
	return Cursor{step: n}
}

// Started reports whether the cursor points at a step.
func (c Cursor) Started() bool {
	return c.step > 0
}

// Step returns the raw step number, 0 when not started.
func (c Cursor) Step() int {
	return c.step
}

// Resolve maps the cursor onto a displayable index in [1, total]. A role
// that has not started is shown the first step.
func (c Cursor) Resolve(total int) int {
	if total <= 0 {
		return 0
	}
	switch {
	case !c.Started():
		return 1
	case c.step > total:
		return total
	default:
		return c.step
	}
}

func (c Cursor) String() string {
	if !c.Started() {
		return "not started"
	}
	return fmt.Sprintf("step %d", c.step)
}

// Parent is an instruction or equipment activity: the record that owns the
// step sequence.
type Parent struct {
	ID         string
	Name       map[string]string
	TotalSteps int
	Cursors    map[Role]Cursor

	raw []byte
}

// DecodeParent reads a parent document using the resource's field names.
func DecodeParent(res Resource, data []byte) (Parent, error) {
	if !gjson.ValidBytes(data) {
		return Parent{}, fmt.Errorf("record: invalid %s document", res.Name)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Parent{}, fmt.Errorf("record: %s document must be an object", res.Name)
	}
	p := Parent{
		ID:      doc.Get("_id").String(),
		Name:    decodeLocalized(doc.Get(res.NameField)),
		Cursors: map[Role]Cursor{},
		raw:     append([]byte(nil), data...),
	}
	if total := doc.Get("totalSteps"); total.Exists() {
		p.TotalSteps = int(total.Int())
	}
	for _, role := range CursorRoles() {
		p.Cursors[role] = At(int(doc.Get(role.Spec().CursorField).Int()))
	}
	return p, nil
}

// Cursor returns the cursor the role walks.
func (p Parent) Cursor(role Role) Cursor {
	return p.Cursors[role.CursorRole()]
}

// Raw returns the document the parent was decoded from.
func (p Parent) Raw() []byte {
	return append([]byte(nil), p.raw...)
}

// Clone returns a deep copy.
func (p Parent) Clone() Parent {
	out := p
	out.raw = append([]byte(nil), p.raw...)
	if p.Name != nil {
		out.Name = make(map[string]string, len(p.Name))
		for k, v := range p.Name {
			out.Name[k] = v
		}
	}
	if p.Cursors != nil {
		out.Cursors = make(map[Role]Cursor, len(p.Cursors))
		for k, v := range p.Cursors {
			out.Cursors[k] = v
		}
	}
	return out
}

// Progress summarises how far each role got through a parent record.
type Progress struct {
	Cursors    map[Role]Cursor
	TotalSteps int
}

// Complete reports whether the role's cursor reached the last step.
func (p Progress) Complete(role Role) bool {
	if p.TotalSteps <= 0 {
		return false
	}
	return p.Cursors[role.CursorRole()].Step() >= p.TotalSteps
}
