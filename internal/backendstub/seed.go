package backendstub

import (
	"encoding/json"

	"github.com/kingrea/batchline/internal/record"
)

// User is an account the stub accepts at login.
type User struct {
	UserID   string
	LoginID  string
	Password string
	FullName string
	Role     record.Role
	Language string
	Email    string
}

// Record is a parent record with its steps.
type Record struct {
	Resource record.Resource
	ID       string
	Name     map[string]string
	Cursors  map[record.Role]int
	Steps    []json.RawMessage
}

// Product is an item of an order pointing at the record it follows.
type Product struct {
	ID       string
	Name     string
	RecordID string
}

// Order groups products for one resource.
type Order struct {
	Resource  record.Resource
	ID        string
	Name      string
	Equipment string
	Products  []Product
}

// Seed is the initial state of a stub.
type Seed struct {
	Users   []User
	Records []Record
	Orders  []Order
}

// StepDoc builds a step document in the shape the backend stores.
func StepDoc(index int, instruction map[string]string, placeholders map[string]any) json.RawMessage {
	if placeholders == nil {
		placeholders = map[string]any{}
	}
	doc := map[string]any{
		"step":         index,
		"instruction":  instruction,
		"placeholders": placeholders,
		"skip_step": map[string]any{
			"skip_step":         false,
			"skip_step_numbers": []int{},
		},
		"operator_execution": map[string]any{
			"executed":    false,
			"executed_by": "",
			"executed_at": nil,
		},
		"qa_execution": map[string]any{
			"qa_executed":    false,
			"qa_executed_by": "",
			"qa_executed_at": nil,
		},
		"comments": []any{},
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return encoded
}

func field(kind record.Kind, value any, options ...any) map[string]any {
	f := map[string]any{"type": string(kind), "value": value}
	if len(options) > 0 {
		f["options"] = options
	}
	return f
}

func en(text string) map[string]string {
	return map[string]string{"en": text}
}

// DefaultSeed returns a small plant: one batch record, one equipment
// activity and an operator, a QA user and an admin.
func DefaultSeed() Seed {
	return Seed{
		Users: []User{
			{UserID: "u-operator", LoginID: "operator", Password: "operator", FullName: "Olivia Operator", Role: record.RoleOperator, Language: "en", Email: "olivia@plant.example"},
			{UserID: "u-qa", LoginID: "qa", Password: "qa", FullName: "Quentin Quality", Role: record.RoleQA, Language: "de", Email: "quentin@plant.example"},
			{UserID: "u-admin", LoginID: "admin", Password: "admin", FullName: "Ada Admin", Role: record.RoleAdmin, Language: "en", Email: "ada@plant.example"},
		},
		Records: []Record{
			{
				Resource: record.Instruction,
				ID:       "ins-granulation",
				Name:     map[string]string{"en": "Granulation", "de": "Granulierung"},
				Steps: []json.RawMessage{
					StepDoc(1, map[string]string{
						"en": "Verify line clearance of {area}.",
						"de": "Linienfreigabe für {area} prüfen.",
					}, map[string]any{
						"area": field(record.KindDropdown, "", "Room A", "Room B"),
					}),
					StepDoc(2, en("Weigh {api_weight} kg of API. Lot: {lot}"), map[string]any{
						"api_weight": field(record.KindTextbox, ""),
						"lot":        field(record.KindTextbox, ""),
					}),
					StepDoc(3, en("Is the blend uniform? {uniform}"), map[string]any{
						"uniform": field(record.KindRadio, "",
							map[string]any{"label": "Yes"},
							map[string]any{"label": "No", "next_step": 5},
						),
					}),
					StepDoc(4, en("Record the granulation end time {end_time}. Sieve intact {sieve_ok}"), map[string]any{
						"end_time": field(record.KindTime, ""),
						"sieve_ok": field(record.KindCheckbox, false),
					}),
					StepDoc(5, en("<p>Rework the blend.</p><p>Procedure: {sop}</p>"), map[string]any{
						"sop": field(record.KindHyperlink, "https://docs.plant.example/sop/rework-12"),
					}),
				},
			},
			{
				Resource: record.EquipmentActivity,
				ID:       "act-cleaning",
				Name:     map[string]string{"en": "Dryer cleaning", "de": "Trocknerreinigung"},
				Steps: []json.RawMessage{
					StepDoc(1, en("Disassemble the filter bags on {dryer}."), map[string]any{
						"dryer": field(record.KindDropdown, "", "FBD-1", "FBD-2"),
					}),
					StepDoc(2, en("Rinse for {minutes} minutes."), map[string]any{
						"minutes": field(record.KindTextbox, ""),
					}),
					StepDoc(3, en("Cleaned at {cleaned_at}"), map[string]any{
						"cleaned_at": field(record.KindDateTime, ""),
					}),
				},
			},
		},
		Orders: []Order{
			{
				Resource: record.Instruction,
				ID:       "ord-1001",
				Name:     "ORD-1001",
				Products: []Product{{ID: "prd-1", Name: "Paracetamol 500 mg", RecordID: "ins-granulation"}},
			},
			{
				Resource:  record.EquipmentActivity,
				ID:        "elo-2001",
				Name:      "ELOG-2001",
				Equipment: "Fluid bed dryer",
				Products:  []Product{{ID: "elp-1", Name: "Dryer cleaning", RecordID: "act-cleaning"}},
			},
		},
	}
}
