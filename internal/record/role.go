package record

import (
	"fmt"
	"strings"
)

// Role identifies what the signed-in user is allowed to do on a record.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleQA       Role = "QA"
	RoleOperator Role = "Operator"
	RoleReviewer Role = "Reviewer"
	RoleApprover Role = "Approver"
)

var knownRoles = []Role{RoleAdmin, RoleQA, RoleOperator, RoleReviewer, RoleApprover}

// ParseRole matches a role name case-insensitively.
func ParseRole(value string) (Role, error) {
	trimmed := strings.TrimSpace(value)
	for _, role := range knownRoles {
		if strings.EqualFold(trimmed, string(role)) {
			return role, nil
		}
	}
	return "", fmt.Errorf("record: unknown role %q", value)
}

// CursorRole returns the role whose cursor this role walks. Only QA has its
// own cursor; every other role signs as operator.
func (r Role) CursorRole() Role {
	if r == RoleQA {
		return RoleQA
	}
	return RoleOperator
}

// RoleSpec holds the wire names the backend uses for a cursor role.
type RoleSpec struct {
	Role          Role
	CursorPath    string
	CursorField   string
	ExecutionKey  string
	ExecutedField string
	ByField       string
	AtField       string
}

var roleSpecs = map[Role]RoleSpec{
	RoleOperator: {
		Role:          RoleOperator,
		CursorPath:    "current-step",
		CursorField:   "current_step",
		ExecutionKey:  "operator_execution",
		ExecutedField: "executed",
		ByField:       "executed_by",
		AtField:       "executed_at",
	},
	RoleQA: {
		Role:          RoleQA,
		CursorPath:    "current-qa-step",
		CursorField:   "current_qa_step",
		ExecutionKey:  "qa_execution",
		ExecutedField: "qa_executed",
		ByField:       "qa_executed_by",
		AtField:       "qa_executed_at",
	},
}

// Spec returns the wire names for the role's cursor.
func (r Role) Spec() RoleSpec {
	return roleSpecs[r.CursorRole()]
}

// CursorRoles lists the roles that own a cursor, operator first.
func CursorRoles() []Role {
	return []Role{RoleOperator, RoleQA}
}
