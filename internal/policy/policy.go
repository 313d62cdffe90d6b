// Package policy is the pure authorization matrix: (role, action, entity
// kind, entity state) -> allow or deny. Decisions are total (unknown
// roles or actions deny) and have no side effects.
package policy

import (
	"fmt"

	"plantline/internal/workflow"
)

type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleClient     Role = "client"
)

type Action string

const (
	ActionCreate          Action = "create"
	ActionEditFields      Action = "editFields"
	ActionTransition      Action = "transition"
	ActionManageChecklist Action = "manageChecklist"
	ActionManageMaterials Action = "manageMaterials"
	ActionManagePhotos    Action = "managePhotos"
	ActionDelete          Action = "delete"
	ActionDownloadReport  Action = "downloadReport"
)

// DeniedError indicates the role may not perform the action.
type DeniedError struct {
	Role   Role
	Action Action
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

func KnownRole(role Role) bool {
	switch role {
	case RoleSuperadmin, RoleAdmin, RoleTechnician, RoleClient:
		return true
	}
	return false
}

// staff are the roles allowed to mutate work records.
func staff(role Role) bool {
	return role == RoleSuperadmin || role == RoleAdmin || role == RoleTechnician
}

// Allows reports whether role may perform action on an entity of the
// given kind in the given state.
func Allows(role Role, action Action, kind, state string) bool {
	if !KnownRole(role) {
		return false
	}
	switch action {
	case ActionCreate:
		if kind == workflow.KindMaintenance {
			return staff(role)
		}
		// anyone may report an incident
		return true
	case ActionEditFields, ActionTransition, ActionManageChecklist, ActionManageMaterials, ActionManagePhotos:
		return staff(role)
	case ActionDelete:
		return role == RoleSuperadmin || role == RoleAdmin
	case ActionDownloadReport:
		return workflow.IsTerminal(kind, state)
	}
	return false
}

// Check is Allows returning a typed denial.
func Check(role Role, action Action, kind, state string) error {
	if Allows(role, action, kind, state) {
		return nil
	}
	return DeniedError{Role: role, Action: action}
}
