package policy

import (
	"errors"
	"testing"

	"plantline/internal/workflow"
)

var allRoles = []Role{RoleSuperadmin, RoleAdmin, RoleTechnician, RoleClient}

var allActions = []Action{
	ActionCreate, ActionEditFields, ActionTransition, ActionManageChecklist,
	ActionManageMaterials, ActionManagePhotos, ActionDelete, ActionDownloadReport,
}

func TestClientIsReadMostly(t *testing.T) {
	// Clients may report incidents and download terminal reports, nothing else.
	if !Allows(RoleClient, ActionCreate, workflow.KindIncident, workflow.StatePending) {
		t.Fatalf("client must be able to report incidents")
	}
	if Allows(RoleClient, ActionCreate, workflow.KindMaintenance, workflow.StatePending) {
		t.Fatalf("client must not schedule maintenance")
	}
	for _, action := range []Action{ActionEditFields, ActionTransition, ActionManageChecklist, ActionManageMaterials, ActionManagePhotos, ActionDelete} {
		if Allows(RoleClient, action, workflow.KindIncident, workflow.StateInProgress) {
			t.Fatalf("client must not %s", action)
		}
	}
	if !Allows(RoleClient, ActionDownloadReport, workflow.KindIncident, workflow.StateResolved) {
		t.Fatalf("client must download terminal reports")
	}
}

func TestStaffMutations(t *testing.T) {
	for _, role := range []Role{RoleSuperadmin, RoleAdmin, RoleTechnician} {
		for _, action := range []Action{ActionEditFields, ActionTransition, ActionManageChecklist, ActionManageMaterials, ActionManagePhotos} {
			if !Allows(role, action, workflow.KindMaintenance, workflow.StateInProgress) {
				t.Fatalf("%s must be allowed to %s", role, action)
			}
		}
	}
}

func TestDeleteIsAdminOnly(t *testing.T) {
	if !Allows(RoleSuperadmin, ActionDelete, workflow.KindIncident, workflow.StatePending) {
		t.Fatalf("superadmin may delete")
	}
	if !Allows(RoleAdmin, ActionDelete, workflow.KindIncident, workflow.StatePending) {
		t.Fatalf("admin may delete")
	}
	if Allows(RoleTechnician, ActionDelete, workflow.KindIncident, workflow.StatePending) {
		t.Fatalf("technician must not delete")
	}
}

func TestDownloadReportRequiresTerminal(t *testing.T) {
	for _, role := range allRoles {
		if Allows(role, ActionDownloadReport, workflow.KindIncident, workflow.StateInProgress) {
			t.Fatalf("%s must not download a report for a live entity", role)
		}
		if !Allows(role, ActionDownloadReport, workflow.KindMaintenance, workflow.StateCompleted) {
			t.Fatalf("%s must download a report for a terminal entity", role)
		}
	}
}

func TestUnknownRolesAndActionsDeny(t *testing.T) {
	for _, action := range allActions {
		if Allows("intruder", action, workflow.KindIncident, workflow.StatePending) {
			t.Fatalf("unknown role allowed to %s", action)
		}
	}
	for _, role := range allRoles {
		if Allows(role, "selfDestruct", workflow.KindIncident, workflow.StatePending) {
			t.Fatalf("%s allowed unknown action", role)
		}
	}
}

func TestCheckReturnsTypedDenial(t *testing.T) {
	err := Check(RoleClient, ActionTransition, workflow.KindIncident, workflow.StatePending)
	var de DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("want DeniedError, got %v", err)
	}
	if de.Role != RoleClient || de.Action != ActionTransition {
		t.Fatalf("error fields %+v", de)
	}
	if err := Check(RoleAdmin, ActionTransition, workflow.KindIncident, workflow.StatePending); err != nil {
		t.Fatalf("admin transition should pass: %v", err)
	}
}
