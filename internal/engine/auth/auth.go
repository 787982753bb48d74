package auth

import (
	"fmt"
	"slices"

	"oncoflow/internal/domain"
)

const (
	// PermissionWorkflowAdmin allows editing the workflow rules.
	PermissionWorkflowAdmin = "workflow.admin"
	// PermissionAPIKeys allows issuing API keys.
	PermissionAPIKeys = "apikeys.manage"
)

// KnownPermissions lists the permissions an actor may carry.
var KnownPermissions = []string{PermissionWorkflowAdmin, PermissionAPIKeys}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

func HasPermission(actor domain.Actor, perm string) bool {
	return slices.Contains(actor.Permissions, perm)
}

// Require returns a ForbiddenError unless actor carries perm.
func Require(actor domain.Actor, perm string) error {
	if HasPermission(actor, perm) {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, Permission: perm}
}

// ValidPermissions reports the first unknown permission in perms, if any.
func ValidPermissions(perms []string) (string, bool) {
	for _, p := range perms {
		if !slices.Contains(KnownPermissions, p) {
			return p, false
		}
	}
	return "", true
}
