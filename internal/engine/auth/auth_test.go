package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"oncoflow/internal/domain"
)

func TestRequire(t *testing.T) {
	admin := domain.Actor{ID: "a", Role: domain.RoleCoordination, Permissions: []string{PermissionWorkflowAdmin}}
	assert.NoError(t, Require(admin, PermissionWorkflowAdmin))

	err := Require(admin, PermissionAPIKeys)
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, PermissionAPIKeys, fe.Permission)
	assert.Equal(t, "actor a lacks permission apikeys.manage", err.Error())
}

func TestValidPermissions(t *testing.T) {
	_, ok := ValidPermissions([]string{PermissionWorkflowAdmin, PermissionAPIKeys})
	assert.True(t, ok)
	unknown, ok := ValidPermissions([]string{PermissionWorkflowAdmin, "root"})
	assert.False(t, ok)
	assert.Equal(t, "root", unknown)
}
