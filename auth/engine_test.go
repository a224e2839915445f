package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshrpc/meshrpc-go/contracts"
)

func docRoles() map[string]contracts.Role {
	return map[string]contracts.Role{
		"viewer": {Permissions: []string{"doc:read"}},
		"editor": {Permissions: []string{"doc:write"}, Inherits: []string{"viewer"}},
		"admin":  {Permissions: []string{"*"}, Inherits: []string{"editor"}},
	}
}

func TestGetPermissionsResolvesInheritance(t *testing.T) {
	engine := NewEngine(docRoles())

	t.Run("editor inherits viewer permissions", func(t *testing.T) {
		actor := &contracts.Actor{ID: "u1", Roles: []string{"editor"}}
		assert.Equal(t, []string{"doc:read", "doc:write"}, engine.GetPermissions(actor))
	})

	t.Run("direct permissions union with role permissions", func(t *testing.T) {
		actor := &contracts.Actor{ID: "u2", Roles: []string{"viewer"}, Permissions: []string{"doc:share"}}
		assert.Equal(t, []string{"doc:read", "doc:share"}, engine.GetPermissions(actor))
	})

	t.Run("unknown role contributes nothing", func(t *testing.T) {
		actor := &contracts.Actor{ID: "u3", Roles: []string{"ghost"}}
		assert.Empty(t, engine.GetPermissions(actor))
	})

	t.Run("nil actor has no permissions", func(t *testing.T) {
		assert.Empty(t, engine.GetPermissions(nil))
	})
}

func TestInheritanceCycleResolves(t *testing.T) {
	engine := NewEngine(map[string]contracts.Role{
		"a": {Permissions: []string{"pa"}, Inherits: []string{"b"}},
		"b": {Permissions: []string{"pb"}, Inherits: []string{"a"}},
	})

	actor := &contracts.Actor{ID: "u1", Roles: []string{"a"}}
	assert.Equal(t, []string{"pa", "pb"}, engine.GetPermissions(actor))
}

func TestHasPermission(t *testing.T) {
	engine := NewEngine(docRoles())

	cases := []struct {
		name       string
		actor      *contracts.Actor
		permission string
		want       bool
	}{
		{"direct match", &contracts.Actor{Permissions: []string{"doc:read"}}, "doc:read", true},
		{"inherited match", &contracts.Actor{Roles: []string{"editor"}}, "doc:read", true},
		{"global wildcard", &contracts.Actor{Roles: []string{"admin"}}, "anything:at:all", true},
		{"scoped wildcard", &contracts.Actor{Permissions: []string{"doc:*"}}, "doc:read", true},
		{"scoped wildcard deep", &contracts.Actor{Permissions: []string{"doc:*"}}, "doc:meta:read", true},
		{"scope does not leak", &contracts.Actor{Permissions: []string{"doc:*"}}, "user:read", false},
		{"missing", &contracts.Actor{Roles: []string{"viewer"}}, "doc:write", false},
		{"nil actor", nil, "doc:read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.HasPermission(tc.actor, tc.permission))
		})
	}
}

func TestAuthorizeRoleLists(t *testing.T) {
	engine := NewEngine(docRoles(), WithDefaultPolicy(DefaultDeny))
	access := &contracts.AccessControl{AllowedRoles: []string{"editor"}, DeniedRoles: []string{"banned"}}

	t.Run("allowed role passes", func(t *testing.T) {
		actor := &contracts.Actor{Roles: []string{"editor"}}
		assert.True(t, engine.CanAccessRequest(actor, "doc.share", access))
	})

	t.Run("deny wins over allow", func(t *testing.T) {
		actor := &contracts.Actor{Roles: []string{"editor", "banned"}}
		assert.False(t, engine.CanAccessRequest(actor, "doc.share", access))
	})

	t.Run("unlisted role fails", func(t *testing.T) {
		actor := &contracts.Actor{Roles: []string{"viewer"}}
		assert.False(t, engine.CanAccessRequest(actor, "doc.share", access))
	})

	t.Run("deny-only list admits everyone else", func(t *testing.T) {
		denyOnly := &contracts.AccessControl{DeniedRoles: []string{"banned"}}
		actor := &contracts.Actor{Roles: []string{"viewer"}}
		assert.True(t, engine.CanAccessRequest(actor, "doc.share", denyOnly))
	})
}

func TestAuthorizePermissionMatching(t *testing.T) {
	engine := NewEngine(nil, WithDefaultPolicy(DefaultDeny))

	t.Run("request prefix", func(t *testing.T) {
		actor := &contracts.Actor{Permissions: []string{"request:doc.save"}}
		assert.True(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})

	t.Run("resource action form", func(t *testing.T) {
		actor := &contracts.Actor{Permissions: []string{"doc:save"}}
		assert.True(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})

	t.Run("resource wildcard", func(t *testing.T) {
		actor := &contracts.Actor{Permissions: []string{"doc:*"}}
		assert.True(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})

	t.Run("emit forms", func(t *testing.T) {
		assert.True(t, engine.CanEmitEvent(&contracts.Actor{Permissions: []string{"emit:doc.changed"}}, "doc.changed", nil))
		assert.True(t, engine.CanEmitEvent(&contracts.Actor{Permissions: []string{"doc:emit:changed"}}, "doc.changed", nil))
		assert.True(t, engine.CanEmitEvent(&contracts.Actor{Permissions: []string{"doc:emit:*"}}, "doc.changed", nil))
		assert.True(t, engine.CanEmitEvent(&contracts.Actor{Permissions: []string{"emit:*"}}, "doc.changed", nil))
		assert.False(t, engine.CanEmitEvent(&contracts.Actor{Permissions: []string{"doc:changed"}}, "doc.changed", nil))
	})

	t.Run("subscribe forms", func(t *testing.T) {
		assert.True(t, engine.CanSubscribeToEvent(&contracts.Actor{Permissions: []string{"subscribe:doc.changed"}}, "doc.changed", nil))
		assert.True(t, engine.CanSubscribeToEvent(&contracts.Actor{Permissions: []string{"subscribe:*"}}, "doc.changed", nil))
		assert.False(t, engine.CanSubscribeToEvent(&contracts.Actor{Permissions: []string{"doc:read"}}, "doc.changed", nil))
	})

	t.Run("no match denies under deny policy", func(t *testing.T) {
		actor := &contracts.Actor{Permissions: []string{"user:read"}}
		assert.False(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})
}

func TestDefaultPolicy(t *testing.T) {
	actor := &contracts.Actor{ID: "u1"}

	t.Run("allow policy admits unmatched actors", func(t *testing.T) {
		engine := NewEngine(nil)
		assert.True(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})

	t.Run("deny policy rejects unmatched actors", func(t *testing.T) {
		engine := NewEngine(nil, WithDefaultPolicy(DefaultDeny))
		assert.False(t, engine.CanAccessRequest(actor, "doc.save", nil))
	})
}

func TestSystemNamesBypassAuthorization(t *testing.T) {
	engine := NewEngine(nil, WithDefaultPolicy(DefaultDeny))

	assert.True(t, engine.CanAccessRequest(nil, "$register", nil))
	assert.True(t, engine.CanEmitEvent(nil, "$heartbeat", nil))
	assert.True(t, engine.CanSubscribeToEvent(nil, "$connected", nil))
	assert.True(t, IsSystemName("$ping"))
	assert.False(t, IsSystemName("doc.save"))
}
