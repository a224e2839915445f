// Package auth implements the authorization engine: role closure resolution
// with cycle tolerance, wildcard permission matching, and the request, emit
// and subscribe access checks the server runs before dispatch.
package auth

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// Wildcard grants every permission.
const Wildcard = "*"

// DefaultPolicy decides access when a request or event declares no allowed
// roles and permission matching finds nothing.
type DefaultPolicy int

const (
	// DefaultAllow permits actors when nothing explicitly denies them. This
	// matches the upstream behavior; deployments wanting deny-by-default opt
	// in through WithDefaultPolicy.
	DefaultAllow DefaultPolicy = iota
	// DefaultDeny rejects actors that match no allow rule and hold no
	// applicable permission.
	DefaultDeny
)

// Engine answers authorization questions for one compiled contract. It is
// built once and read-only afterwards; all methods are safe for concurrent
// use.
type Engine struct {
	roles         map[string]contracts.Role
	resolved      map[string]map[string]struct{}
	defaultPolicy DefaultPolicy
	logger        *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithDefaultPolicy overrides the permit-by-default fallback.
func WithDefaultPolicy(policy DefaultPolicy) Option {
	return func(e *Engine) { e.defaultPolicy = policy }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine from the contract's role definitions, resolving
// each role's permission closure up front.
func NewEngine(roles map[string]contracts.Role, options ...Option) *Engine {
	e := &Engine{
		roles:         roles,
		resolved:      make(map[string]map[string]struct{}, len(roles)),
		defaultPolicy: DefaultAllow,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	for name := range roles {
		e.resolved[name] = e.resolveRole(name, make(map[string]struct{}))
	}
	e.logger.Info("authorization engine built",
		"roles", len(roles),
		"defaultPolicy", map[DefaultPolicy]string{DefaultAllow: "allow", DefaultDeny: "deny"}[e.defaultPolicy],
	)
	return e
}

// resolveRole computes the transitive permission closure of a role. A role
// already on the expansion path contributes nothing on re-encounter, so
// inheritance cycles terminate with the non-cyclic union.
func (e *Engine) resolveRole(name string, visiting map[string]struct{}) map[string]struct{} {
	perms := make(map[string]struct{})
	if _, onPath := visiting[name]; onPath {
		return perms
	}
	role, ok := e.roles[name]
	if !ok {
		return perms
	}
	visiting[name] = struct{}{}
	for _, p := range role.Permissions {
		perms[p] = struct{}{}
	}
	for _, parent := range role.Inherits {
		for p := range e.resolveRole(parent, visiting) {
			perms[p] = struct{}{}
		}
	}
	delete(visiting, name)
	return perms
}

// GetPermissions returns the de-duplicated union of the actor's direct
// permissions and all role-derived permissions, sorted for determinism.
func (e *Engine) GetPermissions(actor *contracts.Actor) []string {
	set := e.permissionSet(actor)
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

func (e *Engine) permissionSet(actor *contracts.Actor) map[string]struct{} {
	set := make(map[string]struct{})
	if actor == nil {
		return set
	}
	for _, p := range actor.Permissions {
		set[p] = struct{}{}
	}
	for _, roleName := range actor.Roles {
		for p := range e.resolved[roleName] {
			set[p] = struct{}{}
		}
	}
	return set
}

// HasPermission reports whether the actor holds the permission directly,
// through any of its roles' closures, or through a wildcard. A held
// "doc:*" matches "doc:read"; "*" matches everything.
func (e *Engine) HasPermission(actor *contracts.Actor, permission string) bool {
	set := e.permissionSet(actor)
	if _, ok := set[permission]; ok {
		return true
	}
	if _, ok := set[Wildcard]; ok {
		return true
	}
	// Scoped wildcards: every colon-separated prefix may be held as
	// "prefix:*".
	rest := permission
	prefix := ""
	for {
		segment, tail, ok := strings.Cut(rest, ":")
		if !ok {
			return false
		}
		prefix += segment + ":"
		if _, held := set[prefix+Wildcard]; held {
			return true
		}
		rest = tail
	}
}

// CanAccessRequest reports whether the actor may call the named request.
func (e *Engine) CanAccessRequest(actor *contracts.Actor, name string, access *contracts.AccessControl) bool {
	return e.authorize(actor, name, access, "request", "")
}

// CanEmitEvent reports whether the actor may emit the named event.
func (e *Engine) CanEmitEvent(actor *contracts.Actor, name string, access *contracts.AccessControl) bool {
	return e.authorize(actor, name, access, "emit", "emit")
}

// CanSubscribeToEvent reports whether the actor may subscribe to the named
// event.
func (e *Engine) CanSubscribeToEvent(actor *contracts.Actor, name string, access *contracts.AccessControl) bool {
	return e.authorize(actor, name, access, "subscribe", "subscribe")
}

// authorize resolves access in precedence order: system names, explicit role
// lists (deny wins), then permission-string matching.
func (e *Engine) authorize(actor *contracts.Actor, name string, access *contracts.AccessControl, directPrefix, action string) bool {
	if IsSystemName(name) {
		return true
	}

	if access != nil && (len(access.AllowedRoles) > 0 || len(access.DeniedRoles) > 0) {
		for _, denied := range access.DeniedRoles {
			if actorHasRole(actor, denied) {
				return false
			}
		}
		if len(access.AllowedRoles) == 0 {
			return true
		}
		for _, allowed := range access.AllowedRoles {
			if actorHasRole(actor, allowed) {
				return true
			}
		}
		return false
	}

	set := e.permissionSet(actor)
	if matchPermission(set, name, directPrefix, action) {
		return true
	}
	return e.defaultPolicy == DefaultAllow
}

// matchPermission checks direct, resource-scoped and wildcard permission
// strings for a dotted message name. For "doc.save" with action "emit" the
// accepted forms are emit:doc.save, doc:emit:save, doc:emit:*, emit:* and *;
// without an action they are request:doc.save, doc:save, doc:* and *.
func matchPermission(set map[string]struct{}, name, directPrefix, action string) bool {
	has := func(p string) bool {
		_, ok := set[p]
		return ok
	}

	if has(Wildcard) {
		return true
	}
	if has(directPrefix + ":" + name) {
		return true
	}
	if action != "" && has(action+":"+Wildcard) {
		return true
	}

	if resource, rest, ok := strings.Cut(name, "."); ok {
		if action != "" {
			return has(resource+":"+action+":"+rest) || has(resource+":"+action+":"+Wildcard)
		}
		return has(resource+":"+rest) || has(resource+":"+Wildcard)
	}
	return false
}

func actorHasRole(actor *contracts.Actor, role string) bool {
	if actor == nil {
		return false
	}
	for _, r := range actor.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsSystemName reports whether a message name is reserved for protocol
// bookkeeping. System names bypass authorization entirely.
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "$")
}
