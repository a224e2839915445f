// Package schema compiles contracts into the indexed form the runtime
// consumes and validates payloads at the server boundary against the
// compiled contract.
package schema

import (
	"fmt"
	"sort"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// Compiled is a contract after normalization and reference checking, with
// its definitions indexed by name.
type Compiled struct {
	Contract *contracts.Contract
	Events   map[string]contracts.EventDefinition
	Requests map[string]contracts.RequestDefinition
	Roles    map[string]contracts.Role

	// Warnings carries non-fatal findings, currently inheritance cycles.
	// Cyclic roles still resolve; each closure stops where it started.
	Warnings []string
}

// CompileContract normalizes the contract, indexes its definitions and
// verifies that every role reference points at a declared role.
func CompileContract(c *contracts.Contract) (*Compiled, error) {
	if c == nil {
		return nil, fmt.Errorf("contract is nil")
	}
	if c.Name == "" {
		return nil, fmt.Errorf("contract has no name")
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}

	compiled := &Compiled{
		Contract: c,
		Events:   make(map[string]contracts.EventDefinition, len(c.Events)),
		Requests: make(map[string]contracts.RequestDefinition, len(c.Requests)),
		Roles:    make(map[string]contracts.Role, len(c.Roles)),
	}

	for name, role := range c.Roles {
		compiled.Roles[name] = role
	}
	for name, role := range c.Roles {
		for _, parent := range role.Inherits {
			if _, declared := compiled.Roles[parent]; !declared {
				return nil, fmt.Errorf("role %q inherits undeclared role %q", name, parent)
			}
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return nil, fmt.Errorf("role %q declares an empty permission", name)
			}
		}
	}
	compiled.Warnings = append(compiled.Warnings, findCycles(c.Roles)...)

	for name, def := range c.Events {
		if err := checkAccess(compiled.Roles, def.Access); err != nil {
			return nil, fmt.Errorf("event %q: %w", name, err)
		}
		compiled.Events[name] = def
	}
	for name, def := range c.Requests {
		if err := checkAccess(compiled.Roles, def.Access); err != nil {
			return nil, fmt.Errorf("request %q: %w", name, err)
		}
		compiled.Requests[name] = def
	}
	return compiled, nil
}

func checkAccess(roles map[string]contracts.Role, access *contracts.AccessControl) error {
	if access == nil {
		return nil
	}
	for _, name := range access.AllowedRoles {
		if name == "*" {
			continue
		}
		if _, declared := roles[name]; !declared {
			return fmt.Errorf("allowedRoles references undeclared role %q", name)
		}
	}
	for _, name := range access.DeniedRoles {
		if _, declared := roles[name]; !declared {
			return fmt.Errorf("deniedRoles references undeclared role %q", name)
		}
	}
	return nil
}

// findCycles reports inheritance cycles, one warning per cycle entry role.
func findCycles(roles map[string]contracts.Role) []string {
	var warnings []string
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, start := range names {
		visited := map[string]bool{}
		if cycleFrom(roles, start, start, visited) {
			warnings = append(warnings, fmt.Sprintf("role %q participates in an inheritance cycle", start))
		}
	}
	return warnings
}

func cycleFrom(roles map[string]contracts.Role, start, current string, visited map[string]bool) bool {
	for _, parent := range roles[current].Inherits {
		if parent == start {
			return true
		}
		if visited[parent] {
			continue
		}
		visited[parent] = true
		if cycleFrom(roles, start, parent, visited) {
			return true
		}
	}
	return false
}
