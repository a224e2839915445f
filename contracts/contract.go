package contracts

import "fmt"

// Role names a set of permissions. Roles form a directed graph through
// Inherits; cycles are tolerated by the authorization engine.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
	Inherits    []string `json:"inherits,omitempty"`
}

// AccessControl declares explicit role-based access for a request or event.
// DeniedRoles takes precedence over AllowedRoles. An empty AllowedRoles list
// leaves access open to any actor.
type AccessControl struct {
	AllowedRoles []string `json:"allowedRoles,omitempty"`
	DeniedRoles  []string `json:"deniedRoles,omitempty"`
}

// SchemaRef points at a payload schema owned by an external validation
// library. The framework only carries the reference.
type SchemaRef struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// EventDefinition declares an event type in the contract.
type EventDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Access      *AccessControl `json:"access,omitempty"`
	Payload     *SchemaRef     `json:"payload,omitempty"`

	// PayloadSchema is the legacy declaration shape. Normalize collapses it
	// into Payload.
	PayloadSchema *SchemaRef `json:"payloadSchema,omitempty"`
}

// RequestDefinition declares a request/response pair in the contract.
type RequestDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Access      *AccessControl `json:"access,omitempty"`
	Request     *SchemaRef     `json:"request,omitempty"`
	Response    *SchemaRef     `json:"response,omitempty"`

	// RequestSchema and ResponseSchema are the legacy declaration shape.
	// Normalize collapses them into Request/Response.
	RequestSchema  *SchemaRef `json:"requestSchema,omitempty"`
	ResponseSchema *SchemaRef `json:"responseSchema,omitempty"`
}

// ErrorDefinition declares an error code in the contract. Message may contain
// {param} placeholders filled when an instance is created.
type ErrorDefinition struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	DelayMs    int    `json:"delayMs,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// Contract is the declarative definition of everything a client and server
// exchange: events, requests, error codes, roles and permissions.
type Contract struct {
	Name        string                       `json:"name"`
	Version     string                       `json:"version,omitempty"`
	Events      map[string]EventDefinition   `json:"events,omitempty"`
	Requests    map[string]RequestDefinition `json:"requests,omitempty"`
	Errors      []ErrorDefinition            `json:"errors,omitempty"`
	Roles       map[string]Role              `json:"roles,omitempty"`
	Permissions []string                     `json:"permissions,omitempty"`
}

// Normalize collapses the legacy schema declaration shapes into the canonical
// one and fills definition names from their map keys. The ambiguity never
// travels past this boundary. An explicit canonical field wins over the
// legacy one.
func (c *Contract) Normalize() error {
	for name, def := range c.Events {
		def.Name = name
		if def.Payload == nil {
			def.Payload = def.PayloadSchema
		}
		def.PayloadSchema = nil
		c.Events[name] = def
	}
	for name, def := range c.Requests {
		def.Name = name
		if def.Request == nil {
			def.Request = def.RequestSchema
		}
		if def.Response == nil {
			def.Response = def.ResponseSchema
		}
		def.RequestSchema = nil
		def.ResponseSchema = nil
		c.Requests[name] = def
	}
	for name, role := range c.Roles {
		if role.Name != "" && role.Name != name {
			return fmt.Errorf("role %q declares conflicting name %q", name, role.Name)
		}
		role.Name = name
		c.Roles[name] = role
	}
	return nil
}
