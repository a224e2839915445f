package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsNamesFromKeys(t *testing.T) {
	c := &Contract{
		Name: "docs",
		Events: map[string]EventDefinition{
			"doc:updated": {},
		},
		Requests: map[string]RequestDefinition{
			"doc:share": {},
		},
		Roles: map[string]Role{
			"viewer": {Permissions: []string{"doc:read"}},
		},
	}
	require.NoError(t, c.Normalize())

	assert.Equal(t, "doc:updated", c.Events["doc:updated"].Name)
	assert.Equal(t, "doc:share", c.Requests["doc:share"].Name)
	assert.Equal(t, "viewer", c.Roles["viewer"].Name)
}

func TestNormalizeCollapsesLegacySchemaShapes(t *testing.T) {
	payload := &SchemaRef{Name: "DocUpdated", Version: "1"}
	reqRef := &SchemaRef{Name: "ShareRequest"}
	respRef := &SchemaRef{Name: "ShareResponse"}

	c := &Contract{
		Name: "docs",
		Events: map[string]EventDefinition{
			"doc:updated": {PayloadSchema: payload},
		},
		Requests: map[string]RequestDefinition{
			"doc:share": {RequestSchema: reqRef, ResponseSchema: respRef},
		},
	}
	require.NoError(t, c.Normalize())

	evt := c.Events["doc:updated"]
	assert.Equal(t, payload, evt.Payload)
	assert.Nil(t, evt.PayloadSchema)

	req := c.Requests["doc:share"]
	assert.Equal(t, reqRef, req.Request)
	assert.Equal(t, respRef, req.Response)
	assert.Nil(t, req.RequestSchema)
	assert.Nil(t, req.ResponseSchema)
}

func TestNormalizeCanonicalFieldWins(t *testing.T) {
	canonical := &SchemaRef{Name: "Canonical"}
	legacy := &SchemaRef{Name: "Legacy"}

	c := &Contract{
		Name: "docs",
		Events: map[string]EventDefinition{
			"doc:updated": {Payload: canonical, PayloadSchema: legacy},
		},
	}
	require.NoError(t, c.Normalize())
	assert.Equal(t, canonical, c.Events["doc:updated"].Payload)
}

func TestNormalizeRejectsConflictingRoleName(t *testing.T) {
	c := &Contract{
		Name:  "docs",
		Roles: map[string]Role{"viewer": {Name: "editor"}},
	}
	assert.Error(t, c.Normalize())
}
