package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageContext(t *testing.T) {
	mc := NewMessageContext("client-1")

	assert.NotEmpty(t, mc.ID)
	assert.NotEmpty(t, mc.TraceID)
	assert.NotEmpty(t, mc.SpanID)
	assert.Equal(t, "client-1", mc.Source)
	assert.False(t, mc.Timestamp.IsZero())
}

func TestContextCopyOnWrite(t *testing.T) {
	base := NewMessageContext("client-1").WithMetadata("tenant", "acme")

	t.Run("WithActor leaves the original untouched", func(t *testing.T) {
		actor := &Actor{ID: "u1", Type: "user"}
		augmented := base.WithActor(actor)

		assert.Nil(t, base.Auth)
		require.NotNil(t, augmented.Auth)
		assert.Equal(t, actor, augmented.Auth.Actor)
		assert.Equal(t, base.ID, augmented.ID)
	})

	t.Run("WithToken preserves the actor", func(t *testing.T) {
		withActor := base.WithActor(&Actor{ID: "u1"})
		withBoth := withActor.WithToken("tok-1")

		assert.Empty(t, withActor.Auth.Token)
		assert.Equal(t, "tok-1", withBoth.Auth.Token)
		assert.Equal(t, "u1", withBoth.Auth.Actor.ID)
	})

	t.Run("WithMetadata copies the map", func(t *testing.T) {
		augmented := base.WithMetadata("region", "eu")

		assert.Equal(t, "eu", augmented.Metadata["region"])
		_, leaked := base.Metadata["region"]
		assert.False(t, leaked)
		assert.Equal(t, "acme", augmented.Metadata["tenant"])
	})

	t.Run("WithTarget", func(t *testing.T) {
		augmented := base.WithTarget("client-2")
		assert.Equal(t, "client-2", augmented.Target)
		assert.Empty(t, base.Target)
	})

	t.Run("ChildSpan keeps the trace", func(t *testing.T) {
		child := base.ChildSpan()
		assert.Equal(t, base.TraceID, child.TraceID)
		assert.Equal(t, base.SpanID, child.ParentSpanID)
		assert.NotEqual(t, base.SpanID, child.SpanID)
	})
}

func TestActorOrNil(t *testing.T) {
	var nilCtx *MessageContext
	assert.Nil(t, nilCtx.ActorOrNil())
	assert.Nil(t, NewMessageContext("x").ActorOrNil())

	actor := &Actor{ID: "u1"}
	assert.Equal(t, actor, NewMessageContext("x").WithActor(actor).ActorOrNil())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type payload struct {
		DocID string `json:"docId"`
	}
	mc := NewMessageContext("client-1")
	env, err := NewEnvelope(KindRequest, "doc.save", payload{DocID: "d1"}, mc)
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, "doc.save", env.Type)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	var out payload
	require.NoError(t, decoded.Decode(&out))
	assert.Equal(t, "d1", out.DocID)
	assert.Equal(t, mc.ID, decoded.Context.ID)
}

func TestEnvelopeReplyCorrelation(t *testing.T) {
	req, err := NewEnvelope(KindRequest, "doc.save", map[string]string{"docId": "d1"}, nil)
	require.NoError(t, err)

	resp, err := req.Reply(map[string]bool{"ok": true}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.Type, resp.Type)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.NotEqual(t, req.ID, resp.ID)
}

func TestEnvelopeDecodeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(KindEvent, "ping", nil, nil)
	require.NoError(t, err)

	var out map[string]interface{}
	assert.NoError(t, env.Decode(&out))
	assert.Nil(t, out)
}
