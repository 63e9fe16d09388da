package pubsub

import (
	"testing"

	"crdt-sync/internal/docid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	id := docid.MustParse("ws1:page:intro", "")
	payload, err := encodeEnvelope("instance-a", id, []byte{0, 0})
	require.NoError(t, err)

	env, err := decodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", env.Origin)
	assert.Equal(t, "ws1:page:intro", env.DocID)
	assert.Equal(t, []byte{0, 0}, env.Update)
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `{`,
		"missing origin": `{"doc_id":"ws","update":"AAA="}`,
		"missing update": `{"origin":"a","doc_id":"ws"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(payload))
			assert.ErrorContains(t, err, "invalid envelope")
		})
	}
}

func TestChannelUsesFullAddress(t *testing.T) {
	f := &RedisFanout{prefix: "crdt-sync:doc:"}
	id := docid.MustParse("settings:prefs", "ws1")
	assert.Equal(t, "crdt-sync:doc:ws1:settings:prefs", f.channel(id))
}

func TestDispatchRecoversEveryVariant(t *testing.T) {
	f := &RedisFanout{prefix: "crdt-sync:doc:", instance: "local"}

	for _, id := range []docid.DocID{
		docid.MustParse("ws1", "ws1"),
		docid.MustParse("ws1:page:intro", ""),
		docid.MustParse("db$orders", "ws1"),
		docid.MustParse("userdata$u1$prefs", "ws1"),
	} {
		t.Run(id.Full(), func(t *testing.T) {
			payload, err := encodeEnvelope("remote", id, []byte{0, 0})
			require.NoError(t, err)

			var got []docid.DocID
			f.dispatch(f.channel(id), string(payload), func(id docid.DocID, update []byte) {
				got = append(got, id)
				assert.Equal(t, []byte{0, 0}, update)
			})
			assert.Equal(t, []docid.DocID{id}, got)
		})
	}
}

func TestDispatchSkipsOwnAndMalformedMessages(t *testing.T) {
	f := &RedisFanout{prefix: "crdt-sync:doc:", instance: "local"}
	id := docid.MustParse("ws1:page:intro", "")
	called := false
	handler := func(docid.DocID, []byte) { called = true }

	own, err := encodeEnvelope("local", id, []byte{0, 0})
	require.NoError(t, err)
	f.dispatch(f.channel(id), string(own), handler)

	f.dispatch(f.channel(id), `{`, handler)

	remote, err := encodeEnvelope("remote", id, []byte{0, 0})
	require.NoError(t, err)
	f.dispatch("crdt-sync:doc:a:b:c:d:e", string(remote), handler)

	assert.False(t, called)
}
