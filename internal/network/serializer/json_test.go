package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
)

func TestJSONSerializerStable(t *testing.T) {
	var s JSONSerializer
	msg := &protocol.Broadcast{Envelope: protocol.Envelope{
		ID: 1, Timestamp: 1700000000000, Sender: "alice", Channel: "general", Payload: []byte{0, 1, 0xff},
	}}
	first, err := s.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"envelope":{"id":1,"ts":1700000000000,"sender":"alice","channel":"general","payload":"AAH/"}}`,
		string(first))

	var decoded protocol.Broadcast
	require.NoError(t, s.Unmarshal(first, &decoded))
	assert.Equal(t, msg, &decoded)

	second, err := s.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Error(t, s.Unmarshal([]byte(`{"envelope":`), &decoded))
}
