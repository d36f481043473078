package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletedPayloadAcceptsBothShapes(t *testing.T) {
	var p DeletedPayload
	require.NoError(t, json.Unmarshal([]byte(`{"messageId":"m1"}`), &p))
	assert.Equal(t, "m1", p.MessageID)

	var bare DeletedPayload
	require.NoError(t, json.Unmarshal([]byte(`"m2"`), &bare))
	assert.Equal(t, "m2", bare.MessageID)
}

func TestNewFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(EventTyping, TypingEmit{GroupID: "G1", IsTyping: true})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventTyping, decoded.Event)

	var payload TypingEmit
	require.NoError(t, json.Unmarshal(decoded.Data, &payload))
	assert.Equal(t, "G1", payload.GroupID)
	assert.True(t, payload.IsTyping)
}

func TestNewFrameNilPayload(t *testing.T) {
	frame, err := NewFrame(EventLeaveGroup, nil)
	require.NoError(t, err)
	assert.Equal(t, EventLeaveGroup, frame.Event)
	assert.Nil(t, frame.Data)
}
