package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"join-room","roomId":"r1","subjectId":"est-1","displayName":"Ann"}`))
	require.NoError(t, err)
	assert.Equal(t, JoinRoom{RoomID: "r1", SubjectID: "est-1", DisplayName: "Ann"}, ev)

	ev, err = Decode([]byte(`{"type":"calculation-update","roomId":"r1","computationId":"roof","inputs":{"pitch":4}}`))
	require.NoError(t, err)
	upd := ev.(CalculationUpdate)
	assert.Equal(t, "roof", upd.ComputationID)
	assert.JSONEq(t, `{"pitch":4}`, string(upd.Inputs))

	ev, err = Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, ev.EventType())
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"no type":           `{"roomId":"r1"}`,
		"unknown type":      `{"type":"delete-everything"}`,
		"join w/o subject":  `{"type":"join-room","roomId":"r1"}`,
		"inputs not object": `{"type":"calculation-update","roomId":"r1","computationId":"c","inputs":[1]}`,
		"inputs missing":    `{"type":"calculation-update","roomId":"r1","computationId":"c"}`,
		"cursor without y":  `{"type":"cursor-position","roomId":"r1","x":1}`,
		"focus without id":  `{"type":"field-focus","roomId":"r1"}`,
		"wrong field type":  `{"type":"leave-room","roomId":7}`,
		"sync without room": `{"type":"request-sync"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestCursorAtOriginIsValid(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"cursor-position","roomId":"r1","x":0,"y":0}`))
	require.NoError(t, err)
	c := ev.(CursorPosition)
	assert.Equal(t, 0.0, *c.X)
}
