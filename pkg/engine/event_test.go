package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeLifecycleEvents декодирование событий жизненного цикла движка
func TestDecodeLifecycleEvents(t *testing.T) {
	t.Run("connected без payload", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawConnected})
		require.NoError(t, err)
		assert.Equal(t, KindConnected, ev.Kind)
	})

	t.Run("disconnected с причиной", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawDisconnected, Payload: DisconnectedPayload{Cause: "transport error"}})
		require.NoError(t, err)
		assert.Equal(t, KindDisconnected, ev.Kind)
		assert.Equal(t, "transport error", ev.Disconnected.Cause)
	})

	t.Run("registered с expires", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawRegistered, Payload: RegisteredPayload{Expires: 600}})
		require.NoError(t, err)
		assert.Equal(t, KindRegistered, ev.Kind)
		assert.Equal(t, 600, ev.Registered.Expires)
	})

	t.Run("registered без payload отбрасывается", func(t *testing.T) {
		_, err := Decode(RawEvent{Name: RawRegistered})
		var dErr *DecodeError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, RawRegistered, dErr.Name)
	})

	t.Run("registrationFailed", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawRegistrationFailed, Payload: RegistrationFailedPayload{Cause: "Forbidden", StatusCode: 403}})
		require.NoError(t, err)
		assert.Equal(t, KindRegistrationFailed, ev.Kind)
		assert.Equal(t, 403, ev.RegistrationFailed.StatusCode)
	})
}

// TestDecodeCallEvents декодирование событий вызова
func TestDecodeCallEvents(t *testing.T) {
	t.Run("progress с ранней медиа", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawCallProgress, Payload: ProgressPayload{EarlyMedia: true, StatusCode: 183}})
		require.NoError(t, err)
		assert.Equal(t, KindCallProgress, ev.Kind)
		assert.True(t, ev.Progress.EarlyMedia)
	})

	t.Run("ended с причиной", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawCallEnded, Payload: TerminatedPayload{Cause: "bye"}})
		require.NoError(t, err)
		assert.Equal(t, KindCallEnded, ev.Kind)
		assert.Equal(t, "bye", ev.Terminated.Cause)
	})

	t.Run("failed со статусом", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawCallFailed, Payload: TerminatedPayload{Cause: "Busy Here", StatusCode: 486}})
		require.NoError(t, err)
		assert.Equal(t, KindCallFailed, ev.Kind)
		assert.Equal(t, 486, ev.Terminated.StatusCode)
	})

	t.Run("hold удаленной стороны", func(t *testing.T) {
		ev, err := Decode(RawEvent{Name: RawCallHold, Payload: HoldPayload{Remote: true}})
		require.NoError(t, err)
		assert.Equal(t, KindCallHold, ev.Kind)
		assert.True(t, ev.Hold.Remote)
	})
}

// TestDecodeNewCall событие нового вызова требует handle
func TestDecodeNewCall(t *testing.T) {
	_, err := Decode(RawEvent{Name: RawNewCall, Payload: NewCallPayload{}})
	var dErr *DecodeError
	require.ErrorAs(t, err, &dErr)
}

// TestDecodeUnknownName неизвестные имена локализуются в декодере,
// а не просачиваются в state machine
func TestDecodeUnknownName(t *testing.T) {
	_, err := Decode(RawEvent{Name: "surprise"})
	var dErr *DecodeError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "surprise", dErr.Name)
	assert.Contains(t, dErr.Error(), "surprise")
}
