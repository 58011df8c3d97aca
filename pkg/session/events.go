package session

import "time"

// Каталог событий шины. Внешние потребители (UI, история, статистика)
// подписываются только на эти события; «живые» handle движка в payload
// не попадают.
const (
	EventConnectionConnected    = "connection:connected"
	EventConnectionDisconnected = "connection:disconnected"
	EventConnectionFailed       = "connection:failed"

	EventRegistrationRegistered   = "registration:registered"
	EventRegistrationUnregistered = "registration:unregistered"
	EventRegistrationFailed       = "registration:failed"

	EventCallAccepted     = "call:accepted"
	EventCallConfirmed    = "call:confirmed"
	EventCallProgress     = "call:progress"
	EventCallEnded        = "call:ended"
	EventCallFailed       = "call:failed"
	EventCallMuted        = "call:muted"
	EventCallUnmuted      = "call:unmuted"
	EventCallDTMFSent     = "call:dtmf_sent"
	EventCallStateChanged = "call:state_changed"

	EventMessageReceived = "message:received"
)

// ConnectionPayload payload событий connection:*.
type ConnectionPayload struct {
	State ConnectionState
	// Cause причина для connection:failed / connection:disconnected.
	Cause string
}

// RegistrationPayload payload событий registration:*.
type RegistrationPayload struct {
	State   RegistrationState
	URI     string
	Expires int
	// ExpiryAt момент истечения регистрации (для registered).
	ExpiryAt time.Time
	// Cause причина для registration:failed.
	Cause string
	// RetryCount количество последовательных неудачных попыток.
	RetryCount int
}

// MessagePayload payload события message:received.
type MessagePayload struct {
	From        string
	ContentType string
	Body        string
}

// CallTiming временные метки вызова.
type CallTiming struct {
	StartTime    time.Time
	AnswerTime   time.Time
	EndTime      time.Time
	Duration     time.Duration
	RingDuration time.Duration
}

// CallSnapshot неизменяемый снимок состояния вызова, переносимый
// событиями call:*. Содержит только plain data.
type CallSnapshot struct {
	ID                string
	Direction         string
	LocalURI          string
	RemoteURI         string
	RemoteDisplayName string
	State             CallState
	PreviousState     CallState
	IsOnHold          bool
	IsMuted           bool
	Timing            CallTiming
	TerminationCause  TerminationCause
	// Tone заполняется только в call:dtmf_sent.
	Tone string
}
