package engine

import (
	"fmt"
	"time"
)

// Имена сырых событий сигнального движка. Используются только движками
// и декодером: логика state machine переключается по EventKind, никогда
// по строкам.
const (
	RawConnected          = "connected"
	RawDisconnected       = "disconnected"
	RawRegistered         = "registered"
	RawUnregistered       = "unregistered"
	RawRegistrationFailed = "registrationFailed"
	RawNewCall            = "newCall"
	RawNewMessage         = "newMessage"
)

// Имена сырых событий одного вызова.
const (
	RawCallProgress  = "progress"
	RawCallAccepted  = "accepted"
	RawCallConfirmed = "confirmed"
	RawCallHold      = "hold"
	RawCallUnhold    = "unhold"
	RawCallTrack     = "track"
	RawCallEnded     = "ended"
	RawCallFailed    = "failed"
)

// EventKind тег нормализованного события.
type EventKind int

const (
	KindUnknown EventKind = iota

	// События жизненного цикла движка
	KindConnected
	KindDisconnected
	KindRegistered
	KindUnregistered
	KindRegistrationFailed
	KindNewCall
	KindNewMessage

	// События вызова
	KindCallProgress
	KindCallAccepted
	KindCallConfirmed
	KindCallHold
	KindCallUnhold
	KindCallTrack
	KindCallEnded
	KindCallFailed
)

// String возвращает строковое представление тега.
func (k EventKind) String() string {
	switch k {
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindRegistered:
		return "Registered"
	case KindUnregistered:
		return "Unregistered"
	case KindRegistrationFailed:
		return "RegistrationFailed"
	case KindNewCall:
		return "NewCall"
	case KindNewMessage:
		return "NewMessage"
	case KindCallProgress:
		return "CallProgress"
	case KindCallAccepted:
		return "CallAccepted"
	case KindCallConfirmed:
		return "CallConfirmed"
	case KindCallHold:
		return "CallHold"
	case KindCallUnhold:
		return "CallUnhold"
	case KindCallTrack:
		return "CallTrack"
	case KindCallEnded:
		return "CallEnded"
	case KindCallFailed:
		return "CallFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Payload-структуры сырых событий. Движки заполняют их при эмиссии.

// DisconnectedPayload причина потери соединения.
type DisconnectedPayload struct {
	Cause string
}

// RegisteredPayload подтвержденное движком время жизни регистрации.
type RegisteredPayload struct {
	Expires int
}

// RegistrationFailedPayload причина отказа в регистрации.
type RegistrationFailedPayload struct {
	Cause      string
	StatusCode int
}

// NewCallPayload handle нового входящего или исходящего вызова.
type NewCallPayload struct {
	Handle CallHandle
}

// NewMessagePayload внедиалоговое сообщение.
type NewMessagePayload struct {
	From        string
	ContentType string
	Body        string
}

// ProgressPayload индикация прогресса вызова (1xx).
type ProgressPayload struct {
	// EarlyMedia true, если ответ содержит SDP (ранее медиа).
	EarlyMedia bool
	StatusCode int
}

// HoldPayload смена состояния удержания.
type HoldPayload struct {
	// Remote true, если удержание инициировано удаленной стороной.
	Remote bool
}

// TrackPayload появление или исчезновение медиа-потока.
type TrackPayload struct {
	Added bool
	Kind  string // "audio" | "video"
}

// TerminatedPayload завершение вызова (штатное или аварийное).
type TerminatedPayload struct {
	Cause      string
	StatusCode int
}

// DTMFPayloadInfo параметры отправленного DTMF тона.
type DTMFPayloadInfo struct {
	Tone     rune
	Duration time.Duration
}

// Event нормализованное событие движка. Ровно одно из полей payload
// заполнено в соответствии с Kind.
type Event struct {
	Kind EventKind

	Disconnected       *DisconnectedPayload
	Registered         *RegisteredPayload
	RegistrationFailed *RegistrationFailedPayload
	NewCall            *NewCallPayload
	NewMessage         *NewMessagePayload
	Progress           *ProgressPayload
	Hold               *HoldPayload
	Track              *TrackPayload
	Terminated         *TerminatedPayload
}

// DecodeError ошибка декодирования сырого события.
type DecodeError struct {
	Name   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("engine: не удалось декодировать событие %q: %s", e.Name, e.Reason)
}

// Decode нормализует сырое событие движка в типизированный вариант.
//
// Это единственная точка трансляции имен движка во внутренние теги:
// любые странности именования конкретного движка локализованы здесь.
// Неизвестное имя возвращает ошибку - вызывающий логирует и игнорирует.
func Decode(raw RawEvent) (Event, error) {
	switch raw.Name {
	case RawConnected:
		return Event{Kind: KindConnected}, nil

	case RawDisconnected:
		p, _ := raw.Payload.(DisconnectedPayload)
		return Event{Kind: KindDisconnected, Disconnected: &p}, nil

	case RawRegistered:
		p, ok := raw.Payload.(RegisteredPayload)
		if !ok {
			return Event{}, &DecodeError{Name: raw.Name, Reason: "ожидался RegisteredPayload"}
		}
		return Event{Kind: KindRegistered, Registered: &p}, nil

	case RawUnregistered:
		return Event{Kind: KindUnregistered}, nil

	case RawRegistrationFailed:
		p, _ := raw.Payload.(RegistrationFailedPayload)
		return Event{Kind: KindRegistrationFailed, RegistrationFailed: &p}, nil

	case RawNewCall:
		p, ok := raw.Payload.(NewCallPayload)
		if !ok || p.Handle == nil {
			return Event{}, &DecodeError{Name: raw.Name, Reason: "отсутствует handle вызова"}
		}
		return Event{Kind: KindNewCall, NewCall: &p}, nil

	case RawNewMessage:
		p, _ := raw.Payload.(NewMessagePayload)
		return Event{Kind: KindNewMessage, NewMessage: &p}, nil

	case RawCallProgress:
		p, _ := raw.Payload.(ProgressPayload)
		return Event{Kind: KindCallProgress, Progress: &p}, nil

	case RawCallAccepted:
		return Event{Kind: KindCallAccepted}, nil

	case RawCallConfirmed:
		return Event{Kind: KindCallConfirmed}, nil

	case RawCallHold:
		p, _ := raw.Payload.(HoldPayload)
		return Event{Kind: KindCallHold, Hold: &p}, nil

	case RawCallUnhold:
		p, _ := raw.Payload.(HoldPayload)
		return Event{Kind: KindCallUnhold, Hold: &p}, nil

	case RawCallTrack:
		p, _ := raw.Payload.(TrackPayload)
		return Event{Kind: KindCallTrack, Track: &p}, nil

	case RawCallEnded:
		p, _ := raw.Payload.(TerminatedPayload)
		return Event{Kind: KindCallEnded, Terminated: &p}, nil

	case RawCallFailed:
		p, _ := raw.Payload.(TerminatedPayload)
		return Event{Kind: KindCallFailed, Terminated: &p}, nil

	default:
		return Event{}, &DecodeError{Name: raw.Name, Reason: "неизвестное имя события"}
	}
}
