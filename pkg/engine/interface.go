// Package engine определяет границу между ядром управления сессиями и
// внешними движками: сигнальным (SIP поверх WebSocket) и медийным (RTP).
//
// Ядро не разбирает сигнальные сообщения и не занимается медиа-транспортом:
// оно видит движки только через интерфейсы этого пакета. Движок отдает
// «сырые» события (имя + payload), которые декодер (event.go) нормализует
// в типизированные варианты до того, как они попадут в state machine.
package engine

import (
	"context"
	"time"
)

// Direction направление вызова.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// RawEvent сырое событие движка: имя и произвольный payload.
// Единственная точка, где живут строковые имена движка - декодер.
type RawEvent struct {
	Name    string
	Payload interface{}
}

// EventSink получатель сырых событий. Движок вызывает его синхронно
// из своих внутренних горутин; получатель обязан быть потокобезопасным.
type EventSink func(ev RawEvent)

// RegisterOptions параметры регистрации.
type RegisterOptions struct {
	// Expires запрашиваемое время жизни регистрации в секундах.
	// 0 означает значение из конфигурации движка.
	Expires int
}

// CallOptions параметры исходящего вызова.
type CallOptions struct {
	// ExtraHeaders дополнительные заголовки запроса установления вызова.
	ExtraHeaders map[string]string
}

// AnswerOptions параметры ответа на входящий вызов.
type AnswerOptions struct {
	ExtraHeaders map[string]string
}

// SignalingEngine опаковый сигнальный движок.
//
// Жизненный цикл: Start -> (connected) -> Register/Call/SendMessage ->
// Unregister -> Stop. Все события жизненного цикла движок отдает через
// sink, установленный SetEventSink до Start.
type SignalingEngine interface {
	// Start запускает транспорт движка. Успех подключения сообщается
	// асинхронно событием EventConnected, а не возвратом Start.
	Start(ctx context.Context) error

	// Stop останавливает транспорт и освобождает ресурсы движка.
	Stop(ctx context.Context) error

	// Register отправляет запрос регистрации. Результат приходит
	// событием EventRegistered либо EventRegistrationFailed.
	Register(ctx context.Context, opts RegisterOptions) error

	// Unregister снимает регистрацию (Expires: 0).
	Unregister(ctx context.Context) error

	// Call инициирует исходящий вызов и возвращает его handle.
	Call(ctx context.Context, target string, opts CallOptions) (CallHandle, error)

	// SendMessage отправляет внедиалоговое сообщение (SIP MESSAGE).
	SendMessage(ctx context.Context, target, body string) error

	// IsConnected сообщает, активен ли транспорт.
	IsConnected() bool

	// IsRegistered сообщает, действует ли регистрация.
	IsRegistered() bool

	// SetEventSink устанавливает получателя событий жизненного цикла.
	// Должен быть вызван до Start.
	SetEventSink(sink EventSink)
}

// CallHandle opaque-представление одного вызова внутри движка.
// Оборачивается ровно одной CallSession; никакие два компонента не
// мутируют один handle.
type CallHandle interface {
	// ID уникальный идентификатор вызова (Call-ID).
	ID() string

	// Direction направление вызова.
	Direction() Direction

	// LocalURI локальный адрес стороны вызова.
	LocalURI() string

	// RemoteURI адрес удаленной стороны.
	RemoteURI() string

	// RemoteDisplayName отображаемое имя удаленной стороны, может быть пустым.
	RemoteDisplayName() string

	// SetEventSink устанавливает получателя событий вызова.
	SetEventSink(sink EventSink)

	// Answer принимает входящий вызов.
	Answer(ctx context.Context, opts AnswerOptions) error

	// Reject отклоняет входящий вызов с указанным статусом.
	Reject(ctx context.Context, statusCode int, reason string) error

	// Terminate завершает вызов (CANCEL/BYE в зависимости от фазы).
	Terminate(ctx context.Context) error

	// Hold ставит вызов на удержание (re-INVITE sendonly).
	Hold(ctx context.Context) error

	// Unhold снимает вызов с удержания.
	Unhold(ctx context.Context) error

	// SendDTMF отправляет DTMF тон указанной длительности.
	SendDTMF(ctx context.Context, tone rune, duration time.Duration) error

	// Media возвращает медиа-транспорт вызова или nil, если медиа
	// еще не установлено.
	Media() MediaTransport

	// Close отсоединяет всех слушателей от handle. После Close движок
	// не доставляет события этого вызова.
	Close()
}

// Statistics снимок транспортных счетчиков медиа-сессии.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint64
	Jitter          time.Duration
	RoundTripTime   time.Duration
}

// MediaTransport медиа-транспорт одного вызова.
type MediaTransport interface {
	// Statistics возвращает текущий снимок счетчиков.
	Statistics() (Statistics, error)

	// SetMuted включает или выключает отправку локального аудио.
	SetMuted(muted bool) error

	// StopTracks останавливает все локальные и удаленные потоки.
	StopTracks()
}
