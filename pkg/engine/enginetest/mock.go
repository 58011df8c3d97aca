// Package enginetest предоставляет управляемые из тестов реализации
// интерфейсов pkg/engine.
//
// Мок не имитирует протокол: тест сам впрыскивает сырые события через
// Fire и проверяет количество обращений к императивным операциям через
// атомарные счетчики (например, для проверки single-flight дисциплины).
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/webphone/pkg/engine"
)

// MockEngine скриптуемый сигнальный движок для тестов.
type MockEngine struct {
	mu   sync.Mutex
	sink engine.EventSink

	// Счетчики вызовов операций.
	StartCalls      atomic.Int32
	StopCalls       atomic.Int32
	RegisterCalls   atomic.Int32
	UnregisterCalls atomic.Int32
	CallCalls       atomic.Int32
	MessageCalls    atomic.Int32

	// Ошибки, возвращаемые операциями (nil - успех).
	StartErr      error
	StopErr       error
	RegisterErr   error
	UnregisterErr error
	CallErr       error
	MessageErr    error

	// NextCall handle, возвращаемый операцией Call.
	NextCall *MockCallHandle

	connected  atomic.Bool
	registered atomic.Bool
}

// NewMockEngine создает мок движка.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) SetEventSink(sink engine.EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Fire впрыскивает сырое событие движка, как если бы его доставил
// реальный транспорт. Обновляет внутренние флаги соединения.
func (m *MockEngine) Fire(name string, payload interface{}) {
	switch name {
	case engine.RawConnected:
		m.connected.Store(true)
	case engine.RawDisconnected:
		m.connected.Store(false)
		m.registered.Store(false)
	case engine.RawRegistered:
		m.registered.Store(true)
	case engine.RawUnregistered, engine.RawRegistrationFailed:
		m.registered.Store(false)
	}

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(engine.RawEvent{Name: name, Payload: payload})
	}
}

func (m *MockEngine) Start(ctx context.Context) error {
	m.StartCalls.Add(1)
	return m.StartErr
}

func (m *MockEngine) Stop(ctx context.Context) error {
	m.StopCalls.Add(1)
	m.connected.Store(false)
	m.registered.Store(false)
	return m.StopErr
}

func (m *MockEngine) Register(ctx context.Context, opts engine.RegisterOptions) error {
	m.RegisterCalls.Add(1)
	return m.RegisterErr
}

func (m *MockEngine) Unregister(ctx context.Context) error {
	m.UnregisterCalls.Add(1)
	m.registered.Store(false)
	return m.UnregisterErr
}

func (m *MockEngine) Call(ctx context.Context, target string, opts engine.CallOptions) (engine.CallHandle, error) {
	m.CallCalls.Add(1)
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	handle := m.NextCall
	if handle == nil {
		handle = NewMockCallHandle("mock-call", engine.DirectionOutgoing, "sip:local@test", target)
	}
	return handle, nil
}

func (m *MockEngine) SendMessage(ctx context.Context, target, body string) error {
	m.MessageCalls.Add(1)
	return m.MessageErr
}

func (m *MockEngine) IsConnected() bool  { return m.connected.Load() }
func (m *MockEngine) IsRegistered() bool { return m.registered.Load() }

// MockCallHandle управляемый из теста handle вызова.
type MockCallHandle struct {
	mu   sync.Mutex
	sink engine.EventSink

	CallID      string
	Dir         engine.Direction
	Local       string
	Remote      string
	DisplayName string

	AnswerCalls    atomic.Int32
	RejectCalls    atomic.Int32
	TerminateCalls atomic.Int32
	HoldCalls      atomic.Int32
	UnholdCalls    atomic.Int32
	DTMFCalls      atomic.Int32
	CloseCalls     atomic.Int32

	AnswerErr    error
	RejectErr    error
	TerminateErr error
	HoldErr      error
	UnholdErr    error
	DTMFErr      error

	// MediaTransport медиа-транспорт, возвращаемый Media (nil, пока
	// тест не установил его).
	MediaTransport engine.MediaTransport

	// AutoHold при true операции Hold/Unhold сами впрыскивают
	// соответствующее событие, имитируя подтверждение движка.
	AutoHold bool

	closed atomic.Bool
}

// NewMockCallHandle создает мок handle вызова.
func NewMockCallHandle(id string, dir engine.Direction, local, remote string) *MockCallHandle {
	return &MockCallHandle{CallID: id, Dir: dir, Local: local, Remote: remote}
}

func (h *MockCallHandle) ID() string                  { return h.CallID }
func (h *MockCallHandle) Direction() engine.Direction { return h.Dir }
func (h *MockCallHandle) LocalURI() string            { return h.Local }
func (h *MockCallHandle) RemoteURI() string           { return h.Remote }
func (h *MockCallHandle) RemoteDisplayName() string   { return h.DisplayName }

func (h *MockCallHandle) SetEventSink(sink engine.EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// Fire впрыскивает сырое событие вызова. После Close события не
// доставляются (проверка отсоединения слушателей).
func (h *MockCallHandle) Fire(name string, payload interface{}) {
	if h.closed.Load() {
		return
	}
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink(engine.RawEvent{Name: name, Payload: payload})
	}
}

func (h *MockCallHandle) Answer(ctx context.Context, opts engine.AnswerOptions) error {
	h.AnswerCalls.Add(1)
	return h.AnswerErr
}

func (h *MockCallHandle) Reject(ctx context.Context, statusCode int, reason string) error {
	h.RejectCalls.Add(1)
	return h.RejectErr
}

func (h *MockCallHandle) Terminate(ctx context.Context) error {
	h.TerminateCalls.Add(1)
	return h.TerminateErr
}

func (h *MockCallHandle) Hold(ctx context.Context) error {
	h.HoldCalls.Add(1)
	if h.HoldErr != nil {
		return h.HoldErr
	}
	if h.AutoHold {
		h.Fire(engine.RawCallHold, engine.HoldPayload{Remote: false})
	}
	return nil
}

func (h *MockCallHandle) Unhold(ctx context.Context) error {
	h.UnholdCalls.Add(1)
	if h.UnholdErr != nil {
		return h.UnholdErr
	}
	if h.AutoHold {
		h.Fire(engine.RawCallUnhold, engine.HoldPayload{Remote: false})
	}
	return nil
}

func (h *MockCallHandle) SendDTMF(ctx context.Context, tone rune, duration time.Duration) error {
	h.DTMFCalls.Add(1)
	return h.DTMFErr
}

func (h *MockCallHandle) Media() engine.MediaTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MediaTransport
}

func (h *MockCallHandle) Close() {
	h.CloseCalls.Add(1)
	h.closed.Store(true)
}

// MockMedia управляемый медиа-транспорт.
type MockMedia struct {
	mu      sync.Mutex
	stats   engine.Statistics
	muted   bool
	stopped bool
}

// NewMockMedia создает мок медиа-транспорта с заданной статистикой.
func NewMockMedia(stats engine.Statistics) *MockMedia {
	return &MockMedia{stats: stats}
}

func (m *MockMedia) Statistics() (engine.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *MockMedia) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	return nil
}

func (m *MockMedia) StopTracks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Muted сообщает, заглушен ли транспорт.
func (m *MockMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Stopped сообщает, были ли остановлены потоки.
func (m *MockMedia) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
