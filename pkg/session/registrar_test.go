package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/engine/enginetest"
	"github.com/arzzra/webphone/pkg/eventbus"
)

// busRecorder накапливает события шины для проверок.
type busRecorder struct {
	mu       sync.Mutex
	events   []string
	payloads map[string][]interface{}
}

func recordBus(bus *eventbus.Bus) *busRecorder {
	rec := &busRecorder{payloads: make(map[string][]interface{})}
	bus.On("*", func(event string, payload interface{}) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, event)
		rec.payloads[event] = append(rec.payloads[event], payload)
	})
	return rec
}

func (r *busRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads[event])
}

func (r *busRecorder) last(event string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.payloads[event]
	if len(ps) == 0 {
		return nil, false
	}
	return ps[len(ps)-1], true
}

func (r *busRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WSEndpoint = "wss://gw.example.com:7443"
	cfg.URI = "sip:alice@example.com"
	cfg.Password = "secret"
	return cfg
}

func newTestRegistrar(t *testing.T, cfg Config) (*ConnectionRegistrar, *enginetest.MockEngine, *busRecorder) {
	t.Helper()
	eng := enginetest.NewMockEngine()
	bus := eventbus.New()
	rec := recordBus(bus)
	r := NewConnectionRegistrar(cfg, eng, bus)
	return r, eng, rec
}

// connect доводит registrar до connected, имитируя подтверждение движка.
func connect(t *testing.T, r *ConnectionRegistrar, eng *enginetest.MockEngine) {
	t.Helper()
	go func() {
		time.Sleep(10 * time.Millisecond)
		eng.Fire(engine.RawConnected, nil)
	}()
	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, ConnectionConnected, r.ConnectionState())
}

// register доводит registrar до registered с указанным expires.
func register(t *testing.T, r *ConnectionRegistrar, eng *enginetest.MockEngine, expires int) {
	t.Helper()
	go func() {
		time.Sleep(10 * time.Millisecond)
		eng.Fire(engine.RawRegistered, engine.RegisteredPayload{Expires: expires})
	}()
	require.NoError(t, r.Register(context.Background(), nil))
	require.Equal(t, RegistrationRegistered, r.RegistrationState())
}

// TestConnectSuccess успешное подключение эмитит connection:connected
func TestConnectSuccess(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())

	connect(t, r, eng)

	assert.Equal(t, int32(1), eng.StartCalls.Load())
	assert.Equal(t, 1, rec.count(EventConnectionConnected))
}

// TestConnectIdempotent повторный Connect при активном соединении no-op
func TestConnectIdempotent(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	require.NoError(t, r.Connect(context.Background()))

	assert.Equal(t, int32(1), eng.StartCalls.Load())
	// Событие не дублируется: состояние не менялось
	assert.Equal(t, 1, rec.count(EventConnectionConnected))
}

// TestConnectSingleFlight конкурентные Connect разделяют одну попытку
func TestConnectSingleFlight(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Connect(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	eng.Fire(engine.RawConnected, nil)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), eng.StartCalls.Load(), "движок должен стартовать один раз")
}

// TestConnectTimeout движок не подтвердил соединение в срок
func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 40 * time.Millisecond
	r, eng, rec := newTestRegistrar(t, cfg)

	err := r.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeConnectionTimeout))
	assert.Equal(t, ConnectionFailed, r.ConnectionState())
	assert.Equal(t, 1, rec.count(EventConnectionFailed))

	// Движок останавливается, чтобы запоздавшее connected не ожило
	require.Eventually(t, func() bool {
		return eng.StopCalls.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// Запоздавшее подтверждение игнорируется
	eng.Fire(engine.RawConnected, nil)
	assert.Equal(t, ConnectionFailed, r.ConnectionState())
}

// TestConnectValidatesConfig невалидная конфигурация не доходит до движка
func TestConnectValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Password = ""
	r, eng, _ := newTestRegistrar(t, cfg)

	err := r.Connect(context.Background())

	assert.True(t, IsCode(err, ErrorCodeConfiguration))
	assert.Equal(t, int32(0), eng.StartCalls.Load())
	assert.Equal(t, ConnectionDisconnected, r.ConnectionState())
}

// TestConnectRetryAfterFailure после неудачи возможна новая попытка
func TestConnectRetryAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 40 * time.Millisecond
	r, eng, _ := newTestRegistrar(t, cfg)

	require.Error(t, r.Connect(context.Background()))
	require.Equal(t, ConnectionFailed, r.ConnectionState())

	connect(t, r, eng)
	assert.Equal(t, int32(2), eng.StartCalls.Load())
}

// TestRegisterRequiresConnection регистрация без соединения отклоняется
func TestRegisterRequiresConnection(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())

	err := r.Register(context.Background(), nil)

	assert.True(t, IsCode(err, ErrorCodeNotConnected))
	assert.Equal(t, int32(0), eng.RegisterCalls.Load())
}

// TestRegisterSuccess успешная регистрация создает запись с инвариантом
// ExpiryAt = LastRegisteredAt + Expires
func TestRegisterSuccess(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	register(t, r, eng, 120)

	record := r.Registration()
	require.NotNil(t, record)
	assert.Equal(t, "sip:alice@example.com", record.URI)
	assert.Equal(t, 120, record.ExpiresSeconds)
	assert.Equal(t, 0, record.RetryCount)
	assert.Equal(t,
		time.Duration(record.ExpiresSeconds)*time.Second,
		record.ExpiryAt.Sub(record.LastRegisteredAt))

	payload, ok := rec.last(EventRegistrationRegistered)
	require.True(t, ok)
	rp, ok := payload.(RegistrationPayload)
	require.True(t, ok)
	assert.Equal(t, 120, rp.Expires)
	assert.Equal(t, record.ExpiryAt, rp.ExpiryAt)
}

// TestRegisterSingleFlight конкурентные регистрации разделяют один запрос
func TestRegisterSingleFlight(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Register(context.Background(), nil))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	eng.Fire(engine.RawRegistered, engine.RegisteredPayload{Expires: 600})
	wg.Wait()

	assert.Equal(t, int32(1), eng.RegisterCalls.Load(), "ровно один запрос к движку")
}

// TestRegisterRefresh продление проходит registered -> registering ->
// registered и повторно эмитит registration:registered
func TestRegisterRefresh(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)
	register(t, r, eng, 600)

	register(t, r, eng, 600)

	assert.Equal(t, int32(2), eng.RegisterCalls.Load())
	assert.Equal(t, 2, rec.count(EventRegistrationRegistered))
}

// TestRegisterEngineFailure отказ шлюза увеличивает счетчик повторов
func TestRegisterEngineFailure(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	go func() {
		time.Sleep(10 * time.Millisecond)
		eng.Fire(engine.RawRegistrationFailed, engine.RegistrationFailedPayload{Cause: "Forbidden", StatusCode: 403})
	}()
	err := r.Register(context.Background(), nil)

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeEngineRejection))
	assert.Equal(t, RegistrationFailed, r.RegistrationState())
	assert.Equal(t, 1, r.RetryCount())

	payload, ok := rec.last(EventRegistrationFailed)
	require.True(t, ok)
	rp := payload.(RegistrationPayload)
	assert.Equal(t, 1, rp.RetryCount)
	assert.Equal(t, "Forbidden", rp.Cause)
}

// TestRegisterRetryCountResetsOnSuccess успех обнуляет счетчик повторов
func TestRegisterRetryCountResetsOnSuccess(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	eng.RegisterErr = errors.New("gateway unreachable")
	require.Error(t, r.Register(context.Background(), nil))
	require.Equal(t, 1, r.RetryCount())

	eng.RegisterErr = nil
	register(t, r, eng, 600)

	assert.Equal(t, 0, r.RetryCount())
	assert.Equal(t, 0, r.Registration().RetryCount)
}

// TestRegisterTimeout движок не подтвердил регистрацию в срок
func TestRegisterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RegisterTimeout = 40 * time.Millisecond
	r, eng, _ := newTestRegistrar(t, cfg)
	connect(t, r, eng)

	err := r.Register(context.Background(), nil)

	assert.True(t, IsCode(err, ErrorCodeRegistrationTimeout))
	assert.Equal(t, RegistrationFailed, r.RegistrationState())
	assert.Equal(t, 1, r.RetryCount())
}

// TestResetRetries явный сброс счетчика после исчерпания повторов
func TestResetRetries(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	eng.RegisterErr = errors.New("boom")
	for i := 0; i < 3; i++ {
		require.Error(t, r.Register(context.Background(), nil))
	}
	require.Equal(t, 3, r.RetryCount())

	r.ResetRetries()
	assert.Equal(t, 0, r.RetryCount())
}

// TestUnregister снятие регистрации уничтожает запись
func TestUnregister(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)
	register(t, r, eng, 600)

	require.NoError(t, r.Unregister(context.Background()))

	assert.Equal(t, int32(1), eng.UnregisterCalls.Load())
	assert.Equal(t, RegistrationUnregistered, r.RegistrationState())
	assert.Nil(t, r.Registration())
	assert.Equal(t, 1, rec.count(EventRegistrationUnregistered))

	// Повторное снятие - no-op
	require.NoError(t, r.Unregister(context.Background()))
	assert.Equal(t, int32(1), eng.UnregisterCalls.Load())
}

// TestEngineDisconnect потеря транспорта принудительно снимает
// регистрацию без обращения к движку
func TestEngineDisconnect(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)
	register(t, r, eng, 600)

	eng.Fire(engine.RawDisconnected, engine.DisconnectedPayload{Cause: "transport error"})

	assert.Equal(t, ConnectionDisconnected, r.ConnectionState())
	assert.Equal(t, RegistrationUnregistered, r.RegistrationState())
	assert.Nil(t, r.Registration())
	// Принудительное снятие: REGISTER с Expires 0 не отправлялся
	assert.Equal(t, int32(0), eng.UnregisterCalls.Load())

	// Порядок: сначала registration:unregistered, затем connection:disconnected
	events := rec.all()
	regIdx, connIdx := -1, -1
	for i, ev := range events {
		if ev == EventRegistrationUnregistered {
			regIdx = i
		}
		if ev == EventConnectionDisconnected {
			connIdx = i
		}
	}
	require.NotEqual(t, -1, regIdx)
	require.NotEqual(t, -1, connIdx)
	assert.Less(t, regIdx, connIdx)
}

// TestDisconnect штатный разрыв выполняет best-effort unregister
func TestDisconnect(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)
	register(t, r, eng, 600)

	require.NoError(t, r.Disconnect(context.Background()))

	assert.Equal(t, int32(1), eng.UnregisterCalls.Load())
	assert.Equal(t, int32(1), eng.StopCalls.Load())
	assert.Equal(t, ConnectionDisconnected, r.ConnectionState())
	assert.Equal(t, 1, rec.count(EventConnectionDisconnected))

	// Повторный разрыв - no-op
	require.NoError(t, r.Disconnect(context.Background()))
	assert.Equal(t, int32(1), eng.StopCalls.Load())
}

// TestSendMessage сообщение требует активного соединения
func TestSendMessage(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())

	err := r.SendMessage(context.Background(), "sip:bob@example.com", "hello")
	assert.True(t, IsCode(err, ErrorCodeNotConnected))

	connect(t, r, eng)
	require.NoError(t, r.SendMessage(context.Background(), "sip:bob@example.com", "hello"))
	assert.Equal(t, int32(1), eng.MessageCalls.Load())
}

// TestIncomingMessage входящее сообщение транслируется на шину
func TestIncomingMessage(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	eng.Fire(engine.RawNewMessage, engine.NewMessagePayload{
		From: "sip:bob@example.com", ContentType: "text/plain", Body: "hi",
	})

	payload, ok := rec.last(EventMessageReceived)
	require.True(t, ok)
	mp := payload.(MessagePayload)
	assert.Equal(t, "sip:bob@example.com", mp.From)
	assert.Equal(t, "hi", mp.Body)
}

// TestIncomingCallAdopted входящий вызов попадает в таблицу сессий
func TestIncomingCallAdopted(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	handle := enginetest.NewMockCallHandle("call-1", engine.DirectionIncoming, "sip:alice@example.com", "sip:bob@example.com")
	eng.Fire(engine.RawNewCall, engine.NewCallPayload{Handle: handle})

	cs, ok := r.CallByID("call-1")
	require.True(t, ok)
	assert.Equal(t, CallRinging, cs.State())
	assert.Len(t, r.Calls(), 1)
	assert.Equal(t, 1, rec.count(EventCallStateChanged))
}

// TestOutgoingCall исходящий вызов создается через движок
func TestOutgoingCall(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())

	_, err := r.Call(context.Background(), "sip:bob@example.com", engine.CallOptions{})
	assert.True(t, IsCode(err, ErrorCodeNotConnected))

	connect(t, r, eng)
	eng.NextCall = enginetest.NewMockCallHandle("out-1", engine.DirectionOutgoing, "sip:alice@example.com", "sip:bob@example.com")

	cs, err := r.Call(context.Background(), "sip:bob@example.com", engine.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, CallCalling, cs.State())
	assert.Equal(t, engine.DirectionOutgoing, cs.Direction())
}

// TestDisconnectFailsActiveCalls разрыв соединения завершает вызовы
func TestDisconnectFailsActiveCalls(t *testing.T) {
	r, eng, rec := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	handle := enginetest.NewMockCallHandle("call-1", engine.DirectionIncoming, "sip:alice@example.com", "sip:bob@example.com")
	eng.Fire(engine.RawNewCall, engine.NewCallPayload{Handle: handle})
	require.Len(t, r.Calls(), 1)

	eng.Fire(engine.RawDisconnected, engine.DisconnectedPayload{Cause: "transport error"})

	assert.Empty(t, r.Calls())
	assert.Equal(t, 1, rec.count(EventCallFailed))
	assert.Equal(t, int32(1), handle.CloseCalls.Load())
}

// TestDestroy уничтоженный registrar отклоняет операции
func TestDestroy(t *testing.T) {
	r, eng, _ := newTestRegistrar(t, testConfig())
	connect(t, r, eng)

	require.NoError(t, r.Destroy(context.Background()))

	assert.True(t, IsCode(r.Connect(context.Background()), ErrorCodeDestroyed))
	assert.True(t, IsCode(r.Register(context.Background(), nil), ErrorCodeDestroyed))
}
