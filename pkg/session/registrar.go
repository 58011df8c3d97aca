package session

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/eventbus"
)

// RegistrationRecord запись об активной регистрации.
// Создается при успешной регистрации, уничтожается при unregister или
// потере соединения. Инвариант: ExpiryAt = LastRegisteredAt + Expires.
type RegistrationRecord struct {
	URI              string
	ExpiresSeconds   int
	LastRegisteredAt time.Time
	ExpiryAt         time.Time
	RetryCount       int
}

// flight одна in-flight операция, разделяемая конкурентными вызовами
// (single-flight). Закрытие done публикует исход всем ожидающим.
type flight struct {
	done chan struct{}
	err  error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// resolve публикует исход. Должен вызываться ровно один раз.
func (f *flight) resolve(err error) {
	f.err = err
	close(f.done)
}

// wait блокируется до исхода операции или отмены контекста.
func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionRegistrar владеет сигнальным движком и реализует state machine
// соединения и регистрации.
//
// Единственный писатель полей connState/regState/regRecord. Сессии вызовов
// создаются registrar-ом при появлении call handle и отчитываются через
// общую шину событий. Один registrar на процесс - осознанный выбор
// приложения, внедряется зависимостью, а не синглтоном.
type ConnectionRegistrar struct {
	mu      sync.Mutex
	cfg     Config
	engine  engine.SignalingEngine
	bus     *eventbus.Bus
	log     StructuredLogger
	metrics *Metrics

	connState ConnectionState
	regState  RegistrationState
	regRecord *RegistrationRecord

	// retryCount последовательные неудачные регистрации; зеркалируется
	// в RegistrationRecord и сбрасывается при любом успехе.
	retryCount int

	connectFlight  *flight
	registerFlight *flight

	connTimer *time.Timer
	regTimer  *time.Timer

	calls     map[string]*CallSession
	destroyed bool
}

// NewConnectionRegistrar создает registrar поверх переданного движка и шины.
// Движок с этого момента принадлежит registrar-у эксклюзивно.
func NewConnectionRegistrar(cfg Config, eng engine.SignalingEngine, bus *eventbus.Bus) *ConnectionRegistrar {
	cfg.applyDefaults()

	r := &ConnectionRegistrar{
		cfg:       cfg,
		engine:    eng,
		bus:       bus,
		log:       cfg.Logger.WithComponent("registrar"),
		connState: ConnectionDisconnected,
		regState:  RegistrationUnregistered,
		calls:     make(map[string]*CallSession),
	}
	if cfg.MetricsRegisterer != nil {
		r.metrics = NewMetrics(cfg.MetricsRegisterer)
	}
	eng.SetEventSink(r.handleEngineEvent)
	return r
}

// Bus возвращает шину событий registrar-а.
func (r *ConnectionRegistrar) Bus() *eventbus.Bus {
	return r.bus
}

// ConnectionState возвращает текущее состояние соединения.
func (r *ConnectionRegistrar) ConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connState
}

// RegistrationState возвращает текущее состояние регистрации.
func (r *ConnectionRegistrar) RegistrationState() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regState
}

// Registration возвращает копию записи о регистрации или nil.
func (r *ConnectionRegistrar) Registration() *RegistrationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regRecord == nil {
		return nil
	}
	rec := *r.regRecord
	return &rec
}

// RetryCount возвращает количество последовательных неудачных регистраций.
func (r *ConnectionRegistrar) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// ResetRetries сбрасывает счетчик повторов. Требуется после исчерпания
// MaxRetries, прежде чем политика автопродления возобновит попытки.
func (r *ConnectionRegistrar) ResetRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	if r.regRecord != nil {
		r.regRecord.RetryCount = 0
	}
}

// Config возвращает копию конфигурации registrar-а.
func (r *ConnectionRegistrar) Config() Config {
	return r.cfg
}

// Connect устанавливает соединение с сигнальным движком.
//
// Идемпотентна и single-flight: вызов при активном или устанавливаемом
// соединении не запускает движок повторно, а присоединяется к исходу
// текущей попытки. Конфигурация валидируется до обращения к движку.
// Если движок не подтверждает соединение за ConnectTimeout, попытка
// завершается ошибкой ErrorCodeConnectionTimeout.
func (r *ConnectionRegistrar) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return NewDestroyedError("registrar")
	}
	switch r.connState {
	case ConnectionConnected:
		r.mu.Unlock()
		return nil
	case ConnectionConnecting:
		f := r.connectFlight
		r.mu.Unlock()
		return f.wait(ctx)
	}

	if err := r.cfg.Validate(); err != nil {
		r.mu.Unlock()
		r.metrics.ErrorOccurred(ErrorCodeConfiguration)
		return err
	}

	f := newFlight()
	r.connectFlight = f
	r.transitionConnectionLocked(ConnectionConnecting)
	r.connTimer = time.AfterFunc(r.cfg.ConnectTimeout, r.onConnectTimeout)
	r.mu.Unlock()

	r.log.Info("устанавливаем соединение", String("endpoint", r.cfg.WSEndpoint))

	go func() {
		if err := r.engine.Start(context.Background()); err != nil {
			r.failConnect("engine start: "+err.Error(),
				NewEngineRejectionError("connect", err.Error(), 0))
		}
	}()

	return f.wait(ctx)
}

// onConnectTimeout срабатывает, если движок не подтвердил соединение в срок.
func (r *ConnectionRegistrar) onConnectTimeout() {
	r.failConnect("timeout", NewConnectionTimeoutError(r.cfg.ConnectTimeout))
}

// failConnect завершает in-flight попытку соединения неуспехом.
func (r *ConnectionRegistrar) failConnect(cause string, err *Error) {
	r.mu.Lock()
	if r.connState != ConnectionConnecting {
		r.mu.Unlock()
		return
	}
	r.clearConnTimerLocked()
	f := r.connectFlight
	r.connectFlight = nil
	r.transitionConnectionLocked(ConnectionFailed)
	r.mu.Unlock()

	r.log.Error("соединение не установлено", String("cause", cause))
	r.metrics.ErrorOccurred(err.Code)
	r.bus.Emit(EventConnectionFailed, ConnectionPayload{State: ConnectionFailed, Cause: cause})
	if f != nil {
		f.resolve(err)
	}

	// Движок мог продолжать попытку; останавливаем его, чтобы позднее
	// событие connected не пришло в уже отказавшее состояние.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.UnregisterGrace)
		defer cancel()
		_ = r.engine.Stop(ctx)
	}()
}

// Disconnect разрывает соединение.
//
// Если есть активная регистрация, сначала выполняется best-effort
// unregister в пределах UnregisterGrace; его неуспех не блокирует
// остановку движка. Безопасен при уже разорванном соединении.
func (r *ConnectionRegistrar) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return NewDestroyedError("registrar")
	}
	if r.connState == ConnectionDisconnected {
		r.mu.Unlock()
		return nil
	}

	// Отменяем in-flight попытку соединения.
	if r.connState == ConnectionConnecting {
		r.clearConnTimerLocked()
		if f := r.connectFlight; f != nil {
			r.connectFlight = nil
			f.resolve(NewInvalidStateError("соединение прервано вызовом disconnect", string(ConnectionConnecting)))
		}
	}
	wasRegistered := r.regState == RegistrationRegistered
	r.mu.Unlock()

	if wasRegistered {
		gctx, cancel := context.WithTimeout(ctx, r.cfg.UnregisterGrace)
		if err := r.Unregister(gctx); err != nil {
			r.log.Warn("unregister при disconnect не удался", Err(err))
		}
		cancel()
	}

	if err := r.engine.Stop(ctx); err != nil {
		r.log.Warn("остановка движка завершилась ошибкой", Err(err))
	}

	r.teardownCalls("connection closed")

	r.mu.Lock()
	r.clearRegistrationLocked()
	regChanged := r.transitionRegistrationLocked(RegistrationUnregistered)
	connChanged := r.transitionConnectionLocked(ConnectionDisconnected)
	r.mu.Unlock()

	if regChanged {
		r.bus.Emit(EventRegistrationUnregistered, RegistrationPayload{State: RegistrationUnregistered, URI: r.cfg.URI})
	}
	if connChanged {
		r.log.Info("соединение разорвано")
		r.bus.Emit(EventConnectionDisconnected, ConnectionPayload{State: ConnectionDisconnected})
	}
	return nil
}

// Register отправляет запрос регистрации.
//
// Требует активного соединения. Single-flight: конкурентные вызовы при
// in-flight регистрации разделяют один запрос к движку. Повторный вызов
// в состоянии registered выполняет продление (refresh).
func (r *ConnectionRegistrar) Register(ctx context.Context, opts *engine.RegisterOptions) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return NewDestroyedError("registrar")
	}
	if r.connState != ConnectionConnected {
		r.mu.Unlock()
		err := NewNotConnectedError("register")
		r.metrics.ErrorOccurred(err.Code)
		return err
	}
	if r.regState == RegistrationRegistering {
		f := r.registerFlight
		r.mu.Unlock()
		return f.wait(ctx)
	}

	expires := r.cfg.Expires
	if opts != nil && opts.Expires > 0 {
		expires = opts.Expires
	}

	f := newFlight()
	r.registerFlight = f
	r.transitionRegistrationLocked(RegistrationRegistering)
	r.regTimer = time.AfterFunc(r.cfg.RegisterTimeout, r.onRegisterTimeout)
	r.mu.Unlock()

	r.log.Info("отправляем регистрацию", String("uri", r.cfg.URI), Int("expires", expires))

	go func() {
		err := r.engine.Register(context.Background(), engine.RegisterOptions{Expires: expires})
		if err != nil {
			r.completeRegistrationFailure(err.Error(), 0,
				NewEngineRejectionError("register", err.Error(), 0))
		}
	}()

	return f.wait(ctx)
}

// onRegisterTimeout срабатывает, если движок не подтвердил регистрацию в срок.
func (r *ConnectionRegistrar) onRegisterTimeout() {
	r.completeRegistrationFailure("timeout", 0,
		NewRegistrationTimeoutError(r.cfg.RegisterTimeout))
}

// completeRegistrationFailure завершает in-flight регистрацию неуспехом.
func (r *ConnectionRegistrar) completeRegistrationFailure(cause string, statusCode int, err *Error) {
	r.mu.Lock()
	if r.regState != RegistrationRegistering {
		r.mu.Unlock()
		return
	}
	r.clearRegTimerLocked()
	f := r.registerFlight
	r.registerFlight = nil
	r.retryCount++
	if r.regRecord != nil {
		r.regRecord.RetryCount = r.retryCount
	}
	retries := r.retryCount
	r.transitionRegistrationLocked(RegistrationFailed)
	r.mu.Unlock()

	r.log.Error("регистрация не удалась",
		String("cause", cause), Int("status_code", statusCode), Int("retry_count", retries))
	r.metrics.RegistrationFailed()
	r.metrics.ErrorOccurred(err.Code)
	r.bus.Emit(EventRegistrationFailed, RegistrationPayload{
		State:      RegistrationFailed,
		URI:        r.cfg.URI,
		Cause:      cause,
		RetryCount: retries,
	})
	if f != nil {
		f.resolve(err)
	}
}

// Unregister снимает регистрацию. В любом состоянии, кроме registered,
// является no-op и сразу возвращает nil.
func (r *ConnectionRegistrar) Unregister(ctx context.Context) error {
	r.mu.Lock()
	if r.regState != RegistrationRegistered {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := r.engine.Unregister(ctx)

	r.mu.Lock()
	r.clearRegistrationLocked()
	changed := r.transitionRegistrationLocked(RegistrationUnregistered)
	r.mu.Unlock()

	if changed {
		r.log.Info("регистрация снята", String("uri", r.cfg.URI))
		r.bus.Emit(EventRegistrationUnregistered, RegistrationPayload{State: RegistrationUnregistered, URI: r.cfg.URI})
	}
	if err != nil {
		return NewEngineRejectionError("unregister", err.Error(), 0)
	}
	return nil
}

// SendMessage отправляет внедиалоговое сообщение через движок.
func (r *ConnectionRegistrar) SendMessage(ctx context.Context, target, body string) error {
	r.mu.Lock()
	connected := r.connState == ConnectionConnected
	r.mu.Unlock()
	if !connected {
		err := NewNotConnectedError("sendMessage")
		r.metrics.ErrorOccurred(err.Code)
		return err
	}
	if err := r.engine.SendMessage(ctx, target, body); err != nil {
		return NewEngineRejectionError("sendMessage", err.Error(), 0)
	}
	return nil
}

// Call инициирует исходящий вызов и возвращает его сессию.
func (r *ConnectionRegistrar) Call(ctx context.Context, target string, opts engine.CallOptions) (*CallSession, error) {
	r.mu.Lock()
	connected := r.connState == ConnectionConnected
	r.mu.Unlock()
	if !connected {
		err := NewNotConnectedError("call")
		r.metrics.ErrorOccurred(err.Code)
		return nil, err
	}

	handle, err := r.engine.Call(ctx, target, opts)
	if err != nil {
		return nil, NewEngineRejectionError("call", err.Error(), 0)
	}
	return r.adoptCall(handle), nil
}

// Calls возвращает снимок списка активных сессий.
func (r *ConnectionRegistrar) Calls() []*CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CallSession, 0, len(r.calls))
	for _, cs := range r.calls {
		out = append(out, cs)
	}
	return out
}

// CallByID возвращает сессию по идентификатору.
func (r *ConnectionRegistrar) CallByID(id string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.calls[id]
	return cs, ok
}

// Destroy разрывает соединение и переводит registrar в неактивное состояние.
func (r *ConnectionRegistrar) Destroy(ctx context.Context) error {
	err := r.Disconnect(ctx)
	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()
	return err
}

// handleEngineEvent точка входа всех сырых событий движка.
func (r *ConnectionRegistrar) handleEngineEvent(raw engine.RawEvent) {
	ev, err := engine.Decode(raw)
	if err != nil {
		r.log.Warn("событие движка отброшено", Err(err))
		return
	}

	switch ev.Kind {
	case engine.KindConnected:
		r.onEngineConnected()
	case engine.KindDisconnected:
		r.onEngineDisconnected(ev.Disconnected.Cause)
	case engine.KindRegistered:
		r.onEngineRegistered(ev.Registered.Expires)
	case engine.KindUnregistered:
		r.onEngineUnregistered()
	case engine.KindRegistrationFailed:
		r.completeRegistrationFailure(ev.RegistrationFailed.Cause, ev.RegistrationFailed.StatusCode,
			NewEngineRejectionError("register", ev.RegistrationFailed.Cause, ev.RegistrationFailed.StatusCode))
	case engine.KindNewCall:
		r.adoptCall(ev.NewCall.Handle)
	case engine.KindNewMessage:
		r.bus.Emit(EventMessageReceived, MessagePayload{
			From:        ev.NewMessage.From,
			ContentType: ev.NewMessage.ContentType,
			Body:        ev.NewMessage.Body,
		})
	default:
		r.log.Warn("неожиданное событие движка", String("kind", ev.Kind.String()))
	}
}

// onEngineConnected движок подтвердил соединение.
func (r *ConnectionRegistrar) onEngineConnected() {
	r.mu.Lock()
	if r.connState != ConnectionConnecting {
		// Запоздавшее подтверждение после таймаута или disconnect.
		r.mu.Unlock()
		r.log.Debug("событие connected в неожидаемом состоянии")
		return
	}
	r.clearConnTimerLocked()
	f := r.connectFlight
	r.connectFlight = nil
	r.transitionConnectionLocked(ConnectionConnected)
	r.mu.Unlock()

	r.log.Info("соединение установлено")
	r.bus.Emit(EventConnectionConnected, ConnectionPayload{State: ConnectionConnected})
	if f != nil {
		f.resolve(nil)
	}
}

// onEngineDisconnected движок сообщил о потере соединения.
func (r *ConnectionRegistrar) onEngineDisconnected(cause string) {
	r.mu.Lock()
	switch r.connState {
	case ConnectionConnecting:
		r.mu.Unlock()
		r.failConnect(cause, NewEngineRejectionError("connect", cause, 0))
		return

	case ConnectionConnected:
		// Транспорт уже потерян: регистрация снимается принудительно,
		// без обращения к движку.
		r.clearConnTimerLocked()
		r.clearRegTimerLocked()
		if f := r.registerFlight; f != nil {
			r.registerFlight = nil
			f.resolve(NewNotConnectedError("register"))
		}
		wasRegistered := r.regState == RegistrationRegistered || r.regState == RegistrationRegistering
		r.clearRegistrationLocked()
		regChanged := r.transitionRegistrationLocked(RegistrationUnregistered)
		r.transitionConnectionLocked(ConnectionDisconnected)
		r.mu.Unlock()

		r.log.Warn("соединение потеряно", String("cause", cause))
		r.teardownCalls(cause)
		if wasRegistered && regChanged {
			r.bus.Emit(EventRegistrationUnregistered, RegistrationPayload{State: RegistrationUnregistered, URI: r.cfg.URI})
		}
		r.bus.Emit(EventConnectionDisconnected, ConnectionPayload{State: ConnectionDisconnected, Cause: cause})

	default:
		r.mu.Unlock()
	}
}

// onEngineRegistered движок подтвердил регистрацию.
func (r *ConnectionRegistrar) onEngineRegistered(engineExpires int) {
	r.mu.Lock()
	if r.regState != RegistrationRegistering && r.regState != RegistrationRegistered {
		r.mu.Unlock()
		r.log.Debug("событие registered в неожидаемом состоянии")
		return
	}
	r.clearRegTimerLocked()
	f := r.registerFlight
	r.registerFlight = nil

	expires := engineExpires
	if expires <= 0 {
		expires = r.cfg.Expires
	}
	now := time.Now()
	r.regRecord = &RegistrationRecord{
		URI:              r.cfg.URI,
		ExpiresSeconds:   expires,
		LastRegisteredAt: now,
		ExpiryAt:         now.Add(time.Duration(expires) * time.Second),
		RetryCount:       0,
	}
	r.retryCount = 0
	r.transitionRegistrationLocked(RegistrationRegistered)
	payload := RegistrationPayload{
		State:    RegistrationRegistered,
		URI:      r.cfg.URI,
		Expires:  expires,
		ExpiryAt: r.regRecord.ExpiryAt,
	}
	r.mu.Unlock()

	r.log.Info("регистрация подтверждена", Int("expires", expires))
	r.metrics.RegistrationSucceeded()
	// Эмитится и при продлении: состояние проходит через registering,
	// поэтому правило «только при смене состояния» здесь выполняется,
	// а политика автопродления получает сигнал для перевзвода таймера.
	r.bus.Emit(EventRegistrationRegistered, payload)
	if f != nil {
		f.resolve(nil)
	}
}

// onEngineUnregistered движок сообщил о снятии регистрации со своей стороны.
func (r *ConnectionRegistrar) onEngineUnregistered() {
	r.mu.Lock()
	if r.regState != RegistrationRegistered {
		r.mu.Unlock()
		return
	}
	r.clearRegistrationLocked()
	r.transitionRegistrationLocked(RegistrationUnregistered)
	r.mu.Unlock()

	r.log.Info("регистрация снята движком")
	r.bus.Emit(EventRegistrationUnregistered, RegistrationPayload{State: RegistrationUnregistered, URI: r.cfg.URI})
}

// adoptCall создает сессию для нового call handle и регистрирует ее
// в таблице вызовов.
func (r *ConnectionRegistrar) adoptCall(handle engine.CallHandle) *CallSession {
	cs := newCallSession(handle, r.bus, r.cfg, r.metrics, r.removeCall)

	r.mu.Lock()
	r.calls[cs.ID()] = cs
	r.mu.Unlock()

	r.log.Info("новый вызов",
		String("call_id", cs.ID()),
		String("direction", string(handle.Direction())),
		String("remote", handle.RemoteURI()))
	cs.start()
	return cs
}

// removeCall удаляет сессию из таблицы. Вызывается сессией при
// достижении терминального состояния.
func (r *ConnectionRegistrar) removeCall(id string) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

// teardownCalls завершает все сессии при потере или разрыве соединения.
func (r *ConnectionRegistrar) teardownCalls(cause string) {
	r.mu.Lock()
	active := make([]*CallSession, 0, len(r.calls))
	for _, cs := range r.calls {
		active = append(active, cs)
	}
	r.mu.Unlock()

	for _, cs := range active {
		cs.connectionLost(cause)
	}
}

// transitionConnectionLocked меняет состояние соединения.
// Возвращает false, если состояние не изменилось (повторные переходы
// молча поглощаются). Вызывается под r.mu.
func (r *ConnectionRegistrar) transitionConnectionLocked(to ConnectionState) bool {
	if r.connState == to {
		return false
	}
	from := r.connState
	r.connState = to
	r.metrics.StateTransition("connection", string(from), string(to))
	return true
}

// transitionRegistrationLocked аналогично для состояния регистрации.
func (r *ConnectionRegistrar) transitionRegistrationLocked(to RegistrationState) bool {
	if r.regState == to {
		return false
	}
	from := r.regState
	r.regState = to
	r.metrics.StateTransition("registration", string(from), string(to))
	return true
}

// clearConnTimerLocked останавливает таймер соединения. Вызывается под r.mu.
func (r *ConnectionRegistrar) clearConnTimerLocked() {
	if r.connTimer != nil {
		r.connTimer.Stop()
		r.connTimer = nil
	}
}

// clearRegTimerLocked останавливает таймер регистрации. Вызывается под r.mu.
func (r *ConnectionRegistrar) clearRegTimerLocked() {
	if r.regTimer != nil {
		r.regTimer.Stop()
		r.regTimer = nil
	}
}

// clearRegistrationLocked уничтожает запись о регистрации и ее таймер.
// После этого ни один таймер регистрации не сработает. Вызывается под r.mu.
func (r *ConnectionRegistrar) clearRegistrationLocked() {
	r.clearRegTimerLocked()
	r.regRecord = nil
}
