// Package sipgowrap реализует engine.SignalingEngine поверх SIP стека
// sipgo (SIP поверх WebSocket, RFC 7118).
//
// Движок не содержит логики состояний ядра: он транслирует SIP транзакции
// в сырые события (engine.RawEvent) и исполняет императивные операции.
// Интерпретация событий целиком принадлежит ConnectionRegistrar.
package sipgowrap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/webphone/pkg/engine"
)

// Config конфигурация sipgo-движка.
type Config struct {
	// WSEndpoint адрес сигнального шлюза (ws:// или wss://).
	WSEndpoint string

	// URI локальный адрес (sip:user@domain).
	URI string

	// Password пароль digest-аутентификации.
	Password string

	// DisplayName отображаемое имя в From.
	DisplayName string

	// UserAgent значение заголовка User-Agent.
	UserAgent string

	// MediaHost и MediaPort адрес, анонсируемый в SDP.
	MediaHost string
	MediaPort int
}

// Engine sipgo-реализация сигнального движка.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	sink   engine.EventSink

	localURI  sip.Uri
	registrar sip.Uri
	contact   sip.ContactHeader
	transport string

	connected  atomic.Bool
	registered atomic.Bool

	calls map[string]*Call // key: Call-ID

	ctx    context.Context
	cancel context.CancelFunc
}

// New создает движок. Транспорт выбирается по схеме WSEndpoint.
func New(cfg Config) (*Engine, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "webphone/1.0"
	}
	if cfg.MediaHost == "" {
		cfg.MediaHost = "127.0.0.1"
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 20000
	}

	e := &Engine{
		cfg:   cfg,
		calls: make(map[string]*Call),
	}

	if err := sip.ParseUri(cfg.URI, &e.localURI); err != nil {
		return nil, fmt.Errorf("sipgowrap: разбор URI %q: %w", cfg.URI, err)
	}
	e.registrar = sip.Uri{Scheme: "sip", Host: e.localURI.Host}

	e.transport = "WS"
	if strings.HasPrefix(cfg.WSEndpoint, "wss://") {
		e.transport = "WSS"
	}

	e.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      e.localURI.User,
			Host:      e.localURI.Host,
			UriParams: sip.HeaderParams{"transport": strings.ToLower(e.transport)},
		},
	}
	return e, nil
}

// SetEventSink устанавливает получателя событий. Вызывается до Start.
func (e *Engine) SetEventSink(sink engine.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// emit доставляет сырое событие получателю.
func (e *Engine) emit(name string, payload interface{}) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(engine.RawEvent{Name: name, Payload: payload})
	}
}

// Start инициализирует sipgo стек и проверяет достижимость шлюза.
// Успех сообщается событием connected, неуспех - disconnected.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ua != nil {
		e.mu.Unlock()
		return nil
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.cfg.UserAgent))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("sipgowrap: создание UA: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		e.mu.Unlock()
		return fmt.Errorf("sipgowrap: создание сервера: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		e.mu.Unlock()
		return fmt.Errorf("sipgowrap: создание клиента: %w", err)
	}

	e.ua = ua
	e.server = server
	e.client = client
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.setupHandlers()

	// Транспорт WebSocket устанавливается лениво при первом запросе,
	// поэтому достижимость шлюза проверяется OPTIONS-запросом.
	go e.probe()
	return nil
}

// probe отправляет OPTIONS и эмитит connected/disconnected по результату.
func (e *Engine) probe() {
	e.mu.Lock()
	client := e.client
	ctx := e.ctx
	e.mu.Unlock()
	if client == nil {
		return
	}

	req := sip.NewRequest(sip.OPTIONS, e.registrar)
	req.SetTransport(e.transport)
	e.addIdentityHeaders(req, sip.OPTIONS)

	res, err := client.Do(ctx, req)
	if err != nil {
		e.emit(engine.RawDisconnected, engine.DisconnectedPayload{Cause: err.Error()})
		return
	}
	// Любой ответ означает живой транспорт.
	_ = res
	e.connected.Store(true)
	e.emit(engine.RawConnected, nil)
}

// setupHandlers регистрирует обработчики входящих запросов.
func (e *Engine) setupHandlers() {
	e.server.OnInvite(e.onInvite)
	e.server.OnAck(e.onAck)
	e.server.OnBye(e.onBye)
	e.server.OnCancel(e.onCancel)
	e.server.OnMessage(e.onMessage)
}

// Stop закрывает стек и эмитит disconnected.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	ua := e.ua
	cancel := e.cancel
	e.ua = nil
	e.server = nil
	e.client = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ua == nil {
		return nil
	}
	if err := ua.Close(); err != nil {
		return fmt.Errorf("sipgowrap: закрытие UA: %w", err)
	}

	wasConnected := e.connected.Swap(false)
	e.registered.Store(false)
	if wasConnected {
		e.emit(engine.RawDisconnected, engine.DisconnectedPayload{Cause: "local stop"})
	}
	return nil
}

// addIdentityHeaders добавляет From/To/Contact/Max-Forwards к
// внедиалоговому запросу.
func (e *Engine) addIdentityHeaders(req *sip.Request, method sip.RequestMethod) {
	from := &sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     e.localURI,
		Params:      sip.HeaderParams{"tag": generateTag()},
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: e.localURI, Params: sip.HeaderParams{}})
	req.AppendHeader(&e.contact)
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if method == sip.REGISTER {
		req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, MESSAGE, INFO, OPTIONS"))
	}
}

// buildRegister строит REGISTER с указанным Expires.
func (e *Engine) buildRegister(expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, e.registrar)
	req.SetTransport(e.transport)
	e.addIdentityHeaders(req, sip.REGISTER)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return req
}

// doWithAuth выполняет запрос, отвечая на digest challenge (401/407).
func (e *Engine) doWithAuth(ctx context.Context, build func() *sip.Request) (*sip.Response, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("sipgowrap: движок не запущен")
	}

	req := build()
	res, err := client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}
	h := res.GetHeader(challengeHeader)
	if h == nil {
		return res, nil
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("sipgowrap: разбор challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: e.localURI.User,
		Password: e.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("sipgowrap: вычисление digest: %w", err)
	}

	// Повторный запрос: новая транзакция с тем же составом заголовков
	// плюс Authorization.
	retry := build()
	retry.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return client.Do(ctx, retry)
}

// doInDialog выполняет запрос внутри диалога и ждет финального ответа.
func (e *Engine) doInDialog(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("sipgowrap: движок не запущен")
	}
	return client.Do(ctx, req)
}

// writeRequest отправляет запрос вне транзакции (ACK).
func (e *Engine) writeRequest(req *sip.Request) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return fmt.Errorf("sipgowrap: движок не запущен")
	}
	return client.WriteRequest(req)
}

// Register отправляет REGISTER. Результат эмитится событием.
func (e *Engine) Register(ctx context.Context, opts engine.RegisterOptions) error {
	expires := opts.Expires
	if expires <= 0 {
		expires = 600
	}

	res, err := e.doWithAuth(ctx, func() *sip.Request { return e.buildRegister(expires) })
	if err != nil {
		return fmt.Errorf("sipgowrap: REGISTER: %w", err)
	}

	if res.StatusCode != sip.StatusOK {
		e.emit(engine.RawRegistrationFailed, engine.RegistrationFailedPayload{
			Cause:      res.Reason,
			StatusCode: int(res.StatusCode),
		})
		return nil
	}

	granted := expires
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && v > 0 {
			granted = v
		}
	}
	e.registered.Store(true)
	e.emit(engine.RawRegistered, engine.RegisteredPayload{Expires: granted})
	return nil
}

// Unregister отправляет REGISTER с Expires: 0.
func (e *Engine) Unregister(ctx context.Context) error {
	res, err := e.doWithAuth(ctx, func() *sip.Request { return e.buildRegister(0) })
	if err != nil {
		return fmt.Errorf("sipgowrap: unregister: %w", err)
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("sipgowrap: unregister отклонен: %d %s", res.StatusCode, res.Reason)
	}
	e.registered.Store(false)
	e.emit(engine.RawUnregistered, nil)
	return nil
}

// Call инициирует исходящий вызов.
func (e *Engine) Call(ctx context.Context, target string, opts engine.CallOptions) (engine.CallHandle, error) {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, fmt.Errorf("sipgowrap: разбор адреса %q: %w", target, err)
	}

	call, err := e.newOutgoingCall(ctx, targetURI, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.calls[call.callID] = call
	e.mu.Unlock()
	return call, nil
}

// SendMessage отправляет SIP MESSAGE.
func (e *Engine) SendMessage(ctx context.Context, target, body string) error {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return fmt.Errorf("sipgowrap: разбор адреса %q: %w", target, err)
	}

	res, err := e.doWithAuth(ctx, func() *sip.Request {
		req := sip.NewRequest(sip.MESSAGE, targetURI)
		req.SetTransport(e.transport)
		e.addIdentityHeaders(req, sip.MESSAGE)
		req.AppendHeader(sip.NewHeader("Content-Type", "text/plain"))
		req.SetBody([]byte(body))
		return req
	})
	if err != nil {
		return fmt.Errorf("sipgowrap: MESSAGE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sipgowrap: MESSAGE отклонен: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (e *Engine) IsConnected() bool  { return e.connected.Load() }
func (e *Engine) IsRegistered() bool { return e.registered.Load() }

// findCall ищет вызов по Call-ID.
func (e *Engine) findCall(callID string) (*Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[callID]
	return c, ok
}

// removeCall удаляет вызов из таблицы движка.
func (e *Engine) removeCall(callID string) {
	e.mu.Lock()
	delete(e.calls, callID)
	e.mu.Unlock()
}

// onInvite обрабатывает входящий INVITE: первичный создает вызов,
// re-INVITE транслируется в hold/unhold существующего.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	if call, ok := e.findCall(callID); ok {
		call.onReinvite(req, tx)
		return
	}

	call := e.newIncomingCall(req, tx)
	e.mu.Lock()
	e.calls[callID] = call
	e.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil))
	e.emit(engine.RawNewCall, engine.NewCallPayload{Handle: call})
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if call, ok := e.findCall(req.CallID().Value()); ok {
		call.onAck()
	}
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if call, ok := e.findCall(req.CallID().Value()); ok {
		call.onRemoteBye()
	}
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if call, ok := e.findCall(req.CallID().Value()); ok {
		call.onRemoteCancel()
	}
}

func (e *Engine) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	contentType := "text/plain"
	if h := req.GetHeader("Content-Type"); h != nil {
		contentType = h.Value()
	}
	e.emit(engine.RawNewMessage, engine.NewMessagePayload{
		From:        req.From().Address.String(),
		ContentType: contentType,
		Body:        string(req.Body()),
	})
}

// generateTag генерирует уникальный tag для From/To.
func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
