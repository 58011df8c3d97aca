package sipgowrap

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/rtpmedia"
)

// Call реализация engine.CallHandle поверх одного SIP диалога.
//
// Handle транслирует транзакции диалога в сырые события и не хранит
// пользовательского состояния вызова: состояние ведет CallSession.
type Call struct {
	eng *Engine

	callID string
	dir    engine.Direction

	mu   sync.Mutex
	sink engine.EventSink

	localURI      sip.Uri
	remoteURI     sip.Uri
	remoteDisplay string

	// Диалоговые параметры (RFC 3261, секция 12).
	localTag     string
	remoteTag    string
	cseq         uint32
	remoteTarget sip.Uri

	// Исходящий вызов: исходный INVITE и его транзакция (для CANCEL).
	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction
	// Входящий вызов: ожидающая ответа серверная транзакция.
	incomingReq *sip.Request
	incomingTx  sip.ServerTransaction

	media *rtpmedia.Transport
	dtmf  *rtpmedia.DTMFSender

	established bool
	remoteHeld  bool
	finished    bool
	closed      atomic.Bool
}

// newOutgoingCall отправляет INVITE и запускает потребление ответов.
func (e *Engine) newOutgoingCall(ctx context.Context, target sip.Uri, opts engine.CallOptions) (*Call, error) {
	c := &Call{
		eng:          e,
		callID:       uuid.New().String(),
		dir:          engine.DirectionOutgoing,
		localURI:     e.localURI,
		remoteURI:    target,
		localTag:     generateTag(),
		cseq:         1,
		remoteTarget: target,
	}
	c.attachMedia()

	offer, err := buildSDP(e.cfg.MediaHost, e.cfg.MediaPort, DirSendRecv)
	if err != nil {
		return nil, fmt.Errorf("sipgowrap: построение SDP offer: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, target)
	req.SetTransport(e.transport)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     e.localURI,
		Params:      sip.HeaderParams{"tag": c.localTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	req.AppendHeader(&e.contact)
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	for name, value := range opts.ExtraHeaders {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	req.SetBody(offer)

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("sipgowrap: движок не запущен")
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sipgowrap: отправка INVITE: %w", err)
	}

	c.inviteReq = req
	c.inviteTx = tx
	go c.consumeInvite(tx)
	return c, nil
}

// newIncomingCall создает handle для принятого INVITE.
func (e *Engine) newIncomingCall(req *sip.Request, tx sip.ServerTransaction) *Call {
	c := &Call{
		eng:          e,
		callID:       req.CallID().Value(),
		dir:          engine.DirectionIncoming,
		localURI:     e.localURI,
		remoteURI:    req.From().Address,
		localTag:     generateTag(),
		remoteTarget: req.From().Address,
		incomingReq:  req,
		incomingTx:   tx,
	}
	c.remoteDisplay = req.From().DisplayName
	c.remoteTag, _ = req.From().Params.Get("tag")
	if contact := req.GetHeader("Contact"); contact != nil {
		if ch, ok := contact.(*sip.ContactHeader); ok {
			c.remoteTarget = ch.Address
		}
	}
	c.attachMedia()
	return c
}

// attachMedia создает медиа-транспорт вызова.
func (c *Call) attachMedia() {
	ssrc := rand.Uint32()
	c.media = rtpmedia.NewTransport(ssrc)
	c.dtmf = rtpmedia.NewDTMFSender(ssrc)
}

func (c *Call) ID() string                  { return c.callID }
func (c *Call) Direction() engine.Direction { return c.dir }
func (c *Call) LocalURI() string            { return c.localURI.String() }
func (c *Call) RemoteURI() string           { return c.remoteURI.String() }

func (c *Call) RemoteDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDisplay
}

func (c *Call) SetEventSink(sink engine.EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// emit доставляет событие вызова. После Close события подавляются.
func (c *Call) emit(name string, payload interface{}) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(engine.RawEvent{Name: name, Payload: payload})
	}
}

// emitFinal эмитит не более одного терминального события за жизнь вызова.
func (c *Call) emitFinal(name string, payload engine.TerminatedPayload) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()
	c.emit(name, payload)
}

// consumeInvite обрабатывает ответы на исходящий INVITE.
func (c *Call) consumeInvite(tx sip.ClientTransaction) {
	for res := range tx.Responses() {
		switch {
		case res.StatusCode < 200:
			c.onProvisional(res)
		case res.StatusCode < 300:
			c.onInviteSuccess(res)
			return
		default:
			c.onInviteFailure(res)
			return
		}
	}
}

func (c *Call) onProvisional(res *sip.Response) {
	switch res.StatusCode {
	case sip.StatusTrying:
		// 100 Trying не несет информации для ядра.
	case sip.StatusRinging:
		c.emit(engine.RawCallProgress, engine.ProgressPayload{StatusCode: int(res.StatusCode)})
	default:
		// 183 Session Progress с SDP означает раннюю медиа.
		early := len(res.Body()) > 0
		if tag, ok := res.To().Params.Get("tag"); ok && tag != "" {
			c.mu.Lock()
			c.remoteTag = tag
			c.mu.Unlock()
		}
		c.emit(engine.RawCallProgress, engine.ProgressPayload{
			EarlyMedia: early,
			StatusCode: int(res.StatusCode),
		})
		if early {
			c.emit(engine.RawCallTrack, engine.TrackPayload{Added: true, Kind: "audio"})
		}
	}
}

// onInviteSuccess фиксирует диалог по 2xx: remote tag, remote target,
// затем ACK.
func (c *Call) onInviteSuccess(res *sip.Response) {
	c.mu.Lock()
	c.remoteTag, _ = res.To().Params.Get("tag")
	if contact := res.GetHeader("Contact"); contact != nil {
		if ch, ok := contact.(*sip.ContactHeader); ok {
			c.remoteTarget = ch.Address
		}
	}
	c.remoteDisplay = res.To().DisplayName
	c.established = true
	ack := c.buildACKLocked(res)
	c.mu.Unlock()

	if err := c.eng.writeRequest(ack); err != nil {
		c.emitFinal(engine.RawCallFailed, engine.TerminatedPayload{Cause: err.Error()})
		return
	}

	c.emit(engine.RawCallAccepted, nil)
	c.emit(engine.RawCallTrack, engine.TrackPayload{Added: true, Kind: "audio"})
	c.emit(engine.RawCallConfirmed, nil)
}

func (c *Call) onInviteFailure(res *sip.Response) {
	// ACK на отрицательный финальный ответ шлет транзакционный слой.
	c.emitFinal(engine.RawCallFailed, engine.TerminatedPayload{
		Cause:      res.Reason,
		StatusCode: int(res.StatusCode),
	})
}

// buildACKLocked строит ACK для 2xx: тот же Request-URI и CSeq номер,
// To с тегом из ответа.
func (c *Call) buildACKLocked(res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, c.inviteReq.Recipient)
	ack.SetTransport(c.eng.transport)
	ack.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	ack.AppendHeader(c.inviteReq.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: c.inviteReq.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// buildInDialog строит запрос внутри установленного диалога.
func (c *Call) buildInDialog(method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cseq++
	req := sip.NewRequest(method, c.remoteTarget)
	req.SetTransport(c.eng.transport)
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: c.eng.cfg.DisplayName,
		Address:     c.localURI,
		Params:      sip.HeaderParams{"tag": c.localTag},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: c.remoteURI,
		Params:  sip.HeaderParams{"tag": c.remoteTag},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	req.AppendHeader(&c.eng.contact)
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// Answer отвечает на входящий INVITE 200 OK с SDP answer.
func (c *Call) Answer(ctx context.Context, opts engine.AnswerOptions) error {
	c.mu.Lock()
	req, tx := c.incomingReq, c.incomingTx
	c.mu.Unlock()
	if c.dir != engine.DirectionIncoming || tx == nil {
		return fmt.Errorf("sipgowrap: нет ожидающего INVITE")
	}

	answer, err := buildSDP(c.eng.cfg.MediaHost, c.eng.cfg.MediaPort, DirSendRecv)
	if err != nil {
		return fmt.Errorf("sipgowrap: построение SDP answer: %w", err)
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.To().Params = res.To().Params.Add("tag", c.localTag)
	res.AppendHeader(&c.eng.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	for name, value := range opts.ExtraHeaders {
		res.AppendHeader(sip.NewHeader(name, value))
	}
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sipgowrap: отправка 200 OK: %w", err)
	}

	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
	c.emit(engine.RawCallAccepted, nil)
	c.emit(engine.RawCallTrack, engine.TrackPayload{Added: true, Kind: "audio"})
	return nil
}

// onAck завершает установку входящего вызова.
func (c *Call) onAck() {
	c.mu.Lock()
	established := c.established
	c.incomingTx = nil
	c.mu.Unlock()
	if established {
		c.emit(engine.RawCallConfirmed, nil)
	}
}

// Reject отклоняет входящий INVITE финальным ответом.
func (c *Call) Reject(ctx context.Context, statusCode int, reason string) error {
	c.mu.Lock()
	req, tx := c.incomingReq, c.incomingTx
	c.incomingTx = nil
	c.mu.Unlock()
	if c.dir != engine.DirectionIncoming || tx == nil {
		return fmt.Errorf("sipgowrap: нет ожидающего INVITE")
	}

	if statusCode < 300 {
		statusCode = sip.StatusBusyHere
		reason = "Busy Here"
	}
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	res.To().Params = res.To().Params.Add("tag", c.localTag)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sipgowrap: отклонение вызова: %w", err)
	}

	c.eng.removeCall(c.callID)
	c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{
		Cause:      "rejected",
		StatusCode: statusCode,
	})
	return nil
}

// Terminate завершает вызов: CANCEL до установления исходящего диалога,
// 487 для неотвеченного входящего, иначе BYE.
func (c *Call) Terminate(ctx context.Context) error {
	c.mu.Lock()
	established := c.established
	incomingTx := c.incomingTx
	incomingReq := c.incomingReq
	c.incomingTx = nil
	c.mu.Unlock()

	switch {
	case established:
		return c.sendBye(ctx)
	case c.dir == engine.DirectionOutgoing:
		return c.sendCancel(ctx)
	case incomingTx != nil:
		res := sip.NewResponseFromRequest(incomingReq, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := incomingTx.Respond(res); err != nil {
			return fmt.Errorf("sipgowrap: завершение входящего вызова: %w", err)
		}
		c.eng.removeCall(c.callID)
		c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{
			Cause:      "canceled",
			StatusCode: int(sip.StatusRequestTerminated),
		})
		return nil
	default:
		return nil
	}
}

func (c *Call) sendBye(ctx context.Context) error {
	req := c.buildInDialog(sip.BYE)
	res, err := c.eng.doInDialog(ctx, req)
	if err != nil {
		return fmt.Errorf("sipgowrap: BYE: %w", err)
	}
	_ = res

	c.eng.removeCall(c.callID)
	c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{Cause: "bye"})
	return nil
}

// sendCancel отменяет исходящий INVITE до финального ответа: тот же
// branch (Via исходного запроса), CSeq номер INVITE с методом CANCEL.
func (c *Call) sendCancel(ctx context.Context) error {
	c.mu.Lock()
	invite := c.inviteReq
	c.mu.Unlock()
	if invite == nil {
		return nil
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SetTransport(c.eng.transport)
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	cancel.AppendHeader(sip.HeaderClone(invite.From()))
	cancel.AppendHeader(sip.HeaderClone(invite.To()))
	cancel.AppendHeader(sip.HeaderClone(invite.CallID()))
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	cancel.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	if _, err := c.eng.doInDialog(ctx, cancel); err != nil {
		return fmt.Errorf("sipgowrap: CANCEL: %w", err)
	}

	// Финальный 487 придет в транзакцию INVITE; 487 на исходящей ноге
	// означает локальную отмену.
	c.eng.removeCall(c.callID)
	c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{
		Cause:      "canceled",
		StatusCode: int(sip.StatusRequestTerminated),
	})
	return nil
}

// Hold ставит вызов на удержание re-INVITE с sendonly.
func (c *Call) Hold(ctx context.Context) error {
	if err := c.reinvite(ctx, DirSendOnly); err != nil {
		return err
	}
	c.emit(engine.RawCallHold, engine.HoldPayload{Remote: false})
	return nil
}

// Unhold снимает удержание re-INVITE с sendrecv.
func (c *Call) Unhold(ctx context.Context) error {
	if err := c.reinvite(ctx, DirSendRecv); err != nil {
		return err
	}
	c.emit(engine.RawCallUnhold, engine.HoldPayload{Remote: false})
	return nil
}

// reinvite отправляет re-INVITE с новым направлением медиа и ACK на 2xx.
func (c *Call) reinvite(ctx context.Context, dir MediaDirection) error {
	offer, err := buildSDP(c.eng.cfg.MediaHost, c.eng.cfg.MediaPort, dir)
	if err != nil {
		return fmt.Errorf("sipgowrap: построение SDP offer: %w", err)
	}

	req := c.buildInDialog(sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	res, err := c.eng.doInDialog(ctx, req)
	if err != nil {
		return fmt.Errorf("sipgowrap: re-INVITE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sipgowrap: re-INVITE отклонен: %d %s", res.StatusCode, res.Reason)
	}

	ack := sip.NewRequest(sip.ACK, req.Recipient)
	ack.SetTransport(c.eng.transport)
	ack.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	ack.AppendHeader(req.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: req.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if err := c.eng.writeRequest(ack); err != nil {
		return fmt.Errorf("sipgowrap: ACK на re-INVITE: %w", err)
	}
	return nil
}

// onReinvite обрабатывает re-INVITE удаленной стороны (hold/unhold).
func (c *Call) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	remoteDir, _ := parseSDPDirection(req.Body())
	hold := isHoldDirection(remoteDir)

	// Ответное направление зеркально: на sendonly отвечаем recvonly.
	answerDir := DirSendRecv
	if hold {
		answerDir = DirRecvOnly
	}
	answer, err := buildSDP(c.eng.cfg.MediaHost, c.eng.cfg.MediaPort, answerDir)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.AppendHeader(&c.eng.contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		return
	}

	c.mu.Lock()
	changed := c.remoteHeld != hold
	c.remoteHeld = hold
	c.mu.Unlock()
	if !changed {
		return
	}
	if hold {
		c.emit(engine.RawCallHold, engine.HoldPayload{Remote: true})
	} else {
		c.emit(engine.RawCallUnhold, engine.HoldPayload{Remote: true})
	}
}

// SendDTMF передает тон двумя путями: RTP telephone-event (RFC 4733)
// через медиа-транспорт и in-dialog INFO для шлюзов без RTP событий.
func (c *Call) SendDTMF(ctx context.Context, tone rune, duration time.Duration) error {
	packets, err := c.dtmf.Packets(tone, duration)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		c.media.RecordOutbound(pkt)
	}

	req := c.buildInDialog(sip.INFO)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", tone, duration.Milliseconds())))

	res, err := c.eng.doInDialog(ctx, req)
	if err != nil {
		return fmt.Errorf("sipgowrap: INFO: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sipgowrap: INFO отклонен: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Media возвращает медиа-транспорт вызова.
func (c *Call) Media() engine.MediaTransport {
	return c.media
}

// onRemoteBye обрабатывает BYE удаленной стороны.
func (c *Call) onRemoteBye() {
	c.eng.removeCall(c.callID)
	c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{Cause: "bye"})
}

// onRemoteCancel обрабатывает CANCEL неотвеченного входящего INVITE.
func (c *Call) onRemoteCancel() {
	c.mu.Lock()
	req, tx := c.incomingReq, c.incomingTx
	c.incomingTx = nil
	c.mu.Unlock()
	if tx != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil))
	}

	c.eng.removeCall(c.callID)
	c.emitFinal(engine.RawCallEnded, engine.TerminatedPayload{
		Cause:      "canceled",
		StatusCode: int(sip.StatusRequestTerminated),
	})
}

// Close отсоединяет handle от событий и освобождает ресурсы движка.
func (c *Call) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.media.StopTracks()
	c.eng.removeCall(c.callID)
}
