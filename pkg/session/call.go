package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/eventbus"
)

// Имена событий FSM вызова.
const (
	callEvRing         = "ring"
	callEvDial         = "dial"
	callEvProgress     = "progress"
	callEvAnswer       = "answer"
	callEvAccept       = "accept"
	callEvHold         = "hold"
	callEvUnhold       = "unhold"
	callEvRemoteHold   = "remote_hold"
	callEvRemoteUnhold = "remote_unhold"
	callEvTerminate    = "terminate"
	callEvEnd          = "end"
	callEvFail         = "fail"
)

// nonTerminalStates все состояния, из которых вызов может быть завершен.
var nonTerminalStates = []string{
	string(CallIdle), string(CallRinging), string(CallCalling),
	string(CallEarlyMedia), string(CallAnswering), string(CallActive),
	string(CallHeld), string(CallRemoteHeld), string(CallTerminating),
}

// newCallFSM создает state machine вызова.
//
// Оптимистичные переходы (answer -> answering) являются полноценными
// состояниями: подтверждение движка всегда имеет одно определенное
// исходное состояние.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: callEvRing, Src: []string{string(CallIdle)}, Dst: string(CallRinging)},
			{Name: callEvDial, Src: []string{string(CallIdle)}, Dst: string(CallCalling)},
			{Name: callEvProgress, Src: []string{string(CallRinging), string(CallCalling)}, Dst: string(CallEarlyMedia)},
			{Name: callEvAnswer, Src: []string{string(CallRinging)}, Dst: string(CallAnswering)},
			{Name: callEvAccept, Src: []string{string(CallCalling), string(CallEarlyMedia), string(CallAnswering)}, Dst: string(CallActive)},
			{Name: callEvHold, Src: []string{string(CallActive)}, Dst: string(CallHeld)},
			{Name: callEvUnhold, Src: []string{string(CallHeld)}, Dst: string(CallActive)},
			{Name: callEvRemoteHold, Src: []string{string(CallActive)}, Dst: string(CallRemoteHeld)},
			{Name: callEvRemoteUnhold, Src: []string{string(CallRemoteHeld)}, Dst: string(CallActive)},
			{Name: callEvTerminate, Src: nonTerminalStates[:len(nonTerminalStates)-1], Dst: string(CallTerminating)},
			{Name: callEvEnd, Src: nonTerminalStates, Dst: string(CallTerminated)},
			{Name: callEvFail, Src: nonTerminalStates, Dst: string(CallFailed)},
		},
		fsm.Callbacks{},
	)
}

// CallSession сессия одного вызова.
//
// Оборачивает ровно один call handle движка, транслирует его сырые
// события в state machine и предоставляет императивное управление
// вызовом. Единственный писатель собственного состояния; наружу уходят
// только снимки через шину событий. Терминальное событие эмитится ровно
// один раз, сколько бы терминальных сигналов ни прислал движок.
type CallSession struct {
	id                string
	direction         engine.Direction
	localURI          string
	remoteURI         string
	remoteDisplayName string

	handle  engine.CallHandle
	bus     *eventbus.Bus
	log     StructuredLogger
	metrics *Metrics

	dtmfDuration time.Duration

	mu      sync.Mutex
	machine *fsm.FSM

	isOnHold bool
	isMuted  bool

	startTime    time.Time
	answerTime   time.Time
	endTime      time.Time
	duration     time.Duration
	ringDuration time.Duration

	terminationCause TerminationCause
	terminal         bool

	onCleanup func(id string)
}

// newCallSession создает сессию для call handle. Вызывается registrar-ом.
func newCallSession(handle engine.CallHandle, bus *eventbus.Bus, cfg Config, metrics *Metrics, onCleanup func(id string)) *CallSession {
	cs := &CallSession{
		id:                handle.ID(),
		direction:         handle.Direction(),
		localURI:          handle.LocalURI(),
		remoteURI:         handle.RemoteURI(),
		remoteDisplayName: handle.RemoteDisplayName(),
		handle:            handle,
		bus:               bus,
		log:               cfg.Logger.WithComponent("call").WithCall(handle.ID()),
		metrics:           metrics,
		dtmfDuration:      cfg.DTMFDuration,
		machine:           newCallFSM(),
		onCleanup:         onCleanup,
	}
	handle.SetEventSink(cs.handleCallEvent)
	return cs
}

// start переводит сессию из idle в начальное состояние по направлению.
func (cs *CallSession) start() {
	cs.mu.Lock()
	cs.startTime = time.Now()
	ev := callEvRing
	if cs.direction == engine.DirectionOutgoing {
		ev = callEvDial
	}
	from, to, err := cs.transitionLocked(ev)
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	if err != nil {
		cs.log.Error("недопустимый стартовый переход", Err(err))
		return
	}
	cs.metrics.CallStarted(string(cs.direction))
	cs.emitStateChanged(snap, from, to)
}

// ID возвращает идентификатор вызова.
func (cs *CallSession) ID() string { return cs.id }

// Direction возвращает направление вызова.
func (cs *CallSession) Direction() engine.Direction { return cs.direction }

// State возвращает текущее состояние вызова.
func (cs *CallSession) State() CallState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return CallState(cs.machine.Current())
}

// Snapshot возвращает снимок состояния вызова.
func (cs *CallSession) Snapshot() CallSnapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.snapshotLocked()
}

// IsOnHold сообщает, стоит ли вызов на удержании.
func (cs *CallSession) IsOnHold() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isOnHold
}

// IsMuted сообщает, заглушено ли локальное аудио.
func (cs *CallSession) IsMuted() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isMuted
}

// Answer принимает входящий вызов.
//
// Валиден только из состояния ringing и только для входящего направления.
// Переход в answering выполняется оптимистично; активным вызов становится
// после подтверждения движка.
func (cs *CallSession) Answer(ctx context.Context, opts engine.AnswerOptions) error {
	cs.mu.Lock()
	if cs.direction == engine.DirectionOutgoing {
		cs.mu.Unlock()
		err := NewInvalidStateError("Cannot answer outgoing call", string(cs.State()))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	state := CallState(cs.machine.Current())
	if state != CallRinging {
		cs.mu.Unlock()
		err := NewInvalidStateError(fmt.Sprintf("Cannot answer call in state: %s", state), string(state))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	from, to, _ := cs.transitionLocked(callEvAnswer)
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	cs.emitStateChanged(snap, from, to)
	cs.log.Info("отвечаем на вызов")

	if err := cs.handle.Answer(ctx, opts); err != nil {
		cs.finalize(CallFailed, err.Error(), 0)
		return NewEngineRejectionError("answer", err.Error(), 0)
	}
	return nil
}

// Reject отклоняет входящий вызов.
func (cs *CallSession) Reject(ctx context.Context, statusCode int, reason string) error {
	cs.mu.Lock()
	if cs.direction == engine.DirectionOutgoing {
		cs.mu.Unlock()
		err := NewInvalidStateError("Cannot reject outgoing call", string(cs.State()))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	state := CallState(cs.machine.Current())
	if state != CallRinging && state != CallEarlyMedia {
		cs.mu.Unlock()
		err := NewInvalidStateError(fmt.Sprintf("Cannot reject call in state: %s", state), string(state))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	from, to, _ := cs.transitionLocked(callEvTerminate)
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	cs.emitStateChanged(snap, from, to)

	if err := cs.handle.Reject(ctx, statusCode, reason); err != nil {
		cs.finalize(CallFailed, err.Error(), 0)
		return NewEngineRejectionError("reject", err.Error(), 0)
	}
	return nil
}

// Hangup завершает вызов из любого нетерминального состояния.
// Для уже завершенного вызова является no-op.
func (cs *CallSession) Hangup(ctx context.Context) error {
	cs.mu.Lock()
	state := CallState(cs.machine.Current())
	if state.IsTerminal() || state == CallTerminating {
		cs.mu.Unlock()
		return nil
	}
	from, to, _ := cs.transitionLocked(callEvTerminate)
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	cs.emitStateChanged(snap, from, to)
	cs.log.Info("завершаем вызов")

	if err := cs.handle.Terminate(ctx); err != nil {
		// Движок не смог завершить штатно: ресурсы все равно
		// освобождаются локально.
		cs.log.Warn("terminate завершился ошибкой", Err(err))
		cs.finalize(CallTerminated, "local hangup", 0)
	}
	return nil
}

// Hold ставит активный вызов на удержание. Смена состояния происходит
// по событию движка (локальный инициатор -> held).
func (cs *CallSession) Hold(ctx context.Context) error {
	cs.mu.Lock()
	state := CallState(cs.machine.Current())
	cs.mu.Unlock()
	if state != CallActive {
		err := NewInvalidStateError(fmt.Sprintf("Cannot hold call in state: %s", state), string(state))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	if err := cs.handle.Hold(ctx); err != nil {
		return NewEngineRejectionError("hold", err.Error(), 0)
	}
	return nil
}

// Unhold снимает вызов с локального удержания.
func (cs *CallSession) Unhold(ctx context.Context) error {
	cs.mu.Lock()
	state := CallState(cs.machine.Current())
	cs.mu.Unlock()
	if state != CallHeld {
		err := NewInvalidStateError(fmt.Sprintf("Cannot unhold call in state: %s", state), string(state))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	if err := cs.handle.Unhold(ctx); err != nil {
		return NewEngineRejectionError("unhold", err.Error(), 0)
	}
	return nil
}

// Mute заглушает локальное аудио. Повторный вызов при уже заглушенном
// аудио - логируемый no-op, а не ошибка.
func (cs *CallSession) Mute() error {
	cs.mu.Lock()
	if cs.isMuted {
		cs.mu.Unlock()
		cs.log.Debug("mute: аудио уже заглушено")
		return nil
	}
	cs.isMuted = true
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	if media := cs.handle.Media(); media != nil {
		if err := media.SetMuted(true); err != nil {
			cs.log.Warn("не удалось заглушить медиа", Err(err))
		}
	}
	cs.bus.Emit(EventCallMuted, snap)
	return nil
}

// Unmute включает локальное аудио. Идемпотентен, как и Mute.
func (cs *CallSession) Unmute() error {
	cs.mu.Lock()
	if !cs.isMuted {
		cs.mu.Unlock()
		cs.log.Debug("unmute: аудио не было заглушено")
		return nil
	}
	cs.isMuted = false
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	if media := cs.handle.Media(); media != nil {
		if err := media.SetMuted(false); err != nil {
			cs.log.Warn("не удалось включить медиа", Err(err))
		}
	}
	cs.bus.Emit(EventCallUnmuted, snap)
	return nil
}

// SendDTMF отправляет DTMF тон. Валиден только в активном вызове.
// Нулевая длительность заменяется значением из конфигурации.
func (cs *CallSession) SendDTMF(ctx context.Context, tone rune, duration time.Duration) error {
	cs.mu.Lock()
	state := CallState(cs.machine.Current())
	cs.mu.Unlock()
	if state != CallActive {
		err := NewInvalidStateError(fmt.Sprintf("Cannot send DTMF in state: %s", state), string(state))
		cs.metrics.ErrorOccurred(err.Code)
		return err
	}
	if duration == 0 {
		duration = cs.dtmfDuration
	}
	if err := cs.handle.SendDTMF(ctx, tone, duration); err != nil {
		return NewEngineRejectionError("sendDTMF", err.Error(), 0)
	}

	cs.mu.Lock()
	snap := cs.snapshotLocked()
	cs.mu.Unlock()
	snap.Tone = string(tone)
	cs.bus.Emit(EventCallDTMFSent, snap)
	return nil
}

// Statistics возвращает транспортные счетчики медиа-сессии вызова.
func (cs *CallSession) Statistics() (engine.Statistics, error) {
	media := cs.handle.Media()
	if media == nil {
		err := NewNoPeerConnectionError(cs.id)
		cs.metrics.ErrorOccurred(err.Code)
		return engine.Statistics{}, err
	}
	return media.Statistics()
}

// Destroy принудительно завершает сессию и освобождает ее ресурсы.
// Для уже завершенной сессии является no-op.
func (cs *CallSession) Destroy() {
	cs.mu.Lock()
	terminal := cs.terminal
	cs.mu.Unlock()
	if terminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.handle.Terminate(ctx); err != nil {
		cs.log.Debug("terminate при destroy", Err(err))
	}
	cs.finalize(CallTerminated, "destroy", 0)
}

// connectionLost вызывается registrar-ом при потере соединения.
func (cs *CallSession) connectionLost(cause string) {
	cs.finalize(CallFailed, cause, 0)
}

// handleCallEvent точка входа сырых событий call handle.
func (cs *CallSession) handleCallEvent(raw engine.RawEvent) {
	ev, err := engine.Decode(raw)
	if err != nil {
		cs.log.Warn("событие вызова отброшено", Err(err))
		return
	}

	switch ev.Kind {
	case engine.KindCallProgress:
		cs.onProgress(ev.Progress)
	case engine.KindCallAccepted:
		cs.onAccepted(EventCallAccepted)
	case engine.KindCallConfirmed:
		cs.onAccepted(EventCallConfirmed)
	case engine.KindCallHold:
		cs.onHoldChanged(true, ev.Hold.Remote)
	case engine.KindCallUnhold:
		cs.onHoldChanged(false, ev.Hold.Remote)
	case engine.KindCallTrack:
		cs.log.Debug("медиа-поток",
			Bool("added", ev.Track.Added), String("kind", ev.Track.Kind))
	case engine.KindCallEnded:
		cs.finalize(CallTerminated, ev.Terminated.Cause, ev.Terminated.StatusCode)
	case engine.KindCallFailed:
		cs.finalize(CallFailed, ev.Terminated.Cause, ev.Terminated.StatusCode)
	default:
		cs.log.Warn("неожиданное событие вызова", String("kind", ev.Kind.String()))
	}
}

// onProgress обрабатывает индикацию прогресса (1xx).
func (cs *CallSession) onProgress(p *engine.ProgressPayload) {
	var (
		from, to CallState
		snap     CallSnapshot
		changed  bool
	)

	cs.mu.Lock()
	if p.EarlyMedia {
		var err error
		from, to, err = cs.transitionLocked(callEvProgress)
		changed = err == nil
	}
	snap = cs.snapshotLocked()
	cs.mu.Unlock()

	if changed {
		cs.emitStateChanged(snap, from, to)
	}
	cs.bus.Emit(EventCallProgress, snap)
}

// onAccepted обрабатывает подтверждение вызова движком.
// Первое подтверждение фиксирует answerTime и переводит вызов в active.
func (cs *CallSession) onAccepted(busEvent string) {
	cs.mu.Lock()
	state := CallState(cs.machine.Current())
	var (
		from, to CallState
		changed  bool
	)
	if state != CallActive {
		var err error
		from, to, err = cs.transitionLocked(callEvAccept)
		if err != nil {
			cs.mu.Unlock()
			cs.log.Debug("подтверждение вызова в неожидаемом состоянии", String("state", string(state)))
			return
		}
		changed = true
		if cs.answerTime.IsZero() {
			cs.answerTime = time.Now()
		}
	}
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	if changed {
		cs.emitStateChanged(snap, from, to)
	}
	cs.bus.Emit(busEvent, snap)
}

// onHoldChanged обрабатывает события удержания движка.
// Локальное удержание ведет в held, удаленное - в remote_held.
func (cs *CallSession) onHoldChanged(held, remote bool) {
	ev := callEvHold
	switch {
	case held && remote:
		ev = callEvRemoteHold
	case !held && remote:
		ev = callEvRemoteUnhold
	case !held && !remote:
		ev = callEvUnhold
	}

	cs.mu.Lock()
	from, to, err := cs.transitionLocked(ev)
	if err != nil {
		cs.mu.Unlock()
		cs.log.Debug("событие удержания в неожидаемом состоянии", Err(err))
		return
	}
	cs.isOnHold = held
	snap := cs.snapshotLocked()
	cs.mu.Unlock()

	cs.emitStateChanged(snap, from, to)
}

// finalize переводит сессию в терминальное состояние и освобождает
// ресурсы. Повторные вызовы поглощаются: терминальное событие эмитится
// ровно один раз, даже если ended и failed приходят друг за другом.
func (cs *CallSession) finalize(to CallState, rawCause string, statusCode int) {
	cs.mu.Lock()
	if cs.terminal {
		cs.mu.Unlock()
		return
	}
	cs.terminal = true

	ev := callEvEnd
	busEvent := EventCallEnded
	if to == CallFailed {
		ev = callEvFail
		busEvent = EventCallFailed
	}
	from, newState, err := cs.transitionLocked(ev)
	if err != nil {
		// Не должно происходить: терминальные события разрешены из
		// всех нетерминальных состояний.
		cs.log.Error("терминальный переход отклонен", Err(err))
	}

	cs.endTime = time.Now()
	if !cs.answerTime.IsZero() {
		cs.duration = cs.endTime.Sub(cs.answerTime)
		cs.ringDuration = cs.answerTime.Sub(cs.startTime)
	}
	cs.terminationCause = mapTerminationCause(rawCause, statusCode)
	snap := cs.snapshotLocked()
	duration := cs.duration
	cs.mu.Unlock()

	if snap.TerminationCause == CauseOther && rawCause != "" {
		// Catch-all намеренный, но сырую причину сохраняем в логах.
		cs.log.Warn("причина завершения не распознана",
			String("raw_cause", rawCause), Int("status_code", statusCode))
	}

	if media := cs.handle.Media(); media != nil {
		media.StopTracks()
	}
	cs.handle.Close()

	cs.log.Info("вызов завершен",
		String("state", string(newState)),
		String("cause", string(snap.TerminationCause)),
		Duration("duration", duration))

	if err == nil {
		cs.emitStateChanged(snap, from, newState)
	}
	cs.bus.Emit(busEvent, snap)
	cs.metrics.CallFinished(duration)

	if cs.onCleanup != nil {
		cs.onCleanup(cs.id)
	}
}

// transitionLocked выполняет переход FSM. Вызывается под cs.mu.
func (cs *CallSession) transitionLocked(event string) (from, to CallState, err error) {
	from = CallState(cs.machine.Current())
	err = cs.machine.Event(context.Background(), event)
	to = CallState(cs.machine.Current())
	if err == nil {
		cs.metrics.StateTransition("call", string(from), string(to))
	}
	return from, to, err
}

// emitStateChanged эмитит call:state_changed. Вызывается без блокировки.
func (cs *CallSession) emitStateChanged(snap CallSnapshot, from, to CallState) {
	if from == to {
		return
	}
	snap.PreviousState = from
	cs.bus.Emit(EventCallStateChanged, snap)
}

// snapshotLocked строит снимок состояния. Вызывается под cs.mu.
func (cs *CallSession) snapshotLocked() CallSnapshot {
	return CallSnapshot{
		ID:                cs.id,
		Direction:         string(cs.direction),
		LocalURI:          cs.localURI,
		RemoteURI:         cs.remoteURI,
		RemoteDisplayName: cs.remoteDisplayName,
		State:             CallState(cs.machine.Current()),
		IsOnHold:          cs.isOnHold,
		IsMuted:           cs.isMuted,
		Timing: CallTiming{
			StartTime:    cs.startTime,
			AnswerTime:   cs.answerTime,
			EndTime:      cs.endTime,
			Duration:     cs.duration,
			RingDuration: cs.ringDuration,
		},
		TerminationCause: cs.terminationCause,
	}
}
