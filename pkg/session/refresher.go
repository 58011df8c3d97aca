package session

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/eventbus"
)

// RegistrationRefresher политика автопродления регистрации.
//
// Не отдельный процесс, а таймер-наблюдатель: подписан на события
// регистрации на шине и перевзводит единственный таймер продления при
// каждой успешной регистрации. Продление срабатывает на 90% времени
// жизни регистрации; неудачное продление повторяется с экспоненциальной
// задержкой min(base * 2^n, max), пока не исчерпан MaxRetries.
//
// Любой unregister или потеря соединения снимает все таймеры: ни один
// таймер не срабатывает после уничтожения своей RegistrationRecord.
type RegistrationRefresher struct {
	mu  sync.Mutex
	reg *ConnectionRegistrar
	log StructuredLogger

	refreshTimer *time.Timer
	retryTimer   *time.Timer

	// armed true между успешной регистрацией и явным unregister /
	// потерей соединения. Неудача регистрации, запрошенной вызывающим
	// напрямую, повторов не порождает.
	armed bool

	// generation защищает от срабатывания уже отмененного таймера,
	// callback которого успел стартовать до Stop.
	generation uint64

	subs      []*eventbus.Subscription
	destroyed bool
}

// NewRegistrationRefresher создает политику продления поверх registrar-а
// и подписывает ее на события его шины.
func NewRegistrationRefresher(reg *ConnectionRegistrar) *RegistrationRefresher {
	rf := &RegistrationRefresher{
		reg: reg,
		log: reg.Config().Logger.WithComponent("refresher"),
	}

	bus := reg.Bus()
	rf.subs = append(rf.subs,
		bus.On(EventRegistrationRegistered, rf.onRegistered),
		bus.On(EventRegistrationFailed, rf.onFailed),
		bus.On(EventRegistrationUnregistered, rf.onCleared),
		bus.On(EventConnectionDisconnected, rf.onCleared),
		bus.On(EventConnectionFailed, rf.onCleared),
	)
	return rf
}

// BackoffDelay возвращает задержку повтора для n-й неудачи подряд
// (n считается с единицы): min(base * 2^(n-1), max).
func (rf *RegistrationRefresher) BackoffDelay(failures int) time.Duration {
	cfg := rf.reg.Config()
	return backoffDelay(cfg.RetryBaseDelay, cfg.RetryMaxDelay, failures)
}

// refreshDelay момент продления: доля refreshFraction от времени жизни
// регистрации, с сохранением долей секунды.
func refreshDelay(expires int) time.Duration {
	return time.Duration(float64(expires) * refreshFraction * float64(time.Second))
}

func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// onRegistered перевзводит таймер продления после успешной регистрации.
func (rf *RegistrationRefresher) onRegistered(_ string, payload interface{}) {
	p, ok := payload.(RegistrationPayload)
	if !ok || p.Expires <= 0 {
		return
	}

	delay := refreshDelay(p.Expires)

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.destroyed {
		return
	}
	rf.armed = true
	rf.stopTimersLocked()
	rf.generation++
	gen := rf.generation
	rf.refreshTimer = time.AfterFunc(delay, func() { rf.fire(gen, false) })

	rf.log.Debug("таймер продления взведен",
		Int("expires", p.Expires), Duration("delay", delay))
}

// onFailed планирует повтор с экспоненциальной задержкой.
func (rf *RegistrationRefresher) onFailed(_ string, payload interface{}) {
	p, ok := payload.(RegistrationPayload)
	if !ok {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.destroyed || !rf.armed {
		return
	}

	cfg := rf.reg.Config()
	if p.RetryCount > cfg.MaxRetries {
		// Дальше не повторяем: состояние остается registration_failed,
		// возобновление требует явного ResetRetries.
		rf.armed = false
		rf.stopTimersLocked()
		rf.log.Error("повторы регистрации исчерпаны",
			Int("retry_count", p.RetryCount), Int("max_retries", cfg.MaxRetries))
		return
	}

	delay := backoffDelay(cfg.RetryBaseDelay, cfg.RetryMaxDelay, p.RetryCount)
	rf.stopTimersLocked()
	rf.generation++
	gen := rf.generation
	rf.retryTimer = time.AfterFunc(delay, func() { rf.fire(gen, true) })

	rf.log.Warn("повтор регистрации запланирован",
		Int("retry_count", p.RetryCount), Duration("delay", delay))
}

// onCleared снимает все таймеры: регистрация снята или соединение потеряно.
func (rf *RegistrationRefresher) onCleared(_ string, _ interface{}) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.armed = false
	rf.generation++
	rf.stopTimersLocked()
}

// fire выполняет продление или повтор регистрации.
func (rf *RegistrationRefresher) fire(gen uint64, retry bool) {
	rf.mu.Lock()
	if rf.destroyed || !rf.armed || gen != rf.generation {
		rf.mu.Unlock()
		return
	}
	rf.mu.Unlock()

	if retry {
		rf.log.Info("повторная попытка регистрации")
		rf.reg.metrics.RefreshRetry()
	} else {
		rf.log.Info("продление регистрации")
	}

	ctx, cancel := context.WithTimeout(context.Background(), rf.reg.Config().RegisterTimeout+time.Second)
	defer cancel()
	if err := rf.reg.Register(ctx, nil); err != nil {
		// Неуспех придет событием registration:failed и запланирует
		// следующий повтор; здесь только лог.
		rf.log.Warn("продление регистрации не удалось", Err(err))
	}
}

// stopTimersLocked останавливает оба таймера. Вызывается под rf.mu.
func (rf *RegistrationRefresher) stopTimersLocked() {
	if rf.refreshTimer != nil {
		rf.refreshTimer.Stop()
		rf.refreshTimer = nil
	}
	if rf.retryTimer != nil {
		rf.retryTimer.Stop()
		rf.retryTimer = nil
	}
}

// Destroy снимает таймеры и подписки политики.
func (rf *RegistrationRefresher) Destroy() {
	rf.mu.Lock()
	rf.destroyed = true
	rf.armed = false
	rf.generation++
	rf.stopTimersLocked()
	subs := rf.subs
	rf.subs = nil
	rf.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
