// Package eventbus предоставляет типизированную шину событий publish/subscribe.
//
// Шина является единственным каналом межкомпонентного взаимодействия ядра:
// state machine соединения и регистрации, сессии вызовов и внешние подписчики
// (UI, история вызовов) общаются только через события шины.
//
// Основные возможности:
//   - Подписка на точное имя события и на wildcard-шаблоны ("*", "call:*")
//   - Одноразовые подписчики (Once)
//   - Синхронная доставка в порядке регистрации обработчиков
//   - Ожидание следующего события (WaitFor) с таймаутом через context
//   - Изоляция паники обработчика: один упавший обработчик не прерывает
//     доставку остальным
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Handler обработчик события. Получает имя события и его payload.
// Payload всегда является копией данных (plain data), не ссылкой на
// изменяемое внутреннее состояние компонента-издателя.
type Handler func(event string, payload interface{})

// ErrorHandler вызывается при панике внутри обработчика события.
// Шина не пробрасывает панику издателю.
type ErrorHandler func(event string, recovered interface{})

// ErrWaitTimeout возвращается из WaitForTimeout при истечении таймаута.
var ErrWaitTimeout = &WaitTimeoutError{}

// WaitTimeoutError ошибка ожидания события.
type WaitTimeoutError struct {
	Event   string
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	if e.Event == "" {
		return "eventbus: wait timeout"
	}
	return "eventbus: timeout waiting for event " + e.Event
}

// Is позволяет сравнивать через errors.Is(err, ErrWaitTimeout).
func (e *WaitTimeoutError) Is(target error) bool {
	_, ok := target.(*WaitTimeoutError)
	return ok
}

// subscription одна регистрация обработчика.
type subscription struct {
	id      uint64
	pattern string
	handler Handler
	once    bool
}

// Subscription токен подписки, позволяет отписать конкретный обработчик.
type Subscription struct {
	bus     *Bus
	id      uint64
	pattern string
}

// Cancel отписывает обработчик. Повторный вызов безопасен.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.cancel(s.pattern, s.id)
	s.bus = nil
}

// Bus реализация шины событий.
//
// Все операции потокобезопасны. Emit доставляет события синхронно:
// к моменту возврата все текущие обработчики уже вызваны.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string][]*subscription // точные имена событий
	wildcards []*subscription            // шаблоны "*" и "prefix:*"
	nextID    uint64
	destroyed bool
	onError   ErrorHandler
}

// Option опция конфигурации шины.
type Option func(*Bus)

// WithErrorHandler задает обработчик паник внутри подписчиков.
func WithErrorHandler(h ErrorHandler) Option {
	return func(b *Bus) { b.onError = h }
}

// New создает новую шину событий.
func New(opts ...Option) *Bus {
	b := &Bus{
		exact: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// isWildcard проверяет, является ли имя шаблоном.
func isWildcard(pattern string) bool {
	return pattern == "*" || strings.HasSuffix(pattern, ":*")
}

// matches проверяет соответствие имени события шаблону.
func matches(pattern, event string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(event, prefix)
	}
	return pattern == event
}

// On регистрирует обработчик для события или wildcard-шаблона.
// Возвращает токен подписки для точечной отписки.
func (b *Bus) On(event string, handler Handler) *Subscription {
	return b.subscribe(event, handler, false)
}

// Once регистрирует одноразовый обработчик: после первой доставки
// подписка снимается автоматически.
func (b *Bus) Once(event string, handler Handler) *Subscription {
	return b.subscribe(event, handler, true)
}

func (b *Bus) subscribe(event string, handler Handler, once bool) *Subscription {
	if handler == nil {
		return &Subscription{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return &Subscription{}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: event,
		handler: handler,
		once:    once,
	}
	if isWildcard(event) {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[event] = append(b.exact[event], sub)
	}
	return &Subscription{bus: b, id: sub.id, pattern: event}
}

// Off снимает все обработчики указанного события или шаблона.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isWildcard(event) {
		kept := b.wildcards[:0]
		for _, sub := range b.wildcards {
			if sub.pattern != event {
				kept = append(kept, sub)
			}
		}
		b.wildcards = kept
		return
	}
	delete(b.exact, event)
}

// cancel снимает одну подписку по идентификатору.
func (b *Bus) cancel(pattern string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isWildcard(pattern) {
		for i, sub := range b.wildcards {
			if sub.id == id {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.exact[pattern]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.exact, pattern)
			} else {
				b.exact[pattern] = subs
			}
			return
		}
	}
}

// Emit синхронно доставляет событие всем текущим обработчикам.
//
// Порядок доставки: сначала обработчики точного имени, затем wildcard,
// внутри каждой группы - в порядке регистрации. Обработчики, добавленные
// во время доставки, текущее событие не получают (снимок под блокировкой).
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}

	var targets []*subscription
	for _, sub := range b.exact[event] {
		targets = append(targets, sub)
	}
	for _, sub := range b.wildcards {
		if matches(sub.pattern, event) {
			targets = append(targets, sub)
		}
	}
	// Одноразовые подписки снимаем до вызова обработчиков, чтобы
	// рекурсивный Emit из обработчика не доставил событие дважды.
	for _, sub := range targets {
		if sub.once {
			b.removeLocked(sub)
		}
	}
	onError := b.onError
	b.mu.Unlock()

	for _, sub := range targets {
		b.invoke(sub.handler, event, payload, onError)
	}
}

// invoke вызывает обработчик с защитой от паники.
func (b *Bus) invoke(h Handler, event string, payload interface{}, onError ErrorHandler) {
	defer func() {
		if r := recover(); r != nil && onError != nil {
			onError(event, r)
		}
	}()
	h(event, payload)
}

// removeLocked удаляет подписку. Вызывается под b.mu.
func (b *Bus) removeLocked(target *subscription) {
	if isWildcard(target.pattern) {
		for i, sub := range b.wildcards {
			if sub.id == target.id {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.exact[target.pattern]
	for i, sub := range subs {
		if sub.id == target.id {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.exact, target.pattern)
			} else {
				b.exact[target.pattern] = subs
			}
			return
		}
	}
}

// WaitFor блокируется до следующей эмиссии события и возвращает его payload.
// Таймаут и отмена управляются переданным контекстом.
func (b *Bus) WaitFor(ctx context.Context, event string) (interface{}, error) {
	ch := make(chan interface{}, 1)
	sub := b.Once(event, func(_ string, payload interface{}) {
		ch <- payload
	})
	defer sub.Cancel()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForTimeout удобная обертка над WaitFor с явным таймаутом.
// При истечении таймаута возвращает *WaitTimeoutError.
func (b *Bus) WaitForTimeout(event string, timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload, err := b.WaitFor(ctx, event)
	if err != nil {
		return nil, &WaitTimeoutError{Event: event, Timeout: timeout}
	}
	return payload, nil
}

// ListenerCount возвращает количество обработчиков для события
// (включая wildcard-подписки, которым оно соответствует).
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.exact[event])
	for _, sub := range b.wildcards {
		if matches(sub.pattern, event) {
			n++
		}
	}
	return n
}

// TotalListenerCount возвращает суммарное количество подписок на шине.
// Используется тестами для контроля утечек слушателей.
func (b *Bus) TotalListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.wildcards)
	for _, subs := range b.exact {
		n += len(subs)
	}
	return n
}

// Destroy снимает все подписки и переводит шину в неактивное состояние.
// Последующие Emit и подписки игнорируются.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	b.exact = make(map[string][]*subscription)
	b.wildcards = nil
}
