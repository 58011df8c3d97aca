package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/engine/enginetest"
)

// TestBackoffDelaySequence экспоненциальная задержка с потолком
func TestBackoffDelaySequence(t *testing.T) {
	r, _, _ := newTestRegistrar(t, testConfig())
	rf := NewRegistrationRefresher(r)
	defer rf.Destroy()

	// База 1s, потолок 30s: 1, 2, 4, 8, 16, 30, 30
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, rf.BackoffDelay(i+1), "неудача №%d", i+1)
	}

	// Нулевые и отрицательные значения трактуются как первая неудача
	assert.Equal(t, time.Second, rf.BackoffDelay(0))
}

// TestBackoffDelayCustomCap потолок срабатывает и для малых значений
func TestBackoffDelayCustomCap(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = 200 * time.Millisecond
	cfg.RetryMaxDelay = time.Second
	r, _, _ := newTestRegistrar(t, cfg)
	rf := NewRegistrationRefresher(r)
	defer rf.Destroy()

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, rf.BackoffDelay(i+1))
	}
}

// TestRefreshDelayFraction задержка продления сохраняет доли секунды:
// для expires=1 продление через 900ms, а не мгновенно
func TestRefreshDelayFraction(t *testing.T) {
	assert.Equal(t, 900*time.Millisecond, refreshDelay(1))
	assert.Equal(t, 1800*time.Millisecond, refreshDelay(2))
	assert.Equal(t, 540*time.Second, refreshDelay(600))
}

// refresherSetup подключенный и зарегистрированный registrar с политикой
// продления. Expires 1 секунда: продление через ~900ms.
func refresherSetup(t *testing.T, cfg Config) (*ConnectionRegistrar, *enginetest.MockEngine, *RegistrationRefresher) {
	t.Helper()
	r, eng, _ := newTestRegistrar(t, cfg)
	rf := NewRegistrationRefresher(r)
	t.Cleanup(rf.Destroy)

	connect(t, r, eng)
	register(t, r, eng, 1)
	return r, eng, rf
}

// TestAutoRefresh продление срабатывает на 90% времени жизни регистрации
func TestAutoRefresh(t *testing.T) {
	_, eng, _ := refresherSetup(t, testConfig())
	require.Equal(t, int32(1), eng.RegisterCalls.Load())

	// Продление не должно сработать заметно раньше 90%
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), eng.RegisterCalls.Load())

	require.Eventually(t, func() bool {
		return eng.RegisterCalls.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond, "продление не сработало")
}

// TestRetryBackoffAndExhaustion неудачные продления повторяются с
// экспоненциальной задержкой до исчерпания MaxRetries
func TestRetryBackoffAndExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = 30 * time.Millisecond
	cfg.RetryMaxDelay = 120 * time.Millisecond
	cfg.MaxRetries = 2
	r, eng, _ := refresherSetup(t, cfg)

	// Все последующие регистрации отклоняются движком
	eng.RegisterErr = errors.New("gateway unreachable")

	// 1 успех + продление + два повтора; третья неудача превышает
	// MaxRetries и останавливает повторы
	require.Eventually(t, func() bool {
		return eng.RegisterCalls.Load() == 4
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(4), eng.RegisterCalls.Load(), "повторы должны остановиться")
	assert.Equal(t, RegistrationFailed, r.RegistrationState())
	assert.Equal(t, 3, r.RetryCount())

	// Возобновление требует явного ResetRetries и новой регистрации
	eng.RegisterErr = nil
	r.ResetRetries()
	register(t, r, eng, 1)
	require.Equal(t, int32(5), eng.RegisterCalls.Load())

	require.Eventually(t, func() bool {
		return eng.RegisterCalls.Load() >= 6
	}, 2*time.Second, 20*time.Millisecond, "автопродление должно возобновиться")
}

// TestDirectRegisterFailureDoesNotRetry неудача регистрации, запрошенной
// вызывающим напрямую (без предшествующего успеха), повторов не порождает
func TestDirectRegisterFailureDoesNotRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = 20 * time.Millisecond
	r, eng, _ := newTestRegistrar(t, cfg)
	rf := NewRegistrationRefresher(r)
	t.Cleanup(rf.Destroy)
	connect(t, r, eng)

	eng.RegisterErr = errors.New("boom")
	require.Error(t, r.Register(context.Background(), nil))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), eng.RegisterCalls.Load())
}

// TestClearedOnUnregister снятие регистрации снимает таймер продления
func TestClearedOnUnregister(t *testing.T) {
	r, eng, _ := refresherSetup(t, testConfig())

	require.NoError(t, r.Unregister(context.Background()))

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), eng.RegisterCalls.Load(), "после unregister таймер не должен сработать")
}

// TestClearedOnDisconnect потеря соединения снимает таймер продления
func TestClearedOnDisconnect(t *testing.T) {
	_, eng, _ := refresherSetup(t, testConfig())

	eng.Fire(engine.RawDisconnected, engine.DisconnectedPayload{Cause: "transport error"})

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), eng.RegisterCalls.Load())
}

// TestRefresherDestroy уничтожение политики снимает таймеры и подписки
func TestRefresherDestroy(t *testing.T) {
	r, eng, rf := refresherSetup(t, testConfig())
	before := r.Bus().TotalListenerCount()

	rf.Destroy()

	assert.Equal(t, before-5, r.Bus().TotalListenerCount(), "пять подписок политики должны сняться")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), eng.RegisterCalls.Load())
}
