package session

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Константы таймингов по умолчанию.
const (
	// DefaultConnectTimeout бюджет установления соединения.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRegisterTimeout бюджет подтверждения регистрации.
	// Отдельный от таймаута соединения.
	DefaultRegisterTimeout = 10 * time.Second

	// DefaultExpires запрашиваемое время жизни регистрации.
	DefaultExpires = 600

	// DefaultUnregisterGrace окно ожидания best-effort снятия
	// регистрации при disconnect.
	DefaultUnregisterGrace = 2 * time.Second

	// DefaultRetryBaseDelay базовая задержка повтора регистрации.
	DefaultRetryBaseDelay = 1 * time.Second

	// DefaultRetryMaxDelay потолок экспоненциальной задержки.
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultMaxRetries максимум последовательных повторов регистрации.
	DefaultMaxRetries = 5

	// DefaultDTMFDuration длительность DTMF тона по умолчанию.
	DefaultDTMFDuration = 100 * time.Millisecond

	// refreshFraction доля expires, после которой срабатывает
	// автопродление регистрации.
	refreshFraction = 0.9
)

// Config конфигурация ядра сессий.
type Config struct {
	// WSEndpoint адрес сигнального WebSocket-шлюза (wss://...).
	// Обязательное поле.
	WSEndpoint string

	// URI адрес локальной стороны (sip:user@domain). Обязательное поле.
	URI string

	// Password пароль для аутентификации регистрации. Обязательное поле.
	Password string

	// DisplayName отображаемое имя локальной стороны.
	DisplayName string

	// Expires запрашиваемое время жизни регистрации в секундах.
	Expires int

	// ConnectTimeout бюджет установления соединения.
	ConnectTimeout time.Duration

	// RegisterTimeout бюджет подтверждения регистрации.
	RegisterTimeout time.Duration

	// UnregisterGrace окно best-effort снятия регистрации при disconnect.
	UnregisterGrace time.Duration

	// RetryBaseDelay базовая задержка экспоненциального повтора.
	RetryBaseDelay time.Duration

	// RetryMaxDelay потолок задержки повтора.
	RetryMaxDelay time.Duration

	// MaxRetries максимум последовательных неудачных повторов, после
	// которого регистрация считается окончательно неуспешной.
	MaxRetries int

	// DTMFDuration длительность DTMF тона, если не указана при отправке.
	DTMFDuration time.Duration

	// Logger структурированный логгер. Если nil, логирование отключено.
	Logger StructuredLogger

	// MetricsRegisterer реестр prometheus-метрик.
	// Если nil, метрики не собираются.
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию.
// Обязательные поля (WSEndpoint, URI, Password) остаются пустыми.
func DefaultConfig() Config {
	return Config{
		Expires:         DefaultExpires,
		ConnectTimeout:  DefaultConnectTimeout,
		RegisterTimeout: DefaultRegisterTimeout,
		UnregisterGrace: DefaultUnregisterGrace,
		RetryBaseDelay:  DefaultRetryBaseDelay,
		RetryMaxDelay:   DefaultRetryMaxDelay,
		MaxRetries:      DefaultMaxRetries,
		DTMFDuration:    DefaultDTMFDuration,
	}
}

// applyDefaults заполняет незаданные поля значениями по умолчанию.
func (c *Config) applyDefaults() {
	if c.Expires == 0 {
		c.Expires = DefaultExpires
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.UnregisterGrace == 0 {
		c.UnregisterGrace = DefaultUnregisterGrace
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DTMFDuration == 0 {
		c.DTMFDuration = DefaultDTMFDuration
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
}

// Validate проверяет обязательные поля конфигурации.
// Возвращает ошибку с кодом ErrorCodeConfiguration при первом нарушении.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WSEndpoint) == "" {
		return NewConfigurationError("WSEndpoint", "обязателен")
	}
	if !strings.HasPrefix(c.WSEndpoint, "ws://") && !strings.HasPrefix(c.WSEndpoint, "wss://") {
		return NewConfigurationError("WSEndpoint", "должен начинаться с ws:// или wss://")
	}
	if strings.TrimSpace(c.URI) == "" {
		return NewConfigurationError("URI", "обязателен")
	}
	if !strings.HasPrefix(c.URI, "sip:") && !strings.HasPrefix(c.URI, "sips:") {
		return NewConfigurationError("URI", "должен быть sip: или sips: адресом")
	}
	if c.Password == "" {
		return NewConfigurationError("Password", "обязателен")
	}
	if c.Expires < 0 {
		return NewConfigurationError("Expires", "не может быть отрицательным")
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return NewConfigurationError("RetryBaseDelay", "не может превышать RetryMaxDelay")
	}
	return nil
}
