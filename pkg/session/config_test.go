package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigValidate проверка обязательных полей до обращения к движку
func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"пустой endpoint", func(c *Config) { c.WSEndpoint = "" }},
		{"endpoint без схемы ws", func(c *Config) { c.WSEndpoint = "https://gw.example.com" }},
		{"пустой URI", func(c *Config) { c.URI = "" }},
		{"URI без схемы sip", func(c *Config) { c.URI = "alice@example.com" }},
		{"пустой пароль", func(c *Config) { c.Password = "" }},
		{"отрицательный expires", func(c *Config) { c.Expires = -1 }},
		{"база повтора выше потолка", func(c *Config) {
			c.RetryBaseDelay = time.Minute
			c.RetryMaxDelay = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrorCodeConfiguration))
		})
	}
}

// TestApplyDefaults незаданные поля получают значения по умолчанию
func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, DefaultExpires, cfg.Expires)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultRetryBaseDelay, cfg.RetryBaseDelay)
	assert.Equal(t, DefaultRetryMaxDelay, cfg.RetryMaxDelay)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.NotNil(t, cfg.Logger)
}

// TestErrorChain типизированные ошибки поддерживают errors.Is/As
func TestErrorChain(t *testing.T) {
	inner := errors.New("socket closed")
	err := &Error{
		Code:    ErrorCodeEngineRejection,
		Message: "register",
		Wrapped: inner,
	}

	assert.True(t, IsCode(err, ErrorCodeEngineRejection))
	assert.False(t, IsCode(err, ErrorCodeNotConnected))
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "EngineRejection")
	assert.Contains(t, err.Error(), "socket closed")

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrorCodeEngineRejection, se.Code)
}

// TestErrorContext контекстные поля накапливаются
func TestErrorContext(t *testing.T) {
	err := NewNotConnectedError("register").WithContext("attempt", 2)
	assert.Equal(t, "register", err.Context["operation"])
	assert.Equal(t, 2, err.Context["attempt"])
}
