package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode типизированный код ошибки ядра сессий.
// Позволяет классифицировать ошибки и выбирать политику обработки:
// конфигурационные ошибки не повторяются никогда, таймауты могут
// повторяться политикой, ошибки состояния всегда отдаются вызывающему.
type ErrorCode int

const (
	// ErrorCodeConfiguration невалидная конфигурация, fail fast.
	ErrorCodeConfiguration ErrorCode = iota + 100

	// ErrorCodeConnectionTimeout движок не подтвердил соединение в срок.
	ErrorCodeConnectionTimeout

	// ErrorCodeRegistrationTimeout движок не подтвердил регистрацию в срок.
	ErrorCodeRegistrationTimeout

	// ErrorCodeNotConnected операция требует активного соединения.
	ErrorCodeNotConnected

	// ErrorCodeInvalidState операция вызвана вне допустимого состояния.
	ErrorCodeInvalidState

	// ErrorCodeEngineRejection движок отказал с кодом причины.
	ErrorCodeEngineRejection

	// ErrorCodeNoPeerConnection статистика запрошена до установления медиа.
	ErrorCodeNoPeerConnection

	// ErrorCodeDestroyed компонент уже уничтожен.
	ErrorCodeDestroyed
)

// String возвращает строковое представление кода.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConfiguration:
		return "Configuration"
	case ErrorCodeConnectionTimeout:
		return "ConnectionTimeout"
	case ErrorCodeRegistrationTimeout:
		return "RegistrationTimeout"
	case ErrorCodeNotConnected:
		return "NotConnected"
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeEngineRejection:
		return "EngineRejection"
	case ErrorCodeNoPeerConnection:
		return "NoPeerConnection"
	case ErrorCodeDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error ошибка ядра сессий с типизированным кодом и контекстом.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("session [%s]: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("session [%s]: %s", e.Code, e.Message)
}

// Unwrap поддержка errors.Is/errors.As для обернутых ошибок.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithContext добавляет контекстное поле к ошибке.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsCode проверяет, имеет ли ошибка (или любая в цепочке) указанный код.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewConfigurationError ошибка валидации конфигурации.
func NewConfigurationError(field, reason string) *Error {
	return &Error{
		Code:    ErrorCodeConfiguration,
		Message: fmt.Sprintf("невалидная конфигурация: %s %s", field, reason),
		Context: map[string]interface{}{"field": field},
	}
}

// NewConnectionTimeoutError таймаут установления соединения.
func NewConnectionTimeoutError(timeout time.Duration) *Error {
	return &Error{
		Code:    ErrorCodeConnectionTimeout,
		Message: fmt.Sprintf("соединение не установлено за %v", timeout),
		Context: map[string]interface{}{"timeout": timeout},
	}
}

// NewRegistrationTimeoutError таймаут регистрации.
func NewRegistrationTimeoutError(timeout time.Duration) *Error {
	return &Error{
		Code:    ErrorCodeRegistrationTimeout,
		Message: fmt.Sprintf("регистрация не подтверждена за %v", timeout),
		Context: map[string]interface{}{"timeout": timeout},
	}
}

// NewNotConnectedError операция вызвана без активного соединения.
func NewNotConnectedError(op string) *Error {
	return &Error{
		Code:    ErrorCodeNotConnected,
		Message: fmt.Sprintf("операция %s требует активного соединения", op),
		Context: map[string]interface{}{"operation": op},
	}
}

// NewInvalidStateError операция вызвана вне допустимого состояния.
func NewInvalidStateError(message string, state string) *Error {
	return &Error{
		Code:    ErrorCodeInvalidState,
		Message: message,
		Context: map[string]interface{}{"state": state},
	}
}

// NewEngineRejectionError движок отказал в выполнении операции.
func NewEngineRejectionError(op, cause string, statusCode int) *Error {
	return &Error{
		Code:    ErrorCodeEngineRejection,
		Message: fmt.Sprintf("движок отклонил %s: %s", op, cause),
		Context: map[string]interface{}{
			"operation":   op,
			"cause":       cause,
			"status_code": statusCode,
		},
	}
}

// NewNoPeerConnectionError медиа-транспорт еще не существует.
func NewNoPeerConnectionError(callID string) *Error {
	return &Error{
		Code:    ErrorCodeNoPeerConnection,
		Message: "статистика недоступна: медиа-транспорт не установлен",
		Context: map[string]interface{}{"call_id": callID},
	}
}

// NewDestroyedError компонент уже уничтожен.
func NewDestroyedError(component string) *Error {
	return &Error{
		Code:    ErrorCodeDestroyed,
		Message: fmt.Sprintf("%s уже уничтожен", component),
	}
}
