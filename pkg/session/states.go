// Package session реализует клиентское ядро управления сессиями реального
// времени: жизненный цикл соединения с сигнальным движком, жизненный цикл
// регистрации с автопродлением и пер-вызовную state machine.
//
// Компоненты ядра:
//   - ConnectionRegistrar - владеет движком, state machine соединения
//     и регистрации
//   - RegistrationRefresher - политика автопродления регистрации и
//     повторов с экспоненциальной задержкой
//   - CallSession - state machine одного вызова и операции управления им
//
// Все компоненты общаются между собой и с внешними потребителями только
// через шину событий (pkg/eventbus); события несут копии данных, а не
// ссылки на изменяемое состояние.
package session

// ConnectionState состояние соединения с сигнальным движком.
// Единственный владелец - ConnectionRegistrar.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFailed       ConnectionState = "connection_failed"
)

// RegistrationState состояние регистрации.
// Операции регистрации валидны только при ConnectionConnected.
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "registration_failed"
)

// CallState состояние одного вызова.
//
// Граф переходов:
//
//	idle -> ringing (входящий) | calling (исходящий)
//	ringing/calling -> early_media -> active
//	ringing -> answering -> active
//	active <-> held | remote_held
//	любое нетерминальное -> terminating -> terminated | failed
//
// terminated и failed терминальны и неизменяемы.
type CallState string

const (
	CallIdle        CallState = "idle"
	CallRinging     CallState = "ringing"
	CallCalling     CallState = "calling"
	CallEarlyMedia  CallState = "early_media"
	CallAnswering   CallState = "answering"
	CallActive      CallState = "active"
	CallHeld        CallState = "held"
	CallRemoteHeld  CallState = "remote_held"
	CallTerminating CallState = "terminating"
	CallTerminated  CallState = "terminated"
	CallFailed      CallState = "failed"
)

// IsTerminal сообщает, является ли состояние терминальным.
func (s CallState) IsTerminal() bool {
	return s == CallTerminated || s == CallFailed
}
