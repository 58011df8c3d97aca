package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMapTerminationCause нормализация причин завершения вызова
func TestMapTerminationCause(t *testing.T) {
	tests := []struct {
		name       string
		rawCause   string
		statusCode int
		want       TerminationCause
	}{
		{"bye", "bye", 0, CauseBye},
		{"bye от движка", "Terminated by remote", 0, CauseBye},
		{"normal clearing", "Normal Clearing", 0, CauseBye},
		{"cancel текстом", "Request Cancelled", 0, CauseCanceled},
		{"busy текстом", "Busy Here", 486, CauseBusy},
		{"no answer текстом", "No Answer", 0, CauseNoAnswer},
		{"timeout текстом", "Request Timeout", 0, CauseNoAnswer},
		{"unavailable текстом", "Temporarily Unavailable", 0, CauseNoAnswer},
		{"decline текстом", "Decline", 0, CauseRejected},
		{"forbidden текстом", "Forbidden", 403, CauseRejected},
		{"486 по статусу", "", 486, CauseBusy},
		{"600 по статусу", "", 600, CauseBusy},
		{"408 по статусу", "", 408, CauseNoAnswer},
		{"480 по статусу", "", 480, CauseNoAnswer},
		{"403 по статусу", "", 403, CauseRejected},
		{"603 по статусу", "", 603, CauseRejected},
		{"487 по статусу", "", 487, CauseCanceled},
		{"текст важнее статуса", "busy everywhere", 403, CauseBusy},
		{"нераспознанная причина", "ICE failure", 0, CauseOther},
		{"нераспознанный статус", "", 500, CauseOther},
		{"пустая причина", "", 0, CauseOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapTerminationCause(tt.rawCause, tt.statusCode))
		})
	}
}
