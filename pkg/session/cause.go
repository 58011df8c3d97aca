package session

import "strings"

// TerminationCause нормализованная причина завершения вызова.
// Свободнотекстовые и числовые причины движка отображаются в замкнутое
// множество; нераспознанные причины попадают в CauseOther (намеренный
// catch-all, сырая причина при этом логируется).
type TerminationCause string

const (
	CauseCanceled TerminationCause = "canceled"
	CauseRejected TerminationCause = "rejected"
	CauseNoAnswer TerminationCause = "no_answer"
	CauseBusy     TerminationCause = "busy"
	CauseBye      TerminationCause = "bye"
	CauseOther    TerminationCause = "other"
)

// mapTerminationCause нормализует причину движка.
//
// Сначала распознается текстовая причина, затем SIP-статус. Соответствие
// статусов: 486/600 busy, 408/480 no answer, 403/603 rejected,
// 487 canceled.
func mapTerminationCause(rawCause string, statusCode int) TerminationCause {
	cause := strings.ToLower(strings.TrimSpace(rawCause))

	switch {
	case cause == "bye" || strings.Contains(cause, "terminated by remote") || strings.Contains(cause, "normal clearing"):
		return CauseBye
	case strings.Contains(cause, "cancel"):
		return CauseCanceled
	case strings.Contains(cause, "busy"):
		return CauseBusy
	case strings.Contains(cause, "no answer") || strings.Contains(cause, "timeout") || strings.Contains(cause, "unavailable"):
		return CauseNoAnswer
	case strings.Contains(cause, "reject") || strings.Contains(cause, "decline") || strings.Contains(cause, "forbidden"):
		return CauseRejected
	}

	switch statusCode {
	case 486, 600:
		return CauseBusy
	case 408, 480:
		return CauseNoAnswer
	case 403, 603:
		return CauseRejected
	case 487:
		return CauseCanceled
	}

	return CauseOther
}
