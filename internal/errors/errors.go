package errors

import "fmt"

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrMedicationNotFound = &AppError{Code: "SCHED_001", Message: "medication not found"}
	ErrEmptyCalendar      = &AppError{Code: "SCHED_002", Message: "no dose instances in calendar"}

	ErrClaimConflict   = &AppError{Code: "DISP_001", Message: "dispatch already claimed"}
	ErrDeliveryFailure = &AppError{Code: "DISP_002", Message: "reminder delivery failed"}

	ErrSyncFailure   = &AppError{Code: "SYNC_001", Message: "medication sync failed"}
	ErrStaleCalendar = &AppError{Code: "SYNC_002", Message: "calendar snapshot is stale"}

	ErrOrphanedEvent = &AppError{Code: "ADHER_001", Message: "adherence event matches no dose"}
	ErrEventExists   = &AppError{Code: "ADHER_002", Message: "adherence event already recorded"}

	ErrChannelNotConfigured = &AppError{Code: "NOTIFY_001", Message: "channel not configured"}
	ErrChannelUnavailable   = &AppError{Code: "NOTIFY_002", Message: "channel unavailable"}
	ErrNoCaretaker          = &AppError{Code: "NOTIFY_003", Message: "no caretaker assigned"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}
	ErrForbidden    = &AppError{Code: "AUTH_002", Message: "forbidden"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
