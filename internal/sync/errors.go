package sync

import "fmt"

// Kind classifies an error for retry decisions.
type Kind string

const (
	// KindTransient marks failures worth retrying: the replica is down, a
	// timeout fired, a write raced. Retried until the attempt ceiling.
	KindTransient Kind = "transient"

	// KindPermanent marks failures no retry can fix: unknown tables,
	// unparseable payloads. The item fails immediately.
	KindPermanent Kind = "permanent"
)

// Sentinel reasons carried on Error for decision points.
const (
	ReasonRecordNotFound     = "record-not-found"
	ReasonUnknownTable       = "unknown-table"
	ReasonPayloadInvalid     = "payload-invalid"
	ReasonReplicaUnavailable = "replica-unavailable"
	ReasonPrimaryUnavailable = "primary-unavailable"
)

// maxStoredErrorBytes caps the error text persisted into sync_queue
// last_error so one huge driver message cannot bloat the queue table.
const maxStoredErrorBytes = 500

// Error is a classified sync failure.
type Error struct {
	Err     error
	Message string
	Kind    Kind
	Reason  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying might succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindTransient
}

func transientError(reason string, err error, format string, args ...any) *Error {
	return &Error{
		Err:     err,
		Message: formatMessage(err, format, args...),
		Kind:    KindTransient,
		Reason:  reason,
	}
}

func permanentError(reason string, err error, format string, args ...any) *Error {
	return &Error{
		Err:     err,
		Message: formatMessage(err, format, args...),
		Kind:    KindPermanent,
		Reason:  reason,
	}
}

// formatMessage folds the cause into the message so the stored queue error
// is readable without the wrapped chain.
func formatMessage(err error, format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return msg
}

// truncateError clips an error message for queue storage.
func truncateError(msg string) string {
	if len(msg) <= maxStoredErrorBytes {
		return msg
	}
	return msg[:maxStoredErrorBytes]
}
