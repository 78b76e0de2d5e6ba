package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError tags an error with the reason code sessions report when they
// close and metrics carry as the "reason" tag.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Reason)
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. The innermost reason wins: an error that already
// carries one is returned unchanged.
func Wrap(err error, reason ReasonCode) error {
	switch {
	case err == nil:
		return nil
	case HasAnyReason(err):
		return err
	default:
		return ReasonedError{Err: err, Reason: reason}
	}
}

// Wrapf formats a new error and tags it with reason.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the reason attached anywhere in err's chain, or
// ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

func HasAnyReason(err error) bool {
	var re ReasonedError
	return errors.As(err, &re)
}
