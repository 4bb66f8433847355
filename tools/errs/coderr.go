package errs

import (
	stderr "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error codes used across the gateway. The code travels inside error
// frames so the client can tell a validation failure from a store
// outage without string matching.
const (
	CodeAuth            = 401
	CodeInvalidMessage  = 1001
	CodePersistence     = 1002
	CodeTransport       = 1003
	CodeLivenessTimeout = 1004
)

var (
	ErrAuth            = NewCodeError(CodeAuth, "auth failed")
	ErrInvalidMessage  = NewCodeError(CodeInvalidMessage, "invalid message")
	ErrPersistence     = NewCodeError(CodePersistence, "persistence failed")
	ErrTransport       = NewCodeError(CodeTransport, "transport failed")
	ErrLivenessTimeout = NewCodeError(CodeLivenessTimeout, "liveness timeout")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a call stack.
func (e CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e CodeError) WrapMsg(msg string) error {
	out := e
	if msg != "" {
		if out.Detail == "" {
			out.Detail = msg
		} else {
			out.Detail += ", " + msg
		}
	}
	return errors.WithStack(out)
}

// Is matches by code, so WithDetail/WrapMsg copies still compare equal
// through errors.Is.
func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !stderr.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// CodeOf extracts the code from a wrapped CodeError, or 0.
func CodeOf(err error) int {
	var codeErr CodeError
	if stderr.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
