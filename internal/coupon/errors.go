package coupon

import "errors"

// Code is the closed set of coupon rejection codes.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeNotActive         Code = "NotActive"
	CodeExpired           Code = "Expired"
	CodeUsageLimitReached Code = "UsageLimitReached"
	CodeNotEligible       Code = "NotEligible"
	CodeAmountOutOfRange  Code = "AmountOutOfRange"
	CodeNotStackable      Code = "NotStackable"
	CodeLocked            Code = "Locked"
)

// Error is a rejection the buyer sees. errors.Is matches on Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func reject(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrNotActive         = &Error{Code: CodeNotActive}
	ErrExpired           = &Error{Code: CodeExpired}
	ErrUsageLimitReached = &Error{Code: CodeUsageLimitReached}
	ErrNotEligible       = &Error{Code: CodeNotEligible}
	ErrAmountOutOfRange  = &Error{Code: CodeAmountOutOfRange}
	ErrNotStackable      = &Error{Code: CodeNotStackable}
	ErrLocked            = &Error{Code: CodeLocked}

	ErrDuplicateCode   = errors.New("coupon code already exists")
	ErrVersionConflict = errors.New("coupon was modified concurrently")
)

// NotFound is the rejection for an unknown code.
func NotFound() *Error {
	return reject(CodeNotFound, "coupon code not found")
}
