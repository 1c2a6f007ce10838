package apperror

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
)

// Code is the closed set of application error codes. Codes are persisted
// alongside failed ledger entries and idempotency keys, so existing values
// must never be renamed.
type Code string

const (
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeInvalidPayload      Code = "INVALID_PAYLOAD"
	CodeValidation          Code = "VALIDATION"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// MaxMessageLength bounds messages that are persisted for unclassified errors.
const MaxMessageLength = 500

// Valid reports whether c is one of the known codes.
func (c Code) Valid() bool {
	switch c {
	case CodeInvalidSignature, CodeInvalidPayload, CodeValidation, CodeUnauthorized,
		CodeNotFound, CodeConflict, CodeRateLimited, CodeProviderUnavailable, CodeInternal:
		return true
	}
	return false
}

// Error is the structured application error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, apperror.Conflict)
// style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	InvalidSignature = &Error{Code: CodeInvalidSignature}
	InvalidPayload   = &Error{Code: CodeInvalidPayload}
	Validation       = &Error{Code: CodeValidation}
	NotFound         = &Error{Code: CodeNotFound}
	Conflict         = &Error{Code: CodeConflict}
	Internal         = &Error{Code: CodeInternal}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the application code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e.Code.Valid() {
		return e.Code
	}
	return CodeInternal
}

// Record is the persisted {code, message} form of an error.
type Record struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// RecordOf normalizes err for storage. Application codes and messages are kept
// as they are; anything else becomes INTERNAL with a truncated message.
func RecordOf(err error) Record {
	var e *Error
	if errors.As(err, &e) && e.Code.Valid() {
		msg := e.Message
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return Record{Code: e.Code, Message: Truncate(msg, MaxMessageLength)}
	}
	if err == nil {
		return Record{Code: CodeInternal, Message: "unknown error"}
	}
	return Record{Code: CodeInternal, Message: Truncate(err.Error(), MaxMessageLength)}
}

// Err rebuilds an *Error from a stored record.
func (r Record) Err() *Error {
	code := r.Code
	if !code.Valid() {
		code = CodeInternal
	}
	return &Error{Code: code, Message: r.Message}
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// HTTPStatus maps a code to the status returned at the HTTP boundary.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidSignature, CodeInvalidPayload, CodeValidation:
		return fiber.StatusBadRequest
	case CodeUnauthorized:
		return fiber.StatusUnauthorized
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeConflict:
		return fiber.StatusConflict
	case CodeRateLimited:
		return fiber.StatusTooManyRequests
	case CodeProviderUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to external callers. Internal
// errors never leak their underlying text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code.Valid() && e.Code != CodeInternal && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
