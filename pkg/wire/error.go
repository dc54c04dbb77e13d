package wire

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Severity mirrors the values PostgreSQL places in the 'S' field of an
// ErrorResponse or NoticeResponse.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityFatal Severity = "FATAL"
	SeverityPanic Severity = "PANIC"

	SeverityWarning Severity = "WARNING"
	SeverityNotice  Severity = "NOTICE"
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityLog     Severity = "LOG"
)

// Err is a driver-raised error. ServerFields is populated when the error
// originates from the server's own ErrorResponse; it is nil for
// transport/protocol errors raised locally.
type Err struct {
	Severity     Severity
	Code         string
	Message      string
	ServerFields map[byte]string
	Cause        error
}

var _ error = (*Err)(nil)

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.Cause
}

// NewTransportErr wraps a socket-level failure (connect, send, read, or an
// unexpected close) as a fatal driver error.
func NewTransportErr(cause error) *Err {
	return &Err{Severity: SeverityFatal, Code: pgerrcode.ConnectionException, Message: "transport error", Cause: cause}
}

// NewProtocolErr wraps a framing or phase-admission violation detected by
// the driver itself, never by the server.
func NewProtocolErr(message string, cause error) *Err {
	return &Err{Severity: SeverityFatal, Code: pgerrcode.ProtocolViolation, Message: message, Cause: cause}
}

// NewEncodeDecodeErr wraps a value-coder failure. Non-fatal: the session is
// expected to keep consuming server messages until ReadyForQuery.
func NewEncodeDecodeErr(message string) *Err {
	return &Err{Severity: SeverityError, Code: pgerrcode.InvalidParameterValue, Message: message}
}

// FromErrorResponse converts a server ErrorResponse into an Err, retaining
// the full field-code map for callers who need it.
func FromErrorResponse(resp *pgproto3.ErrorResponse) *Err {
	return &Err{
		Severity:     Severity(resp.Severity),
		Code:         resp.Code,
		Message:      resp.Message,
		ServerFields: FieldMap(resp),
	}
}

// FieldMap flattens an ErrorResponse's named fields back into the
// single-byte-field-code representation the wire protocol itself uses.
func FieldMap(resp *pgproto3.ErrorResponse) map[byte]string {
	m := make(map[byte]string, len(resp.UnknownFields)+16)
	setIfNotEmpty(m, 'S', resp.Severity)
	setIfNotEmpty(m, 'V', resp.SeverityUnlocalized)
	setIfNotEmpty(m, 'C', resp.Code)
	setIfNotEmpty(m, 'M', resp.Message)
	setIfNotEmpty(m, 'D', resp.Detail)
	setIfNotEmpty(m, 'H', resp.Hint)
	if resp.Position != 0 {
		m['P'] = strconv.Itoa(int(resp.Position))
	}
	if resp.InternalPosition != 0 {
		m['p'] = strconv.Itoa(int(resp.InternalPosition))
	}
	setIfNotEmpty(m, 'q', resp.InternalQuery)
	setIfNotEmpty(m, 'W', resp.Where)
	setIfNotEmpty(m, 's', resp.SchemaName)
	setIfNotEmpty(m, 't', resp.TableName)
	setIfNotEmpty(m, 'c', resp.ColumnName)
	setIfNotEmpty(m, 'd', resp.DataTypeName)
	setIfNotEmpty(m, 'n', resp.ConstraintName)
	setIfNotEmpty(m, 'F', resp.File)
	if resp.Line != 0 {
		m['L'] = strconv.Itoa(int(resp.Line))
	}
	setIfNotEmpty(m, 'R', resp.Routine)
	for code, val := range resp.UnknownFields {
		m[code] = val
	}
	return m
}

// NoticeFieldMap is the NoticeResponse analogue of FieldMap; NoticeResponse
// shares ErrorResponse's field layout on the wire.
func NoticeFieldMap(notice *pgproto3.NoticeResponse) map[byte]string {
	return FieldMap((*pgproto3.ErrorResponse)(notice))
}

func setIfNotEmpty(m map[byte]string, code byte, val string) {
	if val != "" {
		m[code] = val
	}
}
