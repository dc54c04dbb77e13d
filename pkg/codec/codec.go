// Package codec converts between native host values and the wire formats
// PostgreSQL expects for query parameters and row fields, honouring the
// caller's optional override hooks.
package codec

import (
	"fmt"
	"reflect"

	"github.com/pgflight/pgflight/pkg/catalog"
	"github.com/pgflight/pgflight/pkg/wire"
)

// Format is the per-value wire format negotiated with the server.
type Format int16

const (
	FormatText   Format = 0
	FormatBinary Format = 1
)

// DefaultEncodeFunc is the registry-only encode step that an EncoderHook
// may fall back to.
type DefaultEncodeFunc func(value any) ([]byte, bool, error)

// DefaultDecodeFunc is the registry-only decode step that a DecoderHook
// may fall back to.
type DefaultDecodeFunc func(data []byte) (any, error)

// EncoderHook lets a caller override parameter encoding for any type.
type EncoderHook func(typeName, sender string, oid uint32, defaultEncode DefaultEncodeFunc, value any) ([]byte, error)

// DecoderHook lets a caller override row-field decoding for any type.
type DecoderHook func(typeName, sender string, oid uint32, defaultDecode DefaultDecodeFunc, data []byte) (any, error)

// DecodeFormatterHook lets a caller override the result format requested
// for a given column.
type DecodeFormatterHook func(typeName, sender string, oid uint32) Format

// Hooks bundles the three caller-supplied behavioral overrides. They are
// an explicit strategy object passed through at connect time, never
// runtime-patched onto the coder.
type Hooks struct {
	Encoder         EncoderHook
	Decoder         DecoderHook
	DecodeFormatter DecodeFormatterHook
}

// Coder implements the value-coding rules of the protocol engine's
// parameter-encoding and row-decoding steps.
type Coder struct {
	Types catalog.Types
	Hooks Hooks
}

// NewCoder builds a Coder over the given type registry and hook set.
func NewCoder(types catalog.Types, hooks Hooks) *Coder {
	return &Coder{Types: types, Hooks: hooks}
}

// EncodeParams encodes the caller-supplied parameter values against the
// positional OIDs recorded from ParameterDescription, in caller order.
func (c *Coder) EncodeParams(oids []uint32, params []any) ([]wire.BindParameter, error) {
	out := make([]wire.BindParameter, len(params))
	for i, param := range params {
		var oid uint32
		if i < len(oids) {
			oid = oids[i]
		}
		bound, err := c.encodeOne(oid, param)
		if err != nil {
			return nil, err
		}
		out[i] = bound
	}
	return out, nil
}

func (c *Coder) encodeOne(oid uint32, param any) (wire.BindParameter, error) {
	if isNullEquivalent(param) {
		return wire.BindParameter{Format: int16(FormatBinary), Bytes: nil}, nil
	}

	typeName, sender, _ := c.Types.OIDToType(oid)

	defaultEncode := func(value any) ([]byte, bool, error) {
		if !c.Types.CanDecode(oid) {
			return nil, false, nil
		}
		bytes, err := c.Types.Encode(sender, value, oid)
		if err != nil {
			return nil, false, err
		}
		if bytes == nil {
			return nil, false, nil
		}
		return bytes, true, nil
	}

	if c.Hooks.Encoder != nil {
		bytes, err := c.Hooks.Encoder(typeName, sender, oid, defaultEncode, param)
		if err != nil {
			return wire.BindParameter{}, err
		}
		return wire.BindParameter{Format: int16(FormatBinary), Bytes: bytes}, nil
	}

	if c.Types.CanDecode(oid) {
		bytes, err := c.Types.Encode(sender, param, oid)
		if err != nil {
			return wire.BindParameter{}, err
		}
		if bytes != nil {
			return wire.BindParameter{Format: int16(FormatBinary), Bytes: bytes}, nil
		}
	}

	if raw, ok := param.([]byte); ok {
		return wire.BindParameter{Format: int16(FormatText), Bytes: raw}, nil
	}

	return wire.BindParameter{}, fmt.Errorf("unable to encode value %v as type %s", param, typeName)
}

// ColumnInfo is the per-column information the engine captured at Describe
// time: the column's declared type, its sender, and whether the registry
// can decode it.
type ColumnInfo struct {
	OID       uint32
	TypeName  string
	Sender    string
	CanDecode bool
}

// Field is one raw row value; Null is true when the wire length was -1.
type Field struct {
	Null  bool
	Bytes []byte
}

// DecodeRow decodes one row's positional fields against the statement's
// captured column info.
func (c *Coder) DecodeRow(columns []ColumnInfo, fields []Field) ([]any, error) {
	values := make([]any, len(fields))
	for i, field := range fields {
		var col ColumnInfo
		if i < len(columns) {
			col = columns[i]
		}
		val, err := c.decodeOne(col, field)
		if err != nil {
			return nil, err
		}
		values[i] = val
	}
	return values, nil
}

func (c *Coder) decodeOne(col ColumnInfo, field Field) (any, error) {
	if field.Null {
		return nil, nil
	}

	defaultDecode := func(data []byte) (any, error) {
		if !col.CanDecode {
			return data, nil
		}
		return c.Types.Decode(col.Sender, data)
	}

	if c.Hooks.Decoder != nil {
		return c.Hooks.Decoder(col.TypeName, col.Sender, col.OID, defaultDecode, field.Bytes)
	}

	if col.CanDecode {
		return c.Types.Decode(col.Sender, field.Bytes)
	}
	return field.Bytes, nil
}

// ResultFormats negotiates the per-column result format to request in the
// Bind message's result_formats list, honouring any decode_formatter hook.
func (c *Coder) ResultFormats(columns []ColumnInfo) []int16 {
	formats := make([]int16, len(columns))
	for i, col := range columns {
		format := FormatText
		if col.CanDecode {
			format = FormatBinary
		}
		if c.Hooks.DecodeFormatter != nil {
			format = c.Hooks.DecodeFormatter(col.TypeName, col.Sender, col.OID)
		}
		formats[i] = int16(format)
	}
	return formats
}

func isNullEquivalent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
