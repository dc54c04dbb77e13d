package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// DecodeBackend turns a raw frame body (the bytes following tag and length)
// into the concrete pgproto3 backend message named by tag. It fails with a
// protocol error on truncation or an unrecognized discriminant.
func DecodeBackend(tag byte, body []byte) (pgproto3.BackendMessage, error) {
	var msg pgproto3.BackendMessage

	switch BackendTag(tag) {
	case TagAuthentication:
		sub, err := decodeAuthentication(body)
		if err != nil {
			return nil, err
		}
		msg = sub
	case TagBackendKeyData:
		msg = &pgproto3.BackendKeyData{}
	case TagParameterStatus:
		msg = &pgproto3.ParameterStatus{}
	case TagParseComplete:
		msg = &pgproto3.ParseComplete{}
	case TagParameterDescription:
		msg = &pgproto3.ParameterDescription{}
	case TagRowDescription:
		msg = &pgproto3.RowDescription{}
	case TagNoData:
		msg = &pgproto3.NoData{}
	case TagBindComplete:
		msg = &pgproto3.BindComplete{}
	case TagDataRow:
		msg = &pgproto3.DataRow{}
	case TagCommandComplete:
		msg = &pgproto3.CommandComplete{}
	case TagEmptyQueryResponse:
		msg = &pgproto3.EmptyQueryResponse{}
	case TagReadyForQuery:
		msg = &pgproto3.ReadyForQuery{}
	case TagErrorResponse:
		msg = &pgproto3.ErrorResponse{}
	case TagNoticeResponse:
		msg = &pgproto3.NoticeResponse{}
	case TagPortalSuspended:
		msg = &pgproto3.PortalSuspended{}
	default:
		return nil, fmt.Errorf("wire: unknown backend message tag %q", rune(tag))
	}

	if err := msg.Decode(body); err != nil {
		return nil, fmt.Errorf("wire: decode %T: %w", msg, err)
	}
	return msg, nil
}

func decodeAuthentication(body []byte) (pgproto3.BackendMessage, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("wire: truncated Authentication message")
	}

	switch binary.BigEndian.Uint32(body) {
	case authTypeOK:
		return &pgproto3.AuthenticationOk{}, nil
	case authTypeCleartext:
		return &pgproto3.AuthenticationCleartextPassword{}, nil
	case authTypeMD5:
		return &pgproto3.AuthenticationMD5Password{}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported authentication method (code %d)", binary.BigEndian.Uint32(body))
	}
}
