package wire

import (
	"github.com/jackc/pgx/v5/pgproto3"
)

// ProtocolVersion is the v3 startup protocol number, 3.0 encoded as
// (major<<16 | minor).
const ProtocolVersion uint32 = 0x0003_0000

// EncodeStartup builds the startup message body. It carries no leading tag
// byte, per protocol; pgproto3.StartupMessage.Encode already honours that.
func EncodeStartup(user, database string, extra map[string]string) []byte {
	params := map[string]string{"user": user}
	if database != "" {
		params["database"] = database
	}
	for k, v := range extra {
		params[k] = v
	}
	msg := &pgproto3.StartupMessage{ProtocolVersion: ProtocolVersion, Parameters: params}
	b, _ := msg.Encode(nil)
	return b
}

// EncodePassword frames a cleartext or already-hashed password response.
func EncodePassword(password string) []byte {
	msg := &pgproto3.PasswordMessage{Password: password}
	b, _ := msg.Encode(nil)
	return b
}

// EncodeParse frames a Parse message for the unnamed statement (name == "").
func EncodeParse(name, query string, paramOIDHints []uint32) []byte {
	msg := &pgproto3.Parse{Name: name, Query: query, ParameterOIDs: paramOIDHints}
	b, _ := msg.Encode(nil)
	return b
}

// EncodeDescribe frames a Describe message for a statement or a portal.
func EncodeDescribe(kind DescribeKind, name string) []byte {
	msg := &pgproto3.Describe{ObjectType: byte(kind), Name: name}
	b, _ := msg.Encode(nil)
	return b
}

// BindParameter is a single positional parameter value plus the wire
// format it was encoded in. Bytes == nil encodes SQL NULL.
type BindParameter struct {
	Format int16
	Bytes  []byte
}

// EncodeBind frames a Bind message binding the unnamed statement to the
// unnamed portal (both names == "" in this core, since prepared-statement
// naming and portal reuse are out of scope).
func EncodeBind(portal, statement string, params []BindParameter, resultFormats []int16) []byte {
	formats := make([]int16, len(params))
	values := make([][]byte, len(params))
	for i, p := range params {
		formats[i] = p.Format
		values[i] = p.Bytes
	}
	msg := &pgproto3.Bind{
		DestinationPortal:    portal,
		PreparedStatement:    statement,
		ParameterFormatCodes: formats,
		Parameters:           values,
		ResultFormatCodes:    resultFormats,
	}
	b, _ := msg.Encode(nil)
	return b
}

// EncodeExecute frames an Execute message. This core always passes
// maxRows == 0 (materialize-all); PortalSuspended is never produced.
func EncodeExecute(portal string, maxRows uint32) []byte {
	msg := &pgproto3.Execute{Portal: portal, MaxRows: maxRows}
	b, _ := msg.Encode(nil)
	return b
}

// EncodeSync frames a Sync message, the boundary after which the server
// issues ReadyForQuery.
func EncodeSync() []byte {
	b, _ := (&pgproto3.Sync{}).Encode(nil)
	return b
}

// EncodeTerminate frames a graceful Terminate message.
func EncodeTerminate() []byte {
	b, _ := (&pgproto3.Terminate{}).Encode(nil)
	return b
}
