// Package wire encodes and decodes the framed message set of PostgreSQL
// protocol v3. It builds directly on top of github.com/jackc/pgx/v5/pgproto3
// for the actual byte layout of each message, startup and password included;
// this package supplies the tag-to-type dispatch, thin constructors over
// pgproto3's encoders, and the driver-facing error representation.
package wire

// BackendTag is the single-byte discriminant that precedes every backend
// message. (The frontend's startup message is the only message on a
// connection that carries no tag.)
type BackendTag byte

const (
	TagAuthentication       BackendTag = 'R'
	TagBackendKeyData       BackendTag = 'K'
	TagParameterStatus      BackendTag = 'S'
	TagParseComplete        BackendTag = '1'
	TagParameterDescription BackendTag = 't'
	TagRowDescription       BackendTag = 'T'
	TagNoData               BackendTag = 'n'
	TagBindComplete         BackendTag = '2'
	TagDataRow              BackendTag = 'D'
	TagCommandComplete      BackendTag = 'C'
	TagEmptyQueryResponse   BackendTag = 'I'
	TagReadyForQuery        BackendTag = 'Z'
	TagErrorResponse        BackendTag = 'E'
	TagNoticeResponse       BackendTag = 'N'
	TagPortalSuspended      BackendTag = 's'
)

// DescribeKind selects whether a Describe message targets a prepared
// statement or a bound portal.
type DescribeKind byte

const (
	DescribeStatement DescribeKind = 'S'
	DescribePortal    DescribeKind = 'P'
)

// Authentication sub-message codes, as laid out on the wire inside the
// four-byte discriminant that follows the 'R' tag. pgproto3 does not export
// these, so we keep our own copy; they are fixed by the protocol.
const (
	authTypeOK        = 0
	authTypeCleartext = 3
	authTypeMD5       = 5
)
