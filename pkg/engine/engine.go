// Package engine implements the connection state machine and protocol
// engine: a single-threaded actor that drives the PostgreSQL extended-query
// sub-protocol from authentication through bootstrap to steady-state query
// execution. Engine methods are synchronous and are not safe to call
// concurrently from multiple goroutines; pkg/driver supplies the
// single-owner serialization around it.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgflight/pgflight/pkg/catalog"
	"github.com/pgflight/pgflight/pkg/codec"
	"github.com/pgflight/pgflight/pkg/reassemble"
	"github.com/pgflight/pgflight/pkg/wire"
)

// Options configures a single Connect call.
type Options struct {
	Hostname    string
	Port        uint16
	Username    string
	Database    string
	Password    string
	Parameters  map[string]string
	DialTimeout time.Duration
}

// statement is the per-query descriptor captured from Parse/Describe.
type statement struct {
	columns []string
	rowInfo []codec.ColumnInfo
}

// portal is the per-query descriptor captured from ParameterDescription.
type portal struct {
	paramOIDs []uint32
}

// backendKey identifies this session to the server for a future cancel
// request; the core never opens the cancel connection itself.
type backendKey struct {
	pid    int32
	secret int32
}

// CancelRequest returns the wire bytes of the CancelRequest message that a
// separate connection would send to interrupt this session's in-flight
// query. The core never opens that connection itself.
func (k backendKey) CancelRequest() []byte {
	msg := &pgproto3.CancelRequest{ProcessID: uint32(k.pid), SecretKey: uint32(k.secret)}
	b, _ := msg.Encode(nil)
	return b
}

// Engine is the protocol state machine for a single session.
type Engine struct {
	conn   net.Conn
	reader *reassemble.Reassembler
	log    *slog.Logger

	phase      Phase
	parameters map[string]string
	backendKey backendKey
	types      catalog.Types
	coder      *codec.Coder
	bootstrap  bool

	stmt   statement
	port   portal
	qoids  []uint32
	rows   [][]codec.Field

	transactions int

	readBuf [4096]byte
	pending []reassemble.Frame
}

// New constructs an Engine ready to Connect. types and coder are the value
// coder and its type-registry collaborator; they are typically
// catalog.NewRegistry() and codec.NewCoder(registry, hooks).
func New(types catalog.Types, coder *codec.Coder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		phase:      PhaseReady,
		parameters: make(map[string]string),
		types:      types,
		coder:      coder,
		reader:     &reassemble.Reassembler{},
		log:        log,
	}
}

// Phase reports the engine's current protocol phase.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Parameters returns a snapshot of the server-reported run-time parameters.
func (e *Engine) Parameters() map[string]string {
	out := make(map[string]string, len(e.parameters))
	for k, v := range e.parameters {
		out[k] = v
	}
	return out
}

// TransactionDepth returns the current nested-transaction counter.
func (e *Engine) TransactionDepth() int {
	return e.transactions
}

// Connect opens a TCP session, authenticates, and runs the type-registry
// bootstrap. It returns once the engine has reached PhaseReady for the
// first time, or with an error if authentication or bootstrap failed.
func (e *Engine) Connect(opts Options) error {
	if e.phase != PhaseReady {
		return wire.NewProtocolErr("connect is only valid before a session is established", nil)
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	addr := net.JoinHostPort(opts.Hostname, fmt.Sprintf("%d", opts.Port))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return wire.NewTransportErr(err)
	}
	e.conn = conn

	if err := e.writeBytes(wire.EncodeStartup(opts.Username, opts.Database, opts.Parameters)); err != nil {
		return err
	}
	e.phase = PhaseAuth
	e.log.Debug("sent startup message", "user", opts.Username, "database", opts.Database)

	authErr := e.runAuth(opts)
	if authErr != nil {
		e.terminateLocally()
		return authErr
	}

	// init phase: consume BackendKeyData/ParameterStatus until
	// ReadyForQuery, then kick off the type-registry bootstrap as the
	// first extended query.
	if err := e.runInit(); err != nil {
		e.terminateLocally()
		return err
	}

	_, err = e.runExtendedQuery(e.types.BootstrapQuery(), nil, true)
	if err != nil {
		e.terminateLocally()
		return err
	}
	return nil
}

func (e *Engine) runAuth(opts Options) error {
	for e.phase == PhaseAuth {
		msg, err := e.readMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			e.phase = PhaseInit
		case *pgproto3.AuthenticationCleartextPassword:
			if err := e.writeBytes(wire.EncodePassword(opts.Password)); err != nil {
				return err
			}
		case *pgproto3.AuthenticationMD5Password:
			response := wire.MD5Password(opts.Username, opts.Password, m.Salt)
			if err := e.writeBytes(wire.EncodePassword(response)); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return wire.FromErrorResponse(m)
		default:
			return wire.NewProtocolErr(fmt.Sprintf("unexpected message %T during auth", m), nil)
		}
	}
	return nil
}

func (e *Engine) runInit() error {
	for e.phase == PhaseInit {
		msg, err := e.readMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.BackendKeyData:
			e.backendKey = backendKey{pid: int32(m.ProcessID), secret: int32(m.SecretKey)}
		case *pgproto3.ParameterStatus:
			e.parameters[m.Name] = m.Value
		case *pgproto3.ReadyForQuery:
			// The literal transition table sends bootstrap's
			// Parse/Describe/Sync right here; runExtendedQuery
			// (called by Connect right after runInit returns)
			// does that send, so we only need to leave init.
			e.phase = PhaseReady
			return nil
		case *pgproto3.ErrorResponse:
			return wire.FromErrorResponse(m)
		default:
			return wire.NewProtocolErr(fmt.Sprintf("unexpected message %T during init", m), nil)
		}
	}
	return nil
}

// Query runs sql as an extended-query request with the given positional
// parameters and returns its result. Only valid when Phase() == PhaseReady.
func (e *Engine) Query(sql string, params []any) (*Result, error) {
	if e.phase != PhaseReady {
		return nil, wire.NewProtocolErr("query issued while the session is not ready", nil)
	}
	return e.runExtendedQuery(sql, params, false)
}

// runExtendedQuery drives one full Parse+Describe+Sync /
// Bind+Execute+Sync round trip and returns the accumulated result. When
// forBootstrap is true, the final CommandComplete installs the type
// registry instead of decoding rows for a caller.
func (e *Engine) runExtendedQuery(sql string, params []any, forBootstrap bool) (*Result, error) {
	e.bootstrap = forBootstrap
	e.stmt = statement{}
	e.port = portal{}
	e.qoids = nil
	e.rows = nil

	if err := e.writeBytes(wire.EncodeParse("", sql, nil)); err != nil {
		return nil, err
	}
	if err := e.writeBytes(wire.EncodeDescribe(wire.DescribeStatement, "")); err != nil {
		return nil, err
	}
	if err := e.writeBytes(wire.EncodeSync()); err != nil {
		return nil, err
	}
	e.phase = PhaseParsing

	var result *Result
	var pendingErr error

	for e.phase != PhaseReady {
		msg, err := e.readMessage()
		if err != nil {
			return nil, err
		}

		res, derr, err := e.dispatch(msg, params)
		if err != nil {
			return nil, err
		}
		if res != nil {
			result = res
		}
		// A reply is delivered exactly once per request: once an error
		// has been produced for this request, a later NoticeResponse or
		// ErrorResponse must not overwrite it.
		if derr != nil && pendingErr == nil {
			pendingErr = derr
		}
	}

	if pendingErr != nil {
		return nil, pendingErr
	}
	return result, nil
}

// dispatch applies one backend message against the current phase,
// following the engine's phase x message-type transition table. It
// returns a finished Result when one becomes available, or a non-fatal
// server/decode error to be delivered to the caller once ReadyForQuery is
// reached.
func (e *Engine) dispatch(msg pgproto3.BackendMessage, params []any) (*Result, error, error) {
	// "any"-phase messages, handled the same way in every phase and
	// before any phase-specific handler below sees them.
	switch m := msg.(type) {
	case *pgproto3.ParameterStatus:
		e.parameters[m.Name] = m.Value
		return nil, nil, nil
	case *pgproto3.NoticeResponse:
		e.log.Warn("server notice", "fields", wire.NoticeFieldMap(m))
		return nil, nil, nil
	case *pgproto3.PortalSuspended:
		// Dead in the current core (Execute always requests all rows),
		// accepted and ignored for forward compatibility.
		return nil, nil, nil
	}

	switch e.phase {
	case PhaseParsing:
		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
			e.phase = PhaseDescribing
			return nil, nil, nil
		case *pgproto3.ErrorResponse:
			e.phase = PhaseDraining
			return nil, wire.FromErrorResponse(m), nil
		}

	case PhaseDescribing:
		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
			// Literal state-machine quirk preserved from the design
			// notes: a second ParseComplete observed while already
			// describing also advances straight to Bind/Execute/Sync.
			// Unreachable on a real server with our single-batch
			// Parse+Describe+Sync framing, kept for table fidelity.
			encErr, err := e.sendBindExecuteSync(params)
			if err != nil {
				return nil, nil, err
			}
			if encErr != nil {
				e.phase = PhaseDraining
				return nil, encErr, nil
			}
			return nil, nil, nil
		case *pgproto3.ParameterDescription:
			e.port.paramOIDs = append([]uint32(nil), m.ParameterOIDs...)
			e.qoids = e.port.paramOIDs
			return nil, nil, nil
		case *pgproto3.RowDescription:
			e.stmt = buildStatement(e.types, m)
			encErr, err := e.sendBindExecuteSync(params)
			if err != nil {
				return nil, nil, err
			}
			if encErr != nil {
				// No bytes were sent for Bind/Execute/Sync, so the
				// server's ReadyForQuery for the already-sent
				// Parse/Describe/Sync batch is still incoming; keep
				// draining for it instead of returning now.
				e.phase = PhaseDraining
				return nil, encErr, nil
			}
			return nil, nil, nil
		case *pgproto3.NoData:
			return nil, nil, nil
		case *pgproto3.ReadyForQuery:
			if e.stmt.rowInfo == nil {
				// NoData path: no RowDescription arrived, so the
				// Bind/Execute/Sync batch was never sent yet. This
				// ReadyForQuery is the terminal message for the
				// Parse/Describe/Sync batch; on an encode failure here
				// there is nothing left to drain, so go straight to
				// PhaseReady instead of PhaseBinding.
				encErr, err := e.sendBindExecuteSync(params)
				if err != nil {
					return nil, nil, err
				}
				if encErr != nil {
					e.phase = PhaseReady
					return nil, encErr, nil
				}
			}
			e.phase = PhaseBinding
			return nil, nil, nil
		case *pgproto3.ErrorResponse:
			e.phase = PhaseDraining
			return nil, wire.FromErrorResponse(m), nil
		}

	case PhaseBinding:
		switch m := msg.(type) {
		case *pgproto3.BindComplete:
			e.phase = PhaseExecuting
			return nil, nil, nil
		case *pgproto3.ErrorResponse:
			e.phase = PhaseDraining
			return nil, wire.FromErrorResponse(m), nil
		}

	case PhaseExecuting:
		switch m := msg.(type) {
		case *pgproto3.DataRow:
			fields := make([]codec.Field, len(m.Values))
			for i, v := range m.Values {
				if v == nil {
					fields[i] = codec.Field{Null: true}
				} else {
					fields[i] = codec.Field{Bytes: append([]byte(nil), v...)}
				}
			}
			e.rows = append(e.rows, fields)
			return nil, nil, nil
		case *pgproto3.CommandComplete:
			if e.bootstrap {
				if err := e.installBootstrapTypes(); err != nil {
					return nil, nil, err
				}
				return &Result{Command: "ok"}, nil, nil
			}
			result, err := e.finalizeResult(m.CommandTag)
			if err != nil {
				return nil, err, nil
			}
			return result, nil, nil
		case *pgproto3.EmptyQueryResponse:
			return &Result{}, nil, nil
		case *pgproto3.ErrorResponse:
			return nil, wire.FromErrorResponse(m), nil
		}

	case PhaseAuth, PhaseInit:
		// handled by runAuth/runInit, not through dispatch
	}

	switch m := msg.(type) {
	case *pgproto3.ReadyForQuery:
		e.phase = PhaseReady
		return nil, nil, nil
	case *pgproto3.ErrorResponse:
		return nil, wire.FromErrorResponse(m), nil
	}

	return nil, nil, wire.NewProtocolErr(fmt.Sprintf("unexpected message %T in phase %s", msg, e.phase), nil)
}

// sendBindExecuteSync encodes params against the portal's expected OIDs and,
// on success, sends the Bind/Execute/Sync batch. An encode failure is the
// caller's fault (an unencodable value for the target type) and is returned
// distinctly from a write failure so the caller can treat it as a
// recoverable, deliverable error rather than a fatal transport error: no
// bytes reach the wire in that case, so the connection is left exactly as it
// was before this call, still owing the ReadyForQuery for the already-sent
// Parse/Describe/Sync batch.
func (e *Engine) sendBindExecuteSync(params []any) (encodeErr, transportErr error) {
	bound, err := e.coder.EncodeParams(e.qoids, params)
	if err != nil {
		return wire.NewEncodeDecodeErr(err.Error()), nil
	}
	formats := e.coder.ResultFormats(e.stmt.rowInfo)
	if err := e.writeBytes(wire.EncodeBind("", "", bound, formats)); err != nil {
		return nil, err
	}
	if err := e.writeBytes(wire.EncodeExecute("", 0)); err != nil {
		return nil, err
	}
	return nil, e.writeBytes(wire.EncodeSync())
}

func (e *Engine) finalizeResult(tag []byte) (*Result, error) {
	command, rowCount, hasCount := parseCommandTag(string(tag))

	rows := make([][]any, len(e.rows))
	for i, fields := range e.rows {
		decoded, err := e.coder.DecodeRow(e.stmt.rowInfo, fields)
		if err != nil {
			return nil, wire.NewEncodeDecodeErr(err.Error())
		}
		rows[i] = decoded
	}

	numRows := rowCount
	if !hasCount {
		numRows = uint32(len(rows))
	}

	result := &Result{
		Command: command,
		NumRows: numRows,
		Columns: e.stmt.columns,
	}
	if e.stmt.columns != nil {
		result.Rows = rows
	}
	e.rows = nil
	return result, nil
}

func (e *Engine) installBootstrapTypes() error {
	rows := make([]catalog.Row, 0, len(e.rows))
	for _, fields := range e.rows {
		row, err := decodeBootstrapRow(fields)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := e.types.BuildTypes(rows); err != nil {
		return err
	}
	e.bootstrap = false
	e.rows = nil
	return nil
}

func buildStatement(types catalog.Types, rd *pgproto3.RowDescription) statement {
	stmt := statement{
		columns: make([]string, len(rd.Fields)),
		rowInfo: make([]codec.ColumnInfo, len(rd.Fields)),
	}
	for i, f := range rd.Fields {
		stmt.columns[i] = string(f.Name)
		typeName, sender, ok := types.OIDToType(f.DataTypeOID)
		stmt.rowInfo[i] = codec.ColumnInfo{
			OID:       f.DataTypeOID,
			TypeName:  typeName,
			Sender:    sender,
			CanDecode: ok && types.CanDecode(f.DataTypeOID),
		}
	}
	return stmt
}

// decodeBootstrapRow reads the three text-format columns of the bootstrap
// query (oid, typname, sender) straight off the wire; the type registry
// that would otherwise decode them does not exist yet.
func decodeBootstrapRow(fields []codec.Field) (catalog.Row, error) {
	if len(fields) < 3 {
		return catalog.Row{}, wire.NewProtocolErr("bootstrap row has fewer than 3 columns", nil)
	}
	oid, err := parseBootstrapUint(fields[0].Bytes)
	if err != nil {
		return catalog.Row{}, err
	}
	return catalog.Row{
		OID:    oid,
		Name:   string(fields[1].Bytes),
		Sender: string(fields[2].Bytes),
	}, nil
}

func parseBootstrapUint(b []byte) (uint32, error) {
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("bootstrap row: oid column %q is not numeric", b)
		}
		n = n*10 + uint64(c-'0')
	}
	return uint32(n), nil
}

func (e *Engine) readMessage() (pgproto3.BackendMessage, error) {
	for {
		if len(e.pending) > 0 {
			frame := e.pending[0]
			e.pending = e.pending[1:]
			return wire.DecodeBackend(frame.Tag, frame.Body)
		}

		n, err := e.conn.Read(e.readBuf[:])
		if err != nil {
			if err == io.EOF {
				return nil, wire.NewTransportErr(fmt.Errorf("connection closed by server"))
			}
			return nil, wire.NewTransportErr(err)
		}
		frames, err := e.reader.Feed(e.readBuf[:n])
		if err != nil {
			return nil, wire.NewProtocolErr("frame reassembly failed", err)
		}
		if len(frames) > 0 {
			if len(frames) > 1 {
				e.pushback(frames[1:])
			}
			return wire.DecodeBackend(frames[0].Tag, frames[0].Body)
		}
	}
}

// pushback stashes frames decoded ahead of demand so the next readMessage
// call serves them before reading the socket again.
func (e *Engine) pushback(frames []reassemble.Frame) {
	e.pending = append(e.pending, frames...)
}

func (e *Engine) writeBytes(b []byte) error {
	_, err := e.conn.Write(b)
	if err != nil {
		return wire.NewTransportErr(err)
	}
	return nil
}

// Begin increments the nested-transaction counter, issuing BEGIN at depth
// 0 or SAVEPOINT postgrex_n at any deeper level.
func (e *Engine) Begin() error {
	if e.phase != PhaseReady {
		return wire.NewProtocolErr("begin issued while the session is not ready", nil)
	}
	var sql string
	if e.transactions == 0 {
		sql = "BEGIN"
	} else {
		sql = fmt.Sprintf("SAVEPOINT postgrex_%d", e.transactions)
	}
	if _, err := e.runExtendedQuery(sql, nil, false); err != nil {
		return err
	}
	e.transactions++
	return nil
}

// Commit decrements the nested-transaction counter. Commits at depth > 1
// are deferred: only the outermost COMMIT is actually sent to the server.
func (e *Engine) Commit() error {
	if e.phase != PhaseReady {
		return wire.NewProtocolErr("commit issued while the session is not ready", nil)
	}
	switch {
	case e.transactions == 0:
		return nil
	case e.transactions == 1:
		if _, err := e.runExtendedQuery("COMMIT", nil, false); err != nil {
			return err
		}
		e.transactions = 0
	default:
		e.transactions--
	}
	return nil
}

// Rollback decrements the nested-transaction counter, applying the
// rollback immediately at every depth (unlike Commit, nothing is
// deferred).
func (e *Engine) Rollback() error {
	if e.phase != PhaseReady {
		return wire.NewProtocolErr("rollback issued while the session is not ready", nil)
	}
	switch {
	case e.transactions == 0:
		return nil
	case e.transactions == 1:
		if _, err := e.runExtendedQuery("ROLLBACK", nil, false); err != nil {
			return err
		}
		e.transactions = 0
	default:
		sql := fmt.Sprintf("ROLLBACK TO SAVEPOINT postgrex_%d", e.transactions-1)
		if _, err := e.runExtendedQuery(sql, nil, false); err != nil {
			return err
		}
		e.transactions--
	}
	return nil
}

// InTransaction reports whether a transaction is currently open.
func (e *Engine) InTransaction() bool {
	return e.transactions > 0
}

// Close terminates the session gracefully, sending Terminate and closing
// the socket. Safe to call regardless of phase.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	_ = e.writeBytes(wire.EncodeTerminate())
	e.phase = PhaseTerminated
	return e.conn.Close()
}

func (e *Engine) terminateLocally() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.phase = PhaseTerminated
}
