// Package pgtest provides scripted PostgreSQL server mocks for driving the
// protocol engine end to end without a live server, built on
// github.com/jackc/pgmock.
package pgtest

import (
	"fmt"
	"net"
	"reflect"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	pgxproto3 "github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgflight/pgflight/pkg/wire"
)

// expectType accepts the next frontend message if it has the same Go type
// as want, ignoring field values. The exact bytes of these messages come
// from pgproto3's own encoders (see pkg/wire); these scripts only need to
// assert the shape of the extended-query sub-protocol.
type expectTypeStep struct {
	want pgproto3.FrontendMessage
}

func (e *expectTypeStep) Step(b *pgproto3.Backend) error {
	var msg pgproto3.FrontendMessage
	var err error
	if _, ok := e.want.(*pgproto3.StartupMessage); ok {
		msg, err = b.ReceiveStartupMessage()
	} else {
		msg, err = b.Receive()
	}
	if err != nil {
		return fmt.Errorf("pgtest: receive: %w", err)
	}
	if reflect.TypeOf(msg) != reflect.TypeOf(e.want) {
		return fmt.Errorf("pgtest: expected %T, got %T", e.want, msg)
	}
	return nil
}

func expectType(want pgproto3.FrontendMessage) pgmock.Step {
	return &expectTypeStep{want: want}
}

// Server wraps a pgmock.Script behind a real TCP listener so the engine's
// net.Dial path can connect to it unmodified.
type Server struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewServer creates a mock server scripted with steps.
func NewServer(t *testing.T, steps ...pgmock.Step) *Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pgtest: failed to listen: %v", err)
	}
	return &Server{
		Script:   &pgmock.Script{Steps: steps},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the listener's host and port, in the form engine.Options
// takes them.
func (s *Server) Addr() (string, uint16) {
	tcpAddr := s.Listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

// Serve accepts a single connection and runs the script against it. Meant
// to be called in a goroutine; it reports failures via t.Errorf rather
// than terminating the test goroutine.
func (s *Server) Serve() {
	conn, err := s.Listener.Accept()
	if err != nil {
		s.t.Errorf("pgtest: accept failed: %v", err)
		return
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if err := s.Script.Run(backend); err != nil {
		s.t.Errorf("pgtest: script failed: %v", err)
	}
}

func (s *Server) Close() error {
	return s.Listener.Close()
}

// AcceptPlaintextConnSteps accepts the startup message and replies with
// AuthenticationOk, matching a server configured for trust auth.
func AcceptPlaintextConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// AcceptMD5ConnSteps accepts the startup message, challenges with MD5 and
// the given salt, then expects exactly the hashed response.
func AcceptMD5ConnSteps(username, password string, salt [4]byte) []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.StartupMessage{}),
		pgmock.SendMessage(&pgproto3.AuthenticationMD5Password{Salt: salt}),
		pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: wire.MD5Password(username, password, salt)}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
	}
}

// BackendReadySteps sends BackendKeyData, a minimal set of
// ParameterStatuses, and ReadyForQuery -- the tail of the init phase.
func BackendReadySteps(pid, secret int32) []pgmock.Step {
	return []pgmock.Step{
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: uint32(pid), SecretKey: uint32(secret)}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// BootstrapSteps answers the engine's automatic type-registry bootstrap
// query with a single representative row (the int4 type) and completes it.
func BootstrapSteps() []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.Parse{}),
		expectType(&pgproto3.Describe{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("oid"), DataTypeOID: 26, DataTypeSize: 4, Format: 0},
			{Name: []byte("typname"), DataTypeOID: 19, DataTypeSize: -1, Format: 0},
			{Name: []byte("sender"), DataTypeOID: 25, DataTypeSize: -1, Format: 0},
		}}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		expectType(&pgproto3.Bind{}),
		expectType(&pgproto3.Execute{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{
			[]byte("23"), []byte("int4"), []byte("int4send"),
		}}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExtendedQueryNoRowsSteps scripts one Parse/Describe/Sync then
// Bind/Execute/Sync round trip for a statement that returns no rows (e.g.
// BEGIN, COMMIT, an INSERT), replying with tag as its CommandComplete.
func ExtendedQueryNoRowsSteps(tag string) []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.Parse{}),
		expectType(&pgproto3.Describe{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{}),
		pgmock.SendMessage(&pgproto3.NoData{}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'T'}),
		expectType(&pgproto3.Bind{}),
		expectType(&pgproto3.Execute{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExtendedQueryEmptySteps scripts a round trip for an empty query string:
// no rows, no command tag, just EmptyQueryResponse in place of
// CommandComplete.
func ExtendedQueryEmptySteps() []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.Parse{}),
		expectType(&pgproto3.Describe{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{}),
		pgmock.SendMessage(&pgproto3.NoData{}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		expectType(&pgproto3.Bind{}),
		expectType(&pgproto3.Execute{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.EmptyQueryResponse{}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExtendedQueryParamsFailSteps scripts the Parse+Describe+Sync half of a
// round trip for a parameterized, no-rows statement, reporting the given
// parameter OIDs. It never expects Bind/Execute/Sync, for scripting a
// request the caller is expected to abandon locally (e.g. a parameter the
// value coder cannot encode) before any Bind/Execute/Sync is sent.
func ExtendedQueryParamsFailSteps(paramOIDs []uint32) []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.Parse{}),
		expectType(&pgproto3.Describe{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{ParameterOIDs: paramOIDs}),
		pgmock.SendMessage(&pgproto3.NoData{}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// TerminateSteps expects the graceful close handshake: a Terminate message
// followed by the client closing its side of the connection.
func TerminateSteps() []pgmock.Step {
	return []pgmock.Step{
		expectType(&pgproto3.Terminate{}),
		pgmock.WaitForClose(),
	}
}

// ExtendedQuerySelectSteps scripts a round trip for a SELECT returning the
// given field descriptions and rows.
func ExtendedQuerySelectSteps(fields []pgxproto3.FieldDescription, rows [][][]byte, tag string) []pgmock.Step {
	v2Fields := make([]pgproto3.FieldDescription, len(fields))
	for i, f := range fields {
		v2Fields[i] = pgproto3.FieldDescription{
			Name:                 f.Name,
			TableOID:             f.TableOID,
			TableAttributeNumber: f.TableAttributeNumber,
			DataTypeOID:          f.DataTypeOID,
			DataTypeSize:         f.DataTypeSize,
			TypeModifier:         f.TypeModifier,
			Format:               f.Format,
		}
	}
	steps := []pgmock.Step{
		expectType(&pgproto3.Parse{}),
		expectType(&pgproto3.Describe{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.ParameterDescription{}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: v2Fields}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		expectType(&pgproto3.Bind{}),
		expectType(&pgproto3.Execute{}),
		expectType(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
	}
	for _, row := range rows {
		steps = append(steps, pgmock.SendMessage(&pgproto3.DataRow{Values: row}))
	}
	steps = append(steps,
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	)
	return steps
}
