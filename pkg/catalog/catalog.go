// Package catalog builds and queries a per-session OID type registry. The
// concrete codec behind each OID is an external concern (see the Types
// interface); this package owns only the bootstrap-row ingestion and the
// OID/sender bookkeeping layered on top of it.
package catalog

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// BootstrapQuery is sent, with the unnamed statement and max_rows = 0, as
// the very first query of every session. It is executed with the engine's
// bootstrap flag set, so its rows are diverted to BuildTypes instead of a
// caller-visible result.
const BootstrapQuery = `
SELECT t.oid, t.typname, COALESCE(t.typsend::regproc::text, '') AS sender
FROM pg_catalog.pg_type t
WHERE t.typisdefined
ORDER BY t.oid
`

// Row is one positional row of the bootstrap query result. The engine
// reads it straight from the query's text-format oid, typname and sender
// columns, without going through the value coder, since no registry exists
// yet to decode them.
type Row struct {
	OID    uint32
	Name   string
	Sender string
}

// Types is the external collaborator required by the protocol engine: it
// knows how to turn the bootstrap rows into a lookup table, and how to
// encode/decode individual values once that table exists. pkg/catalog's
// Registry is the default implementation, built on pgx's pgtype.Map; a
// caller may substitute any type implementing this interface through the
// types argument of driver.Connect or engine.New.
type Types interface {
	BootstrapQuery() string
	BuildTypes(rows []Row) error
	OIDToType(oid uint32) (typeName, sender string, ok bool)
	CanDecode(oid uint32) bool
	Encode(sender string, value any, oid uint32) ([]byte, error)
	Decode(sender string, data []byte) (any, error)
}

type entry struct {
	name   string
	sender string
}

// Registry is the default Types implementation. It is built exactly once
// per session and is read-only afterward; it must never be shared across
// sessions against different servers, since OID assignments are
// per-cluster.
type Registry struct {
	byOID       map[uint32]entry
	oidBySender map[string]uint32
	codec       *pgtype.Map
}

// NewRegistry constructs an empty Registry. Call BuildTypes once the
// bootstrap query's rows have all arrived.
func NewRegistry() *Registry {
	return &Registry{
		byOID:       make(map[uint32]entry),
		oidBySender: make(map[string]uint32),
		codec:       pgtype.NewMap(),
	}
}

func (r *Registry) BootstrapQuery() string {
	return BootstrapQuery
}

func (r *Registry) BuildTypes(rows []Row) error {
	for _, row := range rows {
		r.byOID[row.OID] = entry{name: row.Name, sender: row.Sender}
		// First OID seen for a given sender stands in for the whole
		// family when a caller only has the sender name (Decode).
		if _, ok := r.oidBySender[row.Sender]; !ok {
			r.oidBySender[row.Sender] = row.OID
		}
	}
	return nil
}

func (r *Registry) OIDToType(oid uint32) (typeName, sender string, ok bool) {
	e, ok := r.byOID[oid]
	if !ok {
		return "", "", false
	}
	return e.name, e.sender, true
}

// CanDecode reports whether the registry's codec collaborator (pgtype.Map)
// has a binary codec registered for oid.
func (r *Registry) CanDecode(oid uint32) bool {
	_, ok := r.codec.TypeForOID(oid)
	return ok
}

// Encode produces the binary wire representation of value for oid, or nil
// if the codec has no binary encoding for it (the caller then falls back
// to the text-bytes or encode-error paths of the value coder).
func (r *Registry) Encode(sender string, value any, oid uint32) ([]byte, error) {
	plan := r.codec.PlanEncode(oid, pgtype.BinaryFormatCode, value)
	if plan == nil {
		return nil, nil
	}
	buf, err := plan.Encode(value, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode oid %d (%s): %w", oid, sender, err)
	}
	return buf, nil
}

// Decode converts a binary-format field value into a host-native Go value,
// dispatching purely on sender as the protocol's receive functions do.
func (r *Registry) Decode(sender string, data []byte) (any, error) {
	oid, ok := r.oidBySender[sender]
	if !ok {
		return nil, fmt.Errorf("catalog: no registered OID for sender %q", sender)
	}
	t, ok := r.codec.TypeForOID(oid)
	if !ok {
		return nil, fmt.Errorf("catalog: no type registered for oid %d (sender %q)", oid, sender)
	}
	val, err := t.Codec.DecodeValue(r.codec, oid, pgtype.BinaryFormatCode, data)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode sender %q: %w", sender, err)
	}
	return val, nil
}

var _ Types = (*Registry)(nil)
