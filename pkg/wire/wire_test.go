package wire

import (
	"encoding/binary"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

func TestMD5Password(t *testing.T) {
	got := MD5Password("alice", "secret", [4]byte{0x12, 0x34, 0x56, 0x78})
	want := "md5" + hexMD5(append([]byte(hexMD5([]byte("secretalice"))), 0x12, 0x34, 0x56, 0x78))
	if got != want {
		t.Errorf("MD5Password() = %q, want %q", got, want)
	}
	if got[:3] != "md5" {
		t.Errorf("MD5Password() missing md5 prefix: %q", got)
	}
}

func TestDecodeBackendAuthentication(t *testing.T) {
	body := []byte{0, 0, 0, 0}
	msg, err := DecodeBackend(byte(TagAuthentication), body)
	if err != nil {
		t.Fatalf("DecodeBackend() error = %v", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		t.Errorf("DecodeBackend() = %T, want *pgproto3.AuthenticationOk", msg)
	}
}

func TestDecodeBackendMD5(t *testing.T) {
	body := []byte{0, 0, 0, 5, 0x12, 0x34, 0x56, 0x78}
	msg, err := DecodeBackend(byte(TagAuthentication), body)
	if err != nil {
		t.Fatalf("DecodeBackend() error = %v", err)
	}
	md5Msg, ok := msg.(*pgproto3.AuthenticationMD5Password)
	if !ok {
		t.Fatalf("DecodeBackend() = %T, want *pgproto3.AuthenticationMD5Password", msg)
	}
	want := [4]byte{0x12, 0x34, 0x56, 0x78}
	if md5Msg.Salt != want {
		t.Errorf("Salt = %v, want %v", md5Msg.Salt, want)
	}
}

func TestDecodeBackendUnknownTag(t *testing.T) {
	if _, err := DecodeBackend('?', nil); err == nil {
		t.Error("DecodeBackend() with unknown tag should error")
	}
}

func TestFieldMap(t *testing.T) {
	resp := &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "42601",
		Message:  "syntax error",
	}
	fields := FieldMap(resp)
	if fields['S'] != "ERROR" || fields['C'] != "42601" || fields['M'] != "syntax error" {
		t.Errorf("FieldMap() = %v, missing expected fields", fields)
	}
}

func TestEncodeStartupHasNoTagByte(t *testing.T) {
	body := EncodeStartup("alice", "mydb", nil)
	// First 4 bytes are the length, next 4 the protocol version; no tag byte
	// precedes them per protocol.
	if len(body) < 8 {
		t.Fatalf("startup body too short: %d bytes", len(body))
	}
	if got := binary.BigEndian.Uint32(body[0:4]); int(got) != len(body) {
		t.Errorf("length field = %d, want %d (the whole message, no tag byte)", got, len(body))
	}
	if got := binary.BigEndian.Uint32(body[4:8]); got != ProtocolVersion {
		t.Errorf("protocol version = %#x, want %#x", got, ProtocolVersion)
	}
}
