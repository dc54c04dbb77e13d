package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTypesAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BuildTypes([]Row{
		{OID: 23, Name: "int4", Sender: "int4send"},
		{OID: 25, Name: "text", Sender: "textsend"},
	}))

	name, sender, ok := reg.OIDToType(23)
	require.True(t, ok)
	assert.Equal(t, "int4", name)
	assert.Equal(t, "int4send", sender)

	_, _, ok = reg.OIDToType(999999)
	assert.False(t, ok, "OIDToType on an unregistered OID should not be found")
}

func TestCanDecodeKnownScalar(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BuildTypes([]Row{{OID: 23, Name: "int4", Sender: "int4send"}}))
	assert.True(t, reg.CanDecode(23))
}

func TestCanDecodeUnknownOID(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.CanDecode(4294967295))
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BuildTypes([]Row{{OID: 23, Name: "int4", Sender: "int4send"}}))

	encoded, err := reg.Encode("int4send", int32(42), 23)
	require.NoError(t, err)

	decoded, err := reg.Decode("int4send", encoded)
	require.NoError(t, err)
	assert.Equal(t, int32(42), decoded)
}

func TestDecodeUnknownSenderFails(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Decode("nosuchsend", []byte{0, 0, 0, 1})
	assert.Error(t, err)
}

func TestBootstrapQueryNonEmpty(t *testing.T) {
	reg := NewRegistry()
	assert.NotEmpty(t, reg.BootstrapQuery())
}
