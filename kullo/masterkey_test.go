package kullo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "123456 234567 345678 456789 567890 678901 789012 890123 " +
	"901234 012345 111111 222222 333333 444444 555555 666666"

// --- ParseMasterKey ---

func TestParseMasterKey_Valid(t *testing.T) {
	mk, err := ParseMasterKey(testMasterKey)
	require.NoError(t, err)
	assert.Equal(t, testMasterKey, mk.String())
}

func TestParseMasterKey_MixedSeparators(t *testing.T) {
	in := strings.Replace(testMasterKey, " ", "-", 5)
	in = strings.Replace(in, " ", "\n", 3)

	mk, err := ParseMasterKey(in)
	require.NoError(t, err)
	assert.Equal(t, testMasterKey, mk.String())
}

func TestParseMasterKey_FullwidthDigits(t *testing.T) {
	// U+FF11 FULLWIDTH DIGIT ONE normalises to '1' under NFKC.
	in := strings.Replace(testMasterKey, "111111", "１１１１１１", 1)

	mk, err := ParseMasterKey(in)
	require.NoError(t, err)
	assert.Equal(t, testMasterKey, mk.String())
}

func TestParseMasterKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"too few blocks", "123456 234567", "16 blocks"},
		{"short block", strings.Replace(testMasterKey, "123456", "12345", 1), "6 digits"},
		{"letters", strings.Replace(testMasterKey, "123456", "12345a", 1), "non-digit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMasterKey(tt.in)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

// --- DeriveCredentials ---

func TestDeriveCredentials_Deterministic(t *testing.T) {
	mk, err := ParseMasterKey(testMasterKey)
	require.NoError(t, err)

	c1, err := DeriveCredentials("alice#example.com", mk)
	require.NoError(t, err)
	c2, err := DeriveCredentials("alice#example.com", mk)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Len(t, c1.DataKey, SymmetricKeySize)
	assert.Len(t, c1.LoginKey, 64)
}

func TestDeriveCredentials_AddressIsSalt(t *testing.T) {
	mk, err := ParseMasterKey(testMasterKey)
	require.NoError(t, err)

	c1, err := DeriveCredentials("alice#example.com", mk)
	require.NoError(t, err)
	c2, err := DeriveCredentials("bob#example.com", mk)
	require.NoError(t, err)

	assert.NotEqual(t, c1.DataKey, c2.DataKey)
	assert.NotEqual(t, c1.LoginKey, c2.LoginKey)
}

func TestDeriveCredentials_ZeroMasterKey(t *testing.T) {
	_, err := DeriveCredentials("alice#example.com", MasterKey{})
	assert.Error(t, err)
}

// --- Address ---

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("  Alice#Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, Address("alice#example.com"), a)
	assert.Equal(t, "alice", a.User())
	assert.Equal(t, "example.com", a.Domain())
	assert.Equal(t, "alice%23example.com", a.PathSegment())
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "alice", "#example.com", "alice#", "alice#localhost", "a#b#c.com"} {
		_, err := ParseAddress(in)
		assert.Error(t, err, in)
	}
}

func TestParseKeyType(t *testing.T) {
	kt, err := ParseKeyType("enc")
	require.NoError(t, err)
	assert.Equal(t, KeyTypeEncryption, kt)

	_, err = ParseKeyType("rsa")
	assert.Error(t, err)
}
