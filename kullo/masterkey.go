package kullo

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// MasterKeyBlocks is the number of digit blocks in a master key.
	MasterKeyBlocks = 16

	// masterKeyBlockLen is the number of digits per block.
	masterKeyBlockLen = 6

	scryptN = 32768
	scryptR = 8
	scryptP = 1

	// derivedLen covers the data key and the login key.
	derivedLen = 2 * SymmetricKeySize
)

// MasterKey is the user's recovery secret: 16 blocks of 6 digits.
type MasterKey struct {
	blocks []string
}

// ParseMasterKey accepts blocks separated by any mix of whitespace,
// commas or dashes. Input is NFKC normalised so full-width digits work.
func ParseMasterKey(s string) (MasterKey, error) {
	s = norm.NFKC.String(s)

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ',' || r == '-'
	})
	if len(fields) != MasterKeyBlocks {
		return MasterKey{}, fmt.Errorf("master key must have %d blocks, got %d", MasterKeyBlocks, len(fields))
	}

	for i, f := range fields {
		if len(f) != masterKeyBlockLen {
			return MasterKey{}, fmt.Errorf("master key block %d must have %d digits", i+1, masterKeyBlockLen)
		}

		for _, r := range f {
			if r < '0' || r > '9' {
				return MasterKey{}, fmt.Errorf("master key block %d contains a non-digit", i+1)
			}
		}
	}

	return MasterKey{blocks: fields}, nil
}

// String returns the canonical space-separated form.
func (m MasterKey) String() string {
	return strings.Join(m.blocks, " ")
}

// Credentials are the secrets derived from the master key.
type Credentials struct {
	Address Address
	// DataKey decrypts the private data key downloaded by the keys syncer.
	DataKey []byte
	// LoginKey authenticates HTTP requests.
	LoginKey string
}

// DeriveCredentials stretches the master key with scrypt, salted with the
// address. The first half of the output is the data key and the second half
// the login key.
func DeriveCredentials(address Address, mk MasterKey) (Credentials, error) {
	if len(mk.blocks) != MasterKeyBlocks {
		return Credentials{}, fmt.Errorf("master key not initialised")
	}

	secret := norm.NFKC.String(strings.Join(mk.blocks, ""))
	salt := norm.NFKC.String(string(address))

	out, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, derivedLen)
	if err != nil {
		return Credentials{}, fmt.Errorf("deriving key: %w", err)
	}

	return Credentials{
		Address:  address,
		DataKey:  out[:SymmetricKeySize],
		LoginKey: hex.EncodeToString(out[SymmetricKeySize:]),
	}, nil
}
