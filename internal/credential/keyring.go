// Package credential keeps the account master key in the system keyring so
// it does not have to live in the environment.
package credential

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/alexjbarnes/kullo-sync/kullo"
)

// ErrNoMasterKey is returned when the keyring holds no key for the address.
var ErrNoMasterKey = errors.New("no master key stored")

// Store reads and writes master keys keyed by account address.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring for service. The file backend, used when
// no desktop keyring is available, keeps its files under dataDir.
func Open(service, dataDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dataDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// MasterKey returns the master key stored for address.
func (s *Store) MasterKey(address kullo.Address) (kullo.MasterKey, error) {
	item, err := s.ring.Get(string(address))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return kullo.MasterKey{}, fmt.Errorf("%s: %w", address, ErrNoMasterKey)
	}

	if err != nil {
		return kullo.MasterKey{}, fmt.Errorf("getting master key for %s: %w", address, err)
	}

	mk, err := kullo.ParseMasterKey(string(item.Data))
	if err != nil {
		return kullo.MasterKey{}, fmt.Errorf("stored master key for %s: %w", address, err)
	}

	return mk, nil
}

// SetMasterKey stores mk for address, replacing any previous key.
func (s *Store) SetMasterKey(address kullo.Address, mk kullo.MasterKey) error {
	err := s.ring.Set(keyring.Item{
		Key:   string(address),
		Data:  []byte(mk.String()),
		Label: "Kullo master key for " + string(address),
	})
	if err != nil {
		return fmt.Errorf("setting master key for %s: %w", address, err)
	}

	return nil
}

// DeleteMasterKey removes the key for address. Removing a missing key is
// not an error.
func (s *Store) DeleteMasterKey(address kullo.Address) error {
	err := s.ring.Remove(string(address))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting master key for %s: %w", address, err)
	}

	return nil
}
