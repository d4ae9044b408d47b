package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	mailtide_errors "github.com/mailtide/mailtide/internal/errors"
	"github.com/mailtide/mailtide/internal/models"
)

// Settings are user preferences persisted alongside the account list.
type Settings struct {
	DefaultAccount       string `json:"defaultAccount,omitempty"`
	FetchLimit           int    `json:"fetchLimit,omitempty"`
	AutoCheck            bool   `json:"autoCheck,omitempty"`
	CheckIntervalMinutes int    `json:"checkIntervalMinutes,omitempty"`
}

// AccountsFile is the on-disk account configuration document.
type AccountsFile struct {
	Accounts []models.AccountConfig `json:"accounts"`
	Settings Settings               `json:"settings"`
}

// AccountsStore reads and writes the account configuration file. Writes go
// through a temp file and rename so a crash mid-write never corrupts the
// document.
type AccountsStore struct {
	mu   sync.Mutex
	path string
	file AccountsFile
}

func NewAccountsStore(path string) (*AccountsStore, error) {
	store := &AccountsStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, errors.Wrap(err, "failed to read accounts file")
	}

	if err := json.Unmarshal(data, &store.file); err != nil {
		return nil, errors.Wrap(err, "failed to parse accounts file")
	}
	return store, nil
}

func (s *AccountsStore) Accounts() []models.AccountConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]models.AccountConfig, len(s.file.Accounts))
	copy(accounts, s.file.Accounts)
	return accounts
}

func (s *AccountsStore) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Settings
}

// AddAccount appends a new account config and persists the file before
// returning. A duplicate ID is rejected.
func (s *AccountsStore) AddAccount(account models.AccountConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.file.Accounts {
		if existing.ID == account.ID {
			return mailtide_errors.ErrAccountExists
		}
	}

	s.file.Accounts = append(s.file.Accounts, account)
	return s.save()
}

// UpdateAccount replaces the config with the matching ID and persists.
func (s *AccountsStore) UpdateAccount(account models.AccountConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.file.Accounts {
		if existing.ID == account.ID {
			s.file.Accounts[i] = account
			return s.save()
		}
	}
	return mailtide_errors.ErrAccountNotFound
}

// RemoveAccount deletes the config with the matching ID and persists. If the
// removed account was the default, the default setting is cleared.
func (s *AccountsStore) RemoveAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.file.Accounts {
		if existing.ID == id {
			s.file.Accounts = append(s.file.Accounts[:i], s.file.Accounts[i+1:]...)
			if s.file.Settings.DefaultAccount == id {
				s.file.Settings.DefaultAccount = ""
			}
			return s.save()
		}
	}
	return mailtide_errors.ErrAccountNotFound
}

func (s *AccountsStore) SetDefaultAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		found := false
		for _, existing := range s.file.Accounts {
			if existing.ID == id {
				found = true
				break
			}
		}
		if !found {
			return mailtide_errors.ErrAccountNotFound
		}
	}

	s.file.Settings.DefaultAccount = id
	return s.save()
}

func (s *AccountsStore) save() error {
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize accounts file")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write accounts file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close accounts file")
	}

	return errors.Wrap(os.Rename(tmp.Name(), s.path), "failed to replace accounts file")
}
