// Package auth persists the API token pair in the local database, encrypted
// at rest.
package auth

import (
	"database/sql"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/crypto"
	"github.com/lumenhq/lumen/internal/db"
	"github.com/lumenhq/lumen/internal/uuid"
)

// Tokens is the access/refresh pair issued by the server.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Credential row names.
const (
	nameInstallID    = "install_id"
	nameAccessToken  = "access_token"
	nameRefreshToken = "refresh_token"
)

// TokenStore reads and writes the token pair in the credentials table. The
// encryption key is derived from a per-installation id generated on first
// use, so a copied database file does not yield usable tokens.
type TokenStore struct {
	db  *db.DB
	key []byte
}

// NewTokenStore opens the token store, generating the installation id on
// first run.
func NewTokenStore(database *db.DB) (*TokenStore, error) {
	s := &TokenStore{db: database}

	installID, err := s.rawGet(nameInstallID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		installID = uuid.New()
		// The install id itself is stored in the clear; it is an
		// identifier, not a secret.
		if err := s.rawSet(nameInstallID, installID); err != nil {
			return nil, err
		}
	}
	s.key = crypto.DeriveKey(installID)
	return s, nil
}

// Save encrypts and writes both tokens.
func (s *TokenStore) Save(t Tokens) error {
	access, err := crypto.EncryptString(t.AccessToken, string(s.key))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encrypt access token", err)
	}
	refresh, err := crypto.EncryptString(t.RefreshToken, string(s.key))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encrypt refresh token", err)
	}
	if err := s.rawSet(nameAccessToken, access); err != nil {
		return err
	}
	return s.rawSet(nameRefreshToken, refresh)
}

// Load decrypts the stored token pair. Returns a not-found error when the
// user has never signed in on this installation.
func (s *TokenStore) Load() (*Tokens, error) {
	accessEnc, err := s.rawGet(nameAccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := s.rawGet(nameRefreshToken)
	if err != nil {
		return nil, err
	}

	access, err := crypto.DecryptString(accessEnc, string(s.key))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decrypt access token", err)
	}
	refresh, err := crypto.DecryptString(refreshEnc, string(s.key))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decrypt refresh token", err)
	}
	return &Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// Clear removes the stored tokens, e.g. on sign-out.
func (s *TokenStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE name IN (?, ?)`,
		nameAccessToken, nameRefreshToken)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "clear credentials", err)
	}
	return nil
}

func (s *TokenStore) rawGet(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value_encrypted FROM credentials WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", apperrors.Newf(apperrors.CodeNotFound, "credential %s not found", name)
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDatabase, "load credential", err)
	}
	return value, nil
}

func (s *TokenStore) rawSet(name, value string) error {
	_, err := s.db.Exec(`
	INSERT INTO credentials (name, value_encrypted, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET value_encrypted = excluded.value_encrypted,
		updated_at = excluded.updated_at`, name, value, time.Now().Unix())
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "store credential", err)
	}
	return nil
}
