// Package sharing issues and checks public share links and evaluates who
// may read, write or reshare an entry.
package sharing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/clouddrive/internal/metadata"
)

// TokenBytes is the entropy of a link token; tokens are hex encoded, so
// every token is 2*TokenBytes URL-safe characters.
const TokenBytes = 16

var (
	ErrExpired          = errors.New("share link has expired")
	ErrPasswordRequired = errors.New("share link requires a password")
	ErrInvalidPassword  = errors.New("invalid share link password")
	ErrUnknownExpiry    = errors.New("unknown expiry preset")
)

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

// LinkOptions describe a link to create. ExpiresAt wins over ExpiresIn.
type LinkOptions struct {
	Permission metadata.Permission
	ExpiresAt  *time.Time
	ExpiresIn  string // "1h", "1d", "7d", "30d", "never" or ""
	Password   string
}

// GenerateToken returns a random hex token.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ExpiryFromPreset maps the share dialog presets to an absolute time.
// "never" and "" mean no expiry.
func ExpiryFromPreset(preset string, now time.Time) (*time.Time, error) {
	var d time.Duration
	switch preset {
	case "", "never":
		return nil, nil
	case "1h":
		d = time.Hour
	case "1d":
		d = 24 * time.Hour
	case "7d":
		d = 7 * 24 * time.Hour
	case "30d":
		d = 30 * 24 * time.Hour
	default:
		return nil, fmt.Errorf("%q: %w", preset, ErrUnknownExpiry)
	}
	t := now.Add(d)
	return &t, nil
}

// NewLink builds a link value with a fresh token. Only the bcrypt hash of
// the password is kept.
func NewLink(opts LinkOptions, now time.Time) (*metadata.ShareLink, error) {
	perm := opts.Permission
	if perm == "" {
		perm = metadata.PermissionView
	}
	if !perm.Valid() {
		return nil, fmt.Errorf("unknown permission %q", perm)
	}

	expiresAt := opts.ExpiresAt
	if expiresAt == nil {
		var err error
		if expiresAt, err = ExpiryFromPreset(opts.ExpiresIn, now); err != nil {
			return nil, err
		}
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	link := &metadata.ShareLink{
		Token:      token,
		Permission: perm,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}
	if opts.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(opts.Password), hashCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		link.PasswordHash = string(hashed)
	}
	return link, nil
}

// Expired reports whether the link is past its expiry at now.
func Expired(link *metadata.ShareLink, now time.Time) bool {
	return link.ExpiresAt != nil && now.After(*link.ExpiresAt)
}

// CheckLink gates a presentation of link. Expiry is checked before the
// password so an expired link never reveals that it is protected.
func CheckLink(link *metadata.ShareLink, password string, now time.Time) error {
	if Expired(link, now) {
		return ErrExpired
	}
	if link.PasswordHash == "" {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}
