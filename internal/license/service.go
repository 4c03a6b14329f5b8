package license

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/takotech/acsg/internal/ids"
)

const dateLayout = "2006-01-02"

const payloadCacheKey = "license_payload"

var (
	ErrInvalidInput = errors.New("license: invalid input")
	ErrNoLicense    = errors.New("license: no active license")
)

// Token is one encrypted license row. Rows are never deleted; rotation
// appends a new active row and only the newest active one is
// authoritative.
type Token struct {
	ID         string    `json:"id"`
	Ciphertext []byte    `json:"-"`
	HashValue  string    `json:"hash_value"`
	Salt       string    `json:"salt"`
	OrgName    string    `json:"org_name"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Info is the decrypted license payload.
type Info struct {
	Expiry   time.Time `json:"expiry"`
	MaxUsers int       `json:"max_users"`
	Salt     string    `json:"-"`
	OrgName  string    `json:"org_name"`
}

// Store persists license tokens.
type Store interface {
	InsertToken(ctx context.Context, tok Token) error
	NewestActiveToken(ctx context.Context) (*Token, error)
	ListTokens(ctx context.Context) ([]Token, error)
}

// Service issues and reads license tokens. Reads are cached for the
// configured TTL, so administrative updates take up to that long to
// propagate.
type Service struct {
	store  Store
	cipher *Cipher
	cache  *lru.LRU[string, Info]
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service with the given read-cache TTL.
func NewService(store Store, cipher *Cipher, cacheTTL time.Duration, opts ...Option) (*Service, error) {
	if store == nil || cipher == nil {
		return nil, errors.New("license: store and cipher are required")
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	svc := &Service{
		store:  store,
		cipher: cipher,
		cache:  lru.NewLRU[string, Info](4, nil, cacheTTL),
		ttl:    cacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// SetLicense persists a new active token for the given expiry date, seat
// count and organization name.
func (s *Service) SetLicense(ctx context.Context, expiry time.Time, maxUsers int, orgName string) (Token, error) {
	if expiry.IsZero() {
		return Token{}, fmt.Errorf("%w: expiry date is required", ErrInvalidInput)
	}
	if maxUsers < 1 {
		return Token{}, fmt.Errorf("%w: max users must be at least 1", ErrInvalidInput)
	}
	orgName = strings.TrimSpace(orgName)

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return Token{}, fmt.Errorf("license: generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	payload := encodePayload(expiry, maxUsers, salt, orgName)
	ciphertext, err := s.cipher.Encrypt([]byte(payload))
	if err != nil {
		return Token{}, err
	}
	sum := sha256.Sum256([]byte(payload))

	tok := Token{
		ID:         ids.New(),
		Ciphertext: ciphertext,
		HashValue:  hex.EncodeToString(sum[:]),
		Salt:       salt,
		OrgName:    orgName,
		IsActive:   true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertToken(ctx, tok); err != nil {
		return Token{}, err
	}
	s.cache.Remove(payloadCacheKey)
	return tok, nil
}

// RotateLicense re-issues the current license with a fresh salt and
// ciphertext, keeping expiry, seat count and organization name.
func (s *Service) RotateLicense(ctx context.Context) (Token, error) {
	info, err := s.Current(ctx)
	if err != nil {
		return Token{}, err
	}
	if info == nil {
		return Token{}, ErrNoLicense
	}
	return s.SetLicense(ctx, info.Expiry, info.MaxUsers, info.OrgName)
}

// ListLicenses returns every token row, newest first.
func (s *Service) ListLicenses(ctx context.Context) ([]Token, error) {
	return s.store.ListTokens(ctx)
}

// Current returns the decrypted payload of the newest active token, or nil
// when none exists. A token that fails to decrypt surfaces
// ErrDecryptFailure; callers treat both cases as "no license".
func (s *Service) Current(ctx context.Context) (*Info, error) {
	if info, ok := s.cache.Get(payloadCacheKey); ok {
		return &info, nil
	}
	tok, err := s.store.NewestActiveToken(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	plaintext, err := s.cipher.Decrypt(tok.Ciphertext)
	if err != nil {
		return nil, err
	}
	info, err := parsePayload(string(plaintext))
	if err != nil {
		return nil, ErrDecryptFailure
	}
	s.cache.Add(payloadCacheKey, info)
	return &info, nil
}

// encodePayload renders "YYYY-MM-DD-<max_users>-<salt>-<org>".
func encodePayload(expiry time.Time, maxUsers int, salt, orgName string) string {
	return fmt.Sprintf("%s-%d-%s-%s", expiry.Format(dateLayout), maxUsers, salt, orgName)
}

// parsePayload is the inverse of encodePayload. The date itself contains
// dashes, so the split starts after the fixed-width date prefix.
func parsePayload(payload string) (Info, error) {
	if len(payload) < len(dateLayout)+1 {
		return Info{}, fmt.Errorf("%w: payload too short", ErrInvalidInput)
	}
	expiry, err := time.Parse(dateLayout, payload[:len(dateLayout)])
	if err != nil {
		return Info{}, fmt.Errorf("%w: bad expiry date", ErrInvalidInput)
	}
	rest := payload[len(dateLayout):]
	if !strings.HasPrefix(rest, "-") {
		return Info{}, fmt.Errorf("%w: malformed payload", ErrInvalidInput)
	}
	parts := strings.SplitN(rest[1:], "-", 3)
	if len(parts) != 3 {
		return Info{}, fmt.Errorf("%w: malformed payload", ErrInvalidInput)
	}
	maxUsers, err := strconv.Atoi(parts[0])
	if err != nil || maxUsers < 1 {
		return Info{}, fmt.Errorf("%w: bad max users", ErrInvalidInput)
	}
	if len(parts[1]) != 32 {
		return Info{}, fmt.Errorf("%w: bad salt", ErrInvalidInput)
	}
	return Info{
		Expiry:   expiry,
		MaxUsers: maxUsers,
		Salt:     parts[1],
		OrgName:  parts[2],
	}, nil
}
