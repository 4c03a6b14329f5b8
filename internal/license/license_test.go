package license

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tokens []Token
}

func (f *fakeStore) InsertToken(_ context.Context, tok Token) error {
	f.tokens = append(f.tokens, tok)
	return nil
}

func (f *fakeStore) NewestActiveToken(_ context.Context) (*Token, error) {
	var newest *Token
	for i := range f.tokens {
		tok := &f.tokens[i]
		if !tok.IsActive {
			continue
		}
		if newest == nil || tok.CreatedAt.After(newest.CreatedAt) {
			newest = tok
		}
	}
	return newest, nil
}

func (f *fakeStore) ListTokens(_ context.Context) ([]Token, error) {
	out := make([]Token, len(f.tokens))
	copy(out, f.tokens)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type fakeCounter struct {
	active int
	calls  int
	err    error
}

func (f *fakeCounter) CountDistinctActive(context.Context) (int, error) {
	f.calls++
	return f.active, f.err
}

func date(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestService(t *testing.T, store Store, now time.Time) *Service {
	t.Helper()
	cipher, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	svc, err := NewService(store, cipher, time.Minute, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return svc
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("s3cret")
	require.NoError(t, err)

	plaintext := []byte("2027-03-01-12-0123456789abcdef0123456789abcdef-Takotech")
	blob, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, blob)

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// Same plaintext twice must not produce the same blob.
	blob2, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, blob, blob2)
}

func TestCipherDecryptFailures(t *testing.T) {
	c, err := NewCipher("s3cret")
	require.NoError(t, err)
	blob, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Tampered ciphertext.
	blob[len(blob)-1] ^= 0xff
	_, err = c.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailure)

	// Wrong key.
	other, err := NewCipher("different")
	require.NoError(t, err)
	good, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = other.Decrypt(good)
	require.ErrorIs(t, err, ErrDecryptFailure)

	// Too short to hold a nonce.
	_, err = c.Decrypt([]byte("short"))
	require.ErrorIs(t, err, ErrDecryptFailure)
}

func TestParsePayload(t *testing.T) {
	salt := "0123456789abcdef0123456789abcdef"

	info, err := parsePayload("2027-03-01-12-" + salt + "-Takotech Holdings")
	require.NoError(t, err)
	require.Equal(t, date("2027-03-01"), info.Expiry)
	require.Equal(t, 12, info.MaxUsers)
	require.Equal(t, salt, info.Salt)
	require.Equal(t, "Takotech Holdings", info.OrgName)

	// Org names may themselves contain dashes.
	info, err = parsePayload("2027-03-01-4-" + salt + "-acme-north-west")
	require.NoError(t, err)
	require.Equal(t, "acme-north-west", info.OrgName)

	for _, bad := range []string{
		"",
		"2027-03-01",
		"2027-03-01-0-" + salt + "-org",
		"2027-03-01-x-" + salt + "-org",
		"2027-03-01-4-shortsalt-org",
		"not-a-date-4-" + salt + "-org",
	} {
		_, err := parsePayload(bad)
		require.Error(t, err, "payload %q", bad)
	}
}

func TestSetLicenseAndCurrent(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(t, store, date("2026-09-01"))

	tok, err := svc.SetLicense(ctx, date("2027-03-01"), 12, "Takotech")
	require.NoError(t, err)
	require.True(t, tok.IsActive)
	require.Len(t, tok.Salt, 32)
	require.NotEmpty(t, tok.HashValue)

	info, err := svc.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, date("2027-03-01"), info.Expiry)
	require.Equal(t, 12, info.MaxUsers)
	require.Equal(t, "Takotech", info.OrgName)
	require.Equal(t, tok.Salt, info.Salt)
}

func TestSetLicenseValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeStore{}, date("2026-09-01"))

	_, err := svc.SetLicense(ctx, time.Time{}, 4, "org")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SetLicense(ctx, date("2027-01-01"), 0, "org")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCurrentNoToken(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, date("2026-09-01"))
	info, err := svc.Current(context.Background())
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestCurrentCorruptToken(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(t, store, date("2026-09-01"))

	_, err := svc.SetLicense(ctx, date("2027-03-01"), 4, "org")
	require.NoError(t, err)
	store.tokens[0].Ciphertext[0] ^= 0xff

	_, err = svc.Current(ctx)
	require.ErrorIs(t, err, ErrDecryptFailure)
}

func TestRotateLicense(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	now := date("2026-09-01")
	svc := newTestService(t, store, now)

	first, err := svc.SetLicense(ctx, date("2027-03-01"), 8, "org")
	require.NoError(t, err)

	// Rotation must pick the newer row on the next read.
	svc.now = func() time.Time { return now.Add(time.Hour) }
	second, err := svc.RotateLicense(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.Salt, second.Salt)
	require.NotEqual(t, first.HashValue, second.HashValue)

	info, err := svc.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, second.Salt, info.Salt)
	require.Equal(t, 8, info.MaxUsers)
	require.Equal(t, date("2027-03-01"), info.Expiry)
}

func TestRotateWithoutLicense(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, date("2026-09-01"))
	_, err := svc.RotateLicense(context.Background())
	require.ErrorIs(t, err, ErrNoLicense)
}

func newTestGate(t *testing.T, svc *Service, counter SessionCounter) *Gate {
	t.Helper()
	gate, err := NewGate(svc, counter)
	require.NoError(t, err)
	return gate
}

func TestGateNoLicense(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, date("2026-09-01"))
	gate := newTestGate(t, svc, &fakeCounter{})

	state, err := gate.IsLocked(context.Background(), false)
	require.NoError(t, err)
	require.True(t, state.Locked)
	require.Equal(t, ReasonNoLicense, state.Reason)

	// Root is locked out too when no license is installed.
	state, err = gate.IsLocked(context.Background(), true)
	require.NoError(t, err)
	require.True(t, state.Locked)
	require.Equal(t, ReasonNoLicense, state.Reason)
}

func TestGateCorruptTokenLocks(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(t, store, date("2026-09-01"))
	_, err := svc.SetLicense(ctx, date("2027-03-01"), 4, "org")
	require.NoError(t, err)
	store.tokens[0].Ciphertext[0] ^= 0xff

	gate := newTestGate(t, svc, &fakeCounter{})
	state, err := gate.IsLocked(ctx, false)
	require.NoError(t, err)
	require.True(t, state.Locked)
	require.Equal(t, ReasonNoLicense, state.Reason)
}

func TestGateExpiry(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		today  string
		locked bool
	}{
		{"day before expiry", "2027-02-28", false},
		{"expiry day itself", "2027-03-01", true},
		{"after expiry", "2027-03-02", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			svc := newTestService(t, store, date(tc.today))
			_, err := svc.SetLicense(ctx, date("2027-03-01"), 4, "org")
			require.NoError(t, err)

			gate := newTestGate(t, svc, &fakeCounter{active: 1})
			state, err := gate.IsLocked(ctx, false)
			require.NoError(t, err)
			require.Equal(t, tc.locked, state.Locked)
			if tc.locked {
				require.Equal(t, ReasonExpired, state.Reason)
			}

			// The date lock binds roots as well.
			state, err = gate.IsLocked(ctx, true)
			require.NoError(t, err)
			require.Equal(t, tc.locked, state.Locked)
		})
	}
}

func TestGateSeatLimit(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		active int
		locked bool
	}{
		{"under quota", 3, false},
		{"exactly at quota", 4, true},
		{"over quota", 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			svc := newTestService(t, store, date("2026-09-01"))
			_, err := svc.SetLicense(ctx, date("2027-03-01"), 4, "org")
			require.NoError(t, err)

			gate := newTestGate(t, svc, &fakeCounter{active: tc.active})
			state, err := gate.IsLocked(ctx, false)
			require.NoError(t, err)
			require.Equal(t, tc.locked, state.Locked)
			if tc.locked {
				require.Equal(t, ReasonSeatLimit, state.Reason)
			}

			// Roots bypass the seat quota but nothing else.
			state, err = gate.IsLocked(ctx, true)
			require.NoError(t, err)
			require.False(t, state.Locked)
		})
	}
}

func TestGateCachesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(t, store, date("2026-09-01"))
	_, err := svc.SetLicense(ctx, date("2027-03-01"), 4, "org")
	require.NoError(t, err)

	counter := &fakeCounter{active: 1}
	gate := newTestGate(t, svc, counter)
	for i := 0; i < 5; i++ {
		_, err := gate.IsLocked(ctx, false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, counter.calls)
}
