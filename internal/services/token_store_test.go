package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatclient/internal/storage"
	"chatclient/internal/testutils"
	"chatclient/pkg/chattypes"
)

func TestTokenStore_ExpiryMakesTokenAbsent(t *testing.T) {
	clock := testutils.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokenStore(storage.NewMemoryStore(), WithTokenClock(clock.Now))

	tokens.Set(chattypes.AccountToken{Value: "t", ExpiresAt: clock.Now().Add(time.Minute)})

	value, ok := tokens.AccountToken()
	require.True(t, ok)
	assert.Equal(t, "t", value)

	clock.Advance(time.Minute)

	value, ok = tokens.AccountToken()
	assert.False(t, ok)
	assert.Empty(t, value)
	assert.False(t, tokens.Valid())
}

func TestTokenStore_SetPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	expiresAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	NewTokenStore(store).Set(chattypes.AccountToken{Value: "t", ExpiresAt: expiresAt})

	value, ok, err := store.Get(storage.KeyAccountToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", value)

	rawExpiry, ok, err := store.Get(storage.KeyAccountExpiresAt)
	require.NoError(t, err)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339Nano, rawExpiry)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(expiresAt))
}

func TestTokenStore_Restore(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		value     string
		expiry    string
		wantOK    bool
		wantPurge bool
	}{
		{"future expiry", "t", now.Add(time.Hour).Format(time.RFC3339Nano), true, false},
		{"expiry equal to now", "t", now.Format(time.RFC3339Nano), false, true},
		{"past expiry", "t", now.Add(-time.Hour).Format(time.RFC3339Nano), false, true},
		{"unreadable expiry", "t", "tomorrow", false, true},
		{"missing token", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			if tt.value != "" {
				require.NoError(t, store.Set(storage.KeyAccountToken, tt.value))
				require.NoError(t, store.Set(storage.KeyAccountExpiresAt, tt.expiry))
			}

			tokens := NewTokenStore(store, WithTokenClock(func() time.Time { return now }))
			token, ok := tokens.Restore()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantOK, tokens.Valid())
			if tt.wantOK {
				assert.Equal(t, tt.value, token.Value)
			}

			if tt.wantPurge {
				_, present, err := store.Get(storage.KeyAccountToken)
				require.NoError(t, err)
				assert.False(t, present)
				_, present, err = store.Get(storage.KeyAccountExpiresAt)
				require.NoError(t, err)
				assert.False(t, present)
			}
		})
	}
}

func TestTokenStore_Clear(t *testing.T) {
	store := storage.NewMemoryStore()
	tokens := NewTokenStore(store)
	tokens.Set(chattypes.AccountToken{Value: "t", ExpiresAt: time.Now().Add(time.Hour)})
	require.True(t, tokens.Valid())

	tokens.Clear()

	assert.False(t, tokens.Valid())
	_, present, err := store.Get(storage.KeyAccountToken)
	require.NoError(t, err)
	assert.False(t, present)

	_, ok := NewTokenStore(store).Restore()
	assert.False(t, ok)
}

func TestTokenStore_PersistenceFailureKeepsMemoryToken(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Close())

	tokens := NewTokenStore(store)
	tokens.Set(chattypes.AccountToken{Value: "t", ExpiresAt: time.Now().Add(time.Hour)})

	assert.True(t, tokens.Valid())
	_, ok := tokens.Restore()
	assert.False(t, ok)
}

func TestTokenExpiry(t *testing.T) {
	expiresAt := time.Date(2031, 5, 4, 3, 2, 1, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	got, err := TokenExpiry(signed)
	require.NoError(t, err)
	assert.Equal(t, expiresAt.Unix(), got.Unix())

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString([]byte("test-key"))
	require.NoError(t, err)
	_, err = TokenExpiry(noExp)
	assert.Error(t, err)

	_, err = TokenExpiry("not-a-jwt")
	assert.Error(t, err)
}
