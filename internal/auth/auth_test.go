package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachflow/pulse/internal/model"
)

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator("test-secret", "pulse", time.Hour)

	t.Run("Round Trip", func(t *testing.T) {
		token, err := a.Generate("user-1", model.TierPro)
		require.NoError(t, err)

		claims, err := a.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, model.TierPro, claims.Tier)
		assert.Equal(t, "pulse", claims.Issuer)
	})

	t.Run("Generate Rejects Unknown Tier", func(t *testing.T) {
		_, err := a.Generate("user-1", "platinum")
		assert.ErrorIs(t, err, ErrInvalidTier)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		other := NewAuthenticator("other-secret", "pulse", time.Hour)
		token, err := other.Generate("user-1", model.TierFree)
		require.NoError(t, err)

		_, err = a.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage Token", func(t *testing.T) {
		_, err := a.Validate("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired Token", func(t *testing.T) {
		expired := NewAuthenticator("test-secret", "pulse", -time.Minute)
		token, err := expired.Generate("user-1", model.TierFree)
		require.NoError(t, err)

		_, err = a.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
