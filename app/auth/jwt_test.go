package auth

import (
	"testing"
	"time"

	"media-grabber/app/config"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	req := require.New(t)
	svc := NewJWTService(config.JWTConfig{Secret: "s3cret", ExpireTime: 2, Issuer: "media-grabber"})

	token, expireAt, err := svc.GenerateToken(7, "admin")
	req.NoError(err)
	req.WithinDuration(time.Now().Add(2*time.Hour), expireAt, time.Minute)

	claims, err := svc.ValidateToken(token)
	req.NoError(err)
	req.Equal(uint(7), claims.UserID)
	req.Equal("admin", claims.Username)

	other := NewJWTService(config.JWTConfig{Secret: "other", ExpireTime: 2, Issuer: "media-grabber"})
	_, err = other.ValidateToken(token)
	req.Error(err)
}

func TestRefreshOnlyNearExpiry(t *testing.T) {
	req := require.New(t)
	svc := NewJWTService(config.JWTConfig{Secret: "s3cret", ExpireTime: 2, Issuer: "media-grabber"})

	token, _, err := svc.GenerateToken(1, "admin")
	req.NoError(err)

	_, _, err = svc.RefreshToken(token)
	req.ErrorIs(err, ErrTokenNotExpire)

	// 把时钟拨到过期前半小时
	svc.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	fresh, expireAt, err := svc.RefreshToken(token)
	req.NoError(err)
	req.NotEqual(token, fresh)
	req.True(expireAt.After(time.Now().Add(3 * time.Hour)))
}
