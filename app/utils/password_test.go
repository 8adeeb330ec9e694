package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyPassword(t *testing.T) {
	req := require.New(t)

	hashed, err := HashPassword("secret")
	req.NoError(err)
	req.True(VerifyPassword("secret", hashed))
	req.False(VerifyPassword("Secret", hashed))
	req.False(NeedsRehash(hashed))

	_, err = HashPassword("")
	req.ErrorIs(err, ErrEmptyPassword)
}

func TestNeedsRehashWeakHash(t *testing.T) {
	req := require.New(t)

	weak, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	req.NoError(err)
	req.True(NeedsRehash(string(weak)))
	req.True(NeedsRehash("plain-text"))
}
