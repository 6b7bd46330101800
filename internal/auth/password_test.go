package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests use the bcrypt minimum cost; the hashing behavior under test does not
// depend on work factor.
const testBcryptCost = 4

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple", testBcryptCost)
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	require.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("correct horse battery stable", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	first, err := HashPassword("same password", testBcryptCost)
	require.NoError(t, err)
	second, err := HashPassword("same password", testBcryptCost)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, VerifyPassword("same password", first))
	assert.True(t, VerifyPassword("same password", second))
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("anything", ""))
	assert.False(t, VerifyPassword("anything", "not-a-bcrypt-hash"))
	assert.False(t, VerifyPassword("anything", "$2a$xx$garbage"))
}

func TestPasswordNeedsRehash(t *testing.T) {
	hash, err := HashPassword("some password", testBcryptCost)
	require.NoError(t, err)

	assert.False(t, PasswordNeedsRehash(hash, testBcryptCost))
	assert.True(t, PasswordNeedsRehash(hash, testBcryptCost+1))
	assert.False(t, PasswordNeedsRehash("not-a-bcrypt-hash", testBcryptCost))
}
