package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authwatch/internal/config"
)

func testHasher() *Hasher {
	return &Hasher{
		params: Argon2Params{
			Memory:      8 * 1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		pepper: "unit-test-pepper",
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	h := testHasher()

	encoded, err := h.HashSecret("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v="))

	ok, err := h.VerifySecret("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifySecret("wrong secret", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	h := testHasher()

	first, err := h.HashSecret("same secret")
	require.NoError(t, err)
	second, err := h.HashSecret("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyDependsOnPepper(t *testing.T) {
	h := testHasher()
	encoded, err := h.HashSecret("secret")
	require.NoError(t, err)

	other := testHasher()
	other.pepper = "different-pepper"
	ok, err := other.VerifySecret("secret", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUsesParametersFromHash(t *testing.T) {
	h := testHasher()
	encoded, err := h.HashSecret("secret")
	require.NoError(t, err)

	// A hasher configured with different costs still verifies old hashes.
	stronger := NewHasher(config.Get())
	stronger.pepper = h.pepper
	ok, err := stronger.VerifySecret("secret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := testHasher()

	cases := []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
	}
	for _, encoded := range cases {
		_, err := h.VerifySecret("secret", encoded)
		assert.Error(t, err, "hash %q must be rejected", encoded)
	}
}

func TestGenerateSecret(t *testing.T) {
	first, err := GenerateSecret()
	require.NoError(t, err)
	second, err := GenerateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.GreaterOrEqual(t, len(first), 40)
	assert.NotContains(t, first, "=")
}
