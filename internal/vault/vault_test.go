package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptLegacy builds a blob in the old iv:ciphertext layout the way the
// previous implementation did, so the migration path can be exercised.
func encryptLegacy(t *testing.T, seed []byte, passphrase string) string {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	pad := aes.BlockSize - len(seed)%aes.BlockSize
	padded := make([]byte, len(seed)+pad)
	copy(padded, seed)
	for i := len(seed); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New()
	seed := []byte("0123456789abcdef0123456789abcdef")

	t.Run("should round-trip", func(t *testing.T) {
		blob, err := v.EncryptSeed(seed, "correct horse battery staple")
		require.NoError(t, err)

		got, err := v.DecryptSeed(blob, "correct horse battery staple")
		require.NoError(t, err)
		assert.Equal(t, seed, got)
	})

	t.Run("fresh salt and iv per call", func(t *testing.T) {
		a, err := v.EncryptSeed(seed, "pw")
		require.NoError(t, err)
		b, err := v.EncryptSeed(seed, "pw")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("wrong passphrase fails with ErrDecrypt", func(t *testing.T) {
		blob, err := v.EncryptSeed(seed, "right")
		require.NoError(t, err)

		_, err = v.DecryptSeed(blob, "wrong")
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("truncated blob fails with ErrDecrypt", func(t *testing.T) {
		blob, err := v.EncryptSeed(seed, "pw")
		require.NoError(t, err)

		_, err = v.DecryptSeed(blob[:len(blob)-8], "pw")
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestParseBlob(t *testing.T) {
	t.Run("field count selects format", func(t *testing.T) {
		legacy, err := ParseBlob("00112233445566778899aabbccddeeff:deadbeefdeadbeefdeadbeefdeadbeef")
		require.NoError(t, err)
		assert.Equal(t, FormatLegacy, legacy.Format)
		assert.Nil(t, legacy.Salt)

		current, err := ParseBlob("aa:bb:cc")
		require.NoError(t, err)
		assert.Equal(t, FormatCurrent, current.Format)
	})

	t.Run("rejects wrong field counts and bad hex", func(t *testing.T) {
		_, err := ParseBlob("justonefield")
		assert.ErrorIs(t, err, ErrDecrypt)

		_, err = ParseBlob("aa:bb:cc:dd")
		assert.ErrorIs(t, err, ErrDecrypt)

		_, err = ParseBlob("zz:bb:cc")
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("string round-trips both layouts", func(t *testing.T) {
		for _, s := range []string{"aabb:ccdd", "aabb:ccdd:eeff"} {
			blob, err := ParseBlob(s)
			require.NoError(t, err)
			assert.Equal(t, s, blob.String())
		}
	})
}

func TestLegacyMigration(t *testing.T) {
	v := New()
	seed := []byte("legacy wallet seed material here")

	t.Run("legacy blob decrypts via legacy path", func(t *testing.T) {
		blob := encryptLegacy(t, seed, "pw")

		parsed, err := ParseBlob(blob)
		require.NoError(t, err)
		assert.Equal(t, FormatLegacy, parsed.Format)

		got, err := v.DecryptSeed(blob, "pw")
		require.NoError(t, err)
		assert.Equal(t, seed, got)
	})

	t.Run("re-encryption emits the current three-field layout", func(t *testing.T) {
		legacy := encryptLegacy(t, seed, "pw")
		got, err := v.DecryptSeed(legacy, "pw")
		require.NoError(t, err)

		reencrypted, err := v.EncryptSeed(got, "pw")
		require.NoError(t, err)

		parsed, err := ParseBlob(reencrypted)
		require.NoError(t, err)
		assert.Equal(t, FormatCurrent, parsed.Format)

		back, err := v.DecryptSeed(reencrypted, "pw")
		require.NoError(t, err)
		assert.Equal(t, seed, back)
	})

	t.Run("legacy blob with wrong passphrase fails", func(t *testing.T) {
		blob := encryptLegacy(t, seed, "pw")
		_, err := v.DecryptSeed(blob, "not-pw")
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestDeriveAddress(t *testing.T) {
	v := New()
	seed := []byte("0123456789abcdef0123456789abcdef")

	t.Run("pure function of seed and index", func(t *testing.T) {
		a1, p1 := v.DeriveAddress(seed, 7)
		a2, p2 := v.DeriveAddress(seed, 7)
		assert.Equal(t, a1, a2)
		assert.Equal(t, p1, p2)
		assert.Equal(t, "m/0/7", p1)
	})

	t.Run("distinct indices yield distinct addresses", func(t *testing.T) {
		seen := make(map[string]uint32)
		for i := uint32(0); i < 100; i++ {
			addr, _ := v.DeriveAddress(seed, i)
			prev, dup := seen[addr]
			require.False(t, dup, "index %d collides with %d", i, prev)
			seen[addr] = i
		}
	})

	t.Run("distinct seeds yield distinct addresses", func(t *testing.T) {
		a, _ := v.DeriveAddress([]byte("seed-a-seed-a-seed-a-seed-a-1234"), 0)
		b, _ := v.DeriveAddress([]byte("seed-b-seed-b-seed-b-seed-b-1234"), 0)
		assert.NotEqual(t, a, b)
	})
}
