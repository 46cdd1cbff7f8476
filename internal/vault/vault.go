package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ripemd160"
)

// ErrDecrypt covers every way a stored blob can fail to open: wrong
// passphrase, truncation, corruption. Callers must treat it as fatal for the
// operation; the vault never guesses or auto-corrects.
var ErrDecrypt = errors.New("seed decrypt failed")

const (
	// PBKDF2-SHA256 iteration count for the current format. Fixed: changing
	// it would silently break every stored blob.
	kdfIterations = 100_000

	saltSize = 32
	keySize  = 32

	addressVersion = 0x00
)

// BlobFormat identifies which on-disk encryption layout a blob uses.
type BlobFormat int

const (
	// FormatLegacy is the old iv:ciphertext layout, AES-256-CBC with an
	// implicit sha256(passphrase) key. Read-only; re-encryption always
	// emits FormatCurrent.
	FormatLegacy BlobFormat = iota
	// FormatCurrent is salt:iv:ciphertext, PBKDF2 + AES-256-GCM.
	FormatCurrent
)

// EncryptedBlob is a parsed seed blob. Format is decided once, here, by
// field count — never by ad hoc splitting at call sites.
type EncryptedBlob struct {
	Format     BlobFormat
	Salt       []byte
	IV         []byte
	Ciphertext []byte
}

// ParseBlob splits a stored blob string into its parts. Two hex fields is
// the legacy layout, three is current; anything else is corrupt.
func ParseBlob(s string) (EncryptedBlob, error) {
	fields := strings.Split(s, ":")

	decode := func(field string) ([]byte, error) {
		b, err := hex.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex field", ErrDecrypt)
		}
		return b, nil
	}

	switch len(fields) {
	case 2:
		iv, err := decode(fields[0])
		if err != nil {
			return EncryptedBlob{}, err
		}
		ct, err := decode(fields[1])
		if err != nil {
			return EncryptedBlob{}, err
		}
		return EncryptedBlob{Format: FormatLegacy, IV: iv, Ciphertext: ct}, nil

	case 3:
		salt, err := decode(fields[0])
		if err != nil {
			return EncryptedBlob{}, err
		}
		iv, err := decode(fields[1])
		if err != nil {
			return EncryptedBlob{}, err
		}
		ct, err := decode(fields[2])
		if err != nil {
			return EncryptedBlob{}, err
		}
		return EncryptedBlob{Format: FormatCurrent, Salt: salt, IV: iv, Ciphertext: ct}, nil

	default:
		return EncryptedBlob{}, fmt.Errorf("%w: expected 2 or 3 fields, got %d", ErrDecrypt, len(fields))
	}
}

// String renders the blob back into its storage form.
func (b EncryptedBlob) String() string {
	if b.Format == FormatLegacy {
		return hex.EncodeToString(b.IV) + ":" + hex.EncodeToString(b.Ciphertext)
	}
	return hex.EncodeToString(b.Salt) + ":" + hex.EncodeToString(b.IV) + ":" + hex.EncodeToString(b.Ciphertext)
}

// Vault encrypts seed material at rest and derives deterministic child
// addresses. It holds no mutable state, only KDF parameters.
type Vault struct {
	iterations int
}

// New creates a vault with the fixed production KDF parameters.
func New() *Vault {
	return &Vault{iterations: kdfIterations}
}

// EncryptSeed seals the seed under the passphrase. Every call draws a fresh
// salt and nonce, so encrypting the same seed twice yields different blobs.
// Output is the current hex(salt):hex(iv):hex(ciphertext) layout.
func (v *Vault) EncryptSeed(seed []byte, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, v.iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, seed, nil)

	blob := EncryptedBlob{Format: FormatCurrent, Salt: salt, IV: nonce, Ciphertext: ct}
	return blob.String(), nil
}

// DecryptSeed opens a stored blob, selecting the code path by the parsed
// format. Wrong passphrase and corruption are indistinguishable by design;
// both surface as ErrDecrypt.
func (v *Vault) DecryptSeed(blob string, passphrase string) ([]byte, error) {
	parsed, err := ParseBlob(blob)
	if err != nil {
		return nil, err
	}
	return v.decryptBlob(parsed, passphrase)
}

func (v *Vault) decryptBlob(blob EncryptedBlob, passphrase string) ([]byte, error) {
	switch blob.Format {
	case FormatLegacy:
		return decryptLegacy(blob, passphrase)
	default:
		return v.decryptCurrent(blob, passphrase)
	}
}

func (v *Vault) decryptCurrent(blob EncryptedBlob, passphrase string) ([]byte, error) {
	key := pbkdf2.Key([]byte(passphrase), blob.Salt, v.iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(blob.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrDecrypt)
	}

	seed, err := gcm.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return seed, nil
}

// decryptLegacy opens the old iv:ciphertext layout: AES-256-CBC keyed by a
// single unsalted sha256 of the passphrase. Kept read-only so stored blobs
// migrate on first use instead of needing an offline pass.
func decryptLegacy(blob EncryptedBlob, passphrase string) ([]byte, error) {
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(blob.IV) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv length", ErrDecrypt)
	}
	if len(blob.Ciphertext) == 0 || len(blob.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrDecrypt)
	}

	plain := make([]byte, len(blob.Ciphertext))
	cipher.NewCBCDecrypter(block, blob.IV).CryptBlocks(plain, blob.Ciphertext)

	return stripPKCS7(plain)
}

// stripPKCS7 validates and removes padding. A bad pad means a wrong
// passphrase or a corrupt blob; either way the finalize failure is ErrDecrypt.
func stripPKCS7(plain []byte) ([]byte, error) {
	n := int(plain[len(plain)-1])
	if n == 0 || n > aes.BlockSize || n > len(plain) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, b := range plain[len(plain)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return plain[:len(plain)-n], nil
}

// DeriveAddress produces the deterministic receiving address for a
// derivation index. It is a pure function of (seed, index): an HMAC-SHA256
// chain over the path segments yields the child key, which is encoded as a
// base58check hash160 address. Indices must never be reused across orders;
// the store enforces that invariant.
func (v *Vault) DeriveAddress(seed []byte, index uint32) (address string, path string) {
	path = fmt.Sprintf("m/0/%d", index)

	child := deriveChild(deriveChild(seed, 0), index)
	return encodeAddress(child), path
}

func deriveChild(key []byte, index uint32) []byte {
	mac := hmac.New(sha256.New, key)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func encodeAddress(child []byte) string {
	sha := sha256.Sum256(child)
	rip := ripemd160.New()
	rip.Write(sha[:])

	payload := append([]byte{addressVersion}, rip.Sum(nil)...)

	check1 := sha256.Sum256(payload)
	check2 := sha256.Sum256(check1[:])

	return base58.Encode(append(payload, check2[:4]...))
}
