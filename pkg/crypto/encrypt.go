package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize - размер ключа AES-256
	KeySize = 32
	// MinSecretLength - минимальная длина секрета, из которого выводится ключ
	MinSecretLength = 32

	versionPrefix = "v1:"
	hkdfInfo      = "brokerage-connections/credentials/v1"
)

// Ошибки шифрования
//
// Все ошибки расшифровки оборачивают ErrDecryptionFailed.
var (
	ErrInvalidKeyLength = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrSecretTooShort   = errors.New("encryption secret must be at least 32 bytes")

	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrInvalidCiphertext    = fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	ErrCiphertextTooShort   = fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	ErrUnknownKeyVersion    = fmt.Errorf("%w: unknown key version", ErrDecryptionFailed)
	ErrAuthenticationFailed = fmt.Errorf("%w: authentication error", ErrDecryptionFailed)
)

// Codec шифрует учетные данные брокеров ключом, выведенным из секрета приложения
//
// Формат: "v1:" + base64(nonce || ciphertext || tag).
// Codec не пишет логов: через него проходят открытые значения.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec создает Codec из секрета ENCRYPTION_KEY
func NewCodec(secret string) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	key, err := DeriveKey([]byte(secret))
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	return &Codec{aead: aead}, nil
}

// Encrypt шифрует plaintext, каждый вызов использует новый nonce
func (c *Codec) Encrypt(plaintext string) (string, error) {
	sealed, err := seal(c.aead, plaintext)
	if err != nil {
		return "", err
	}
	return versionPrefix + sealed, nil
}

// Decrypt расшифровывает значение, созданное Encrypt
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		return "", ErrUnknownKeyVersion
	}
	return open(c.aead, encoded)
}

// DeriveKey выводит 32-байтовый ключ AES-256 из секрета через HKDF-SHA256
func DeriveKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateKeyString генерирует секрет для ENCRYPTION_KEY (base64, 44 символа)
func GenerateKeyString() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// GCM добавляет аутентификационный тег, nonce идет префиксом
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func open(aead cipher.AEAD, ciphertextBase64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	// nonce + тег - минимальная длина
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}

	return string(plaintext), nil
}
