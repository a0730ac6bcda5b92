package chain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// sealedKey is the on-disk format of an encrypted wallet key.
type sealedKey struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where a wallet's private key comes from. A raw key wins
// over a sealed key file.
type KeySource struct {
	RawHex   string
	FilePath string
	Password string
}

// SealKey encrypts a hex private key with PBKDF2-HMAC-SHA256 and AES-256-GCM.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("chain: key password must not be empty")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("chain: expected 32-byte key, got %d bytes", len(raw))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chain: salt: %w", err)
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}

	return json.MarshalIndent(sealedKey{
		Version:    keyFileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// OpenKey decrypts a blob produced by SealKey into the hex key without 0x.
func OpenKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("chain: key password must not be empty")
	}
	var sk sealedKey
	if err := json.Unmarshal(blob, &sk); err != nil {
		return "", fmt.Errorf("chain: parse key file: %w", err)
	}
	if sk.Version != keyFileVersion {
		return "", fmt.Errorf("chain: unsupported key file version %d", sk.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(sk.Salt)
	if err != nil {
		return "", fmt.Errorf("chain: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sk.Nonce)
	if err != nil {
		return "", fmt.Errorf("chain: decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(sk.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("chain: decode ciphertext: %w", err)
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("chain: decrypt key (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("chain: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("chain: gcm: %w", err)
	}
	return gcm, nil
}

// LoadKey resolves src into a secp256k1 private key.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	var keyHex string
	switch {
	case src.RawHex != "":
		keyHex = strings.TrimPrefix(src.RawHex, "0x")
	case src.FilePath != "":
		blob, err := os.ReadFile(src.FilePath)
		if err != nil {
			return nil, fmt.Errorf("chain: read key file: %w", err)
		}
		keyHex, err = OpenKey(blob, src.Password)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("chain: no private key source configured")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	return key, nil
}
