package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

// ErrMACMismatch 密码错误或文件损坏
var ErrMACMismatch = errors.New("invalid password or corrupted data (MAC mismatch)")

// EncryptedKeyJSON 参考 Ethereum Keystore V3 的结构，存储工作钱包私钥 (hex)
type EncryptedKeyJSON struct {
	Address string     `json:"address,omitempty"`
	Crypto  CryptoJSON `json:"crypto"`
	Id      string     `json:"id"`
	Version int        `json:"version"`
}

type CryptoJSON struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

type CipherParams struct {
	IV string `json:"iv"`
}

type KDFParams struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Salt  string `json:"salt"`
}

const (
	StandardScryptN = 262144
	// LightScryptN 仅用于测试和本地开发
	LightScryptN = 4096

	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

// Encrypt 使用 scrypt 派生密钥 + AES-256-GCM 加密 secret
func Encrypt(secret []byte, password string, scryptN int) (*EncryptedKeyJSON, error) {
	// 1. 随机 Salt
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	// 2. Scrypt 派生 32 字节 AES key
	derivedKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}

	// 3. AES-256-GCM
	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, secret, nil)

	// 4. MAC = SHA256(derivedKey + ciphertext)，解密前先校验密码
	mac := computeMAC(derivedKey, ciphertext)

	return &EncryptedKeyJSON{
		Version: 3,
		Id:      uuid.NewString(),
		Crypto: CryptoJSON{
			Cipher:       "aes-256-gcm",
			CipherText:   hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{IV: hex.EncodeToString(nonce)},
			KDF:          "scrypt",
			KDFParams: KDFParams{
				DKLen: scryptDKLen,
				N:     scryptN,
				R:     scryptR,
				P:     scryptP,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac),
		},
	}, nil
}

// Decrypt 还原 secret
func Decrypt(keyJSON *EncryptedKeyJSON, password string) ([]byte, error) {
	if keyJSON.Crypto.KDF != "scrypt" || keyJSON.Crypto.Cipher != "aes-256-gcm" {
		return nil, fmt.Errorf("unsupported keystore: kdf=%s cipher=%s", keyJSON.Crypto.KDF, keyJSON.Crypto.Cipher)
	}

	salt, err := hex.DecodeString(keyJSON.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt: %w", err)
	}
	nonce, err := hex.DecodeString(keyJSON.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(keyJSON.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	mac, err := hex.DecodeString(keyJSON.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("invalid mac: %w", err)
	}

	p := keyJSON.Crypto.KDFParams
	derivedKey, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(mac, computeMAC(derivedKey, ciphertext)) != 1 {
		return nil, ErrMACMismatch
	}

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// SaveToFile 保存到文件 (0600)
func (k *EncryptedKeyJSON) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// LoadFromFile 从文件加载
func LoadFromFile(filename string) (*EncryptedKeyJSON, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var k EncryptedKeyJSON
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", filename, err)
	}
	return &k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func computeMAC(derivedKey, ciphertext []byte) []byte {
	buf := make([]byte, 0, len(derivedKey)+len(ciphertext))
	buf = append(buf, derivedKey...)
	buf = append(buf, ciphertext...)
	sum := sha256.Sum256(buf)
	return sum[:]
}
