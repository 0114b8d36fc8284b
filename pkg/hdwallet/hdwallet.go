// Package hdwallet 从 BIP-39 助记词按 BIP-44 路径派生工作钱包私钥
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// DefaultPath 以太坊第一个外部地址
const DefaultPath = "m/44'/60'/0'/0/0"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// GenerateMnemonic bitSize: 128 (12 词) 或 256 (24 词)
func GenerateMnemonic(bitSize int) (string, error) {
	entropy, err := bip39.NewEntropy(bitSize)
	if err != nil {
		return "", fmt.Errorf("生成熵失败: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("生成助记词失败: %w", err)
	}
	return mnemonic, nil
}

// DeriveKey 助记词 (+可选 passphrase) -> seed -> master -> path -> secp256k1 私钥
func DeriveKey(mnemonic, passphrase, path string) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	// 网络参数只影响序列化前缀，不影响派生结果
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("生成主密钥失败: %w", err)
	}

	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	key := master
	for _, idx := range indexes {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("派生子密钥失败: %w", err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// ParsePath 支持 m/44'/60'/0'/0/0 或 m/44h/60h/0h/0/0
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "m" {
		return nil, nil
	}
	path = strings.TrimPrefix(path, "m/")

	segments := strings.Split(path, "/")
	indexes := make([]uint32, 0, len(segments))
	for _, segment := range segments {
		hardened := false
		if strings.HasSuffix(segment, "'") || strings.HasSuffix(segment, "h") {
			hardened = true
			segment = segment[:len(segment)-1]
		}

		val, err := strconv.ParseUint(segment, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("无效的路径段 '%s': %w", segment, err)
		}
		idx := uint32(val)
		if hardened {
			if idx >= hdkeychain.HardenedKeyStart {
				return nil, fmt.Errorf("路径段越界: %s", segment)
			}
			idx += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}
