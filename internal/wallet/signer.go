// Package wallet 加载并持有工作钱包私钥
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"settlement-core/internal/chain"
	"settlement-core/pkg/config"
	"settlement-core/pkg/hdwallet"
	"settlement-core/pkg/keystore"
)

var (
	ErrNoKeySource     = errors.New("wallet: no keystore, mnemonic or private key configured")
	ErrAddressMismatch = errors.New("wallet: configured address does not match the loaded key")
)

// KeySigner 用单个私钥签名
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ chain.Signer = (*KeySigner)(nil)

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// LoadSigner 按 keystore > mnemonic > private_key 的优先级加载私钥
// 配置了 wallet.address 时校验与私钥一致
func LoadSigner(cfg config.WalletConfig) (*KeySigner, error) {
	key, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}
	signer := NewKeySigner(key)

	if cfg.Address != "" && !strings.EqualFold(cfg.Address, signer.Address().Hex()) {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrAddressMismatch, cfg.Address, signer.Address().Hex())
	}
	return signer, nil
}

func loadKey(cfg config.WalletConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.KeystorePath != "":
		// 1. 加密 keystore 文件
		ks, err := keystore.LoadFromFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("load keystore: %w", err)
		}
		secret, err := keystore.Decrypt(ks, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		// keystore 里可以是助记词，也可以是十六进制私钥
		if s := strings.TrimSpace(string(secret)); strings.Contains(s, " ") {
			return hdwallet.DeriveKey(s, "", hdPath(cfg))
		}
		return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(secret)), "0x"))

	case cfg.Mnemonic != "":
		// 2. 助记词 + BIP-44 路径
		return hdwallet.DeriveKey(cfg.Mnemonic, "", hdPath(cfg))

	case cfg.PrivateKey != "":
		// 3. 明文私钥，仅限开发环境
		return crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	}
	return nil, ErrNoKeySource
}

func hdPath(cfg config.WalletConfig) string {
	if cfg.HDPath == "" {
		return hdwallet.DefaultPath
	}
	return cfg.HDPath
}
