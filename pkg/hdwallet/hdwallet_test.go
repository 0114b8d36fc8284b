package hdwallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKeyKnownVector(t *testing.T) {
	key, err := DeriveKey(testMnemonic, "", DefaultPath)
	require.NoError(t, err)

	addr := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr.Hex())
}

func TestDeriveKeyInvalidMnemonic(t *testing.T) {
	_, err := DeriveKey("not a mnemonic", "", DefaultPath)
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestGenerateMnemonic(t *testing.T) {
	m, err := GenerateMnemonic(128)
	require.NoError(t, err)
	assert.True(t, bip39.IsMnemonicValid(m))
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		want    []uint32
		wantErr bool
	}{
		{"m/44'/60'/0'/0/0", []uint32{0x8000002C, 0x8000003C, 0x80000000, 0, 0}, false},
		{"m/44h/60h/0h/0/1", []uint32{0x8000002C, 0x8000003C, 0x80000000, 0, 1}, false},
		{"m", nil, false},
		{"m/abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParsePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
