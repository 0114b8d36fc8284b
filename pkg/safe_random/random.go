package safe_random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// Reader 全局共享的加密安全随机源，测试可替换
var Reader io.Reader = rand.Reader

// GenerateRandomBytes 生成 n 字节安全随机数
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader, b); err != nil {
		return nil, fmt.Errorf("生成随机字节失败: %w", err)
	}
	return b, nil
}

// GenerateRandomHexString 返回 2n 长度的 hex 字符串
func GenerateRandomHexString(n int) (string, error) {
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandomInt [0, max) 内的均匀随机数
func GenerateRandomInt(max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return nil, fmt.Errorf("最大值必须为正数")
	}
	return rand.Int(Reader, max)
}

// RandomInRange [min, max] 闭区间均匀随机 int64
func RandomInRange(min, max int64) (int64, error) {
	if max < min {
		return 0, fmt.Errorf("无效区间 [%d, %d]", min, max)
	}
	n, err := GenerateRandomInt(big.NewInt(max - min + 1))
	if err != nil {
		return 0, err
	}
	return min + n.Int64(), nil
}
