package safe_random

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestGenerateRandomBytes(t *testing.T) {
	n := 32
	b, err := GenerateRandomBytes(n)
	if err != nil {
		t.Fatalf("GenerateRandomBytes 失败: %v", err)
	}
	if len(b) != n {
		t.Errorf("GenerateRandomBytes 返回了 %d 字节, 期望 %d", len(b), n)
	}

	allZero := true
	for _, v := range b {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("GenerateRandomBytes 返回了全零数据，可能未正确生成随机数")
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := GenerateRandomHexString(16)
	if err != nil {
		t.Fatalf("GenerateRandomHexString 失败: %v", err)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("解码 Hex 字符串失败: %v", err)
	}
	if len(decoded) != 16 {
		t.Errorf("底层字节长度 = %d, 期望 16", len(decoded))
	}
}

func TestGenerateRandomInt(t *testing.T) {
	if _, err := GenerateRandomInt(big.NewInt(0)); err == nil {
		t.Error("max=0 应返回错误")
	}
	for i := 0; i < 100; i++ {
		n, err := GenerateRandomInt(big.NewInt(10))
		if err != nil {
			t.Fatalf("GenerateRandomInt 失败: %v", err)
		}
		if n.Sign() < 0 || n.Cmp(big.NewInt(10)) >= 0 {
			t.Fatalf("结果越界: %s", n)
		}
	}
}

func TestRandomInRange(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 500; i++ {
		v, err := RandomInRange(1, 5)
		if err != nil {
			t.Fatalf("RandomInRange 失败: %v", err)
		}
		if v < 1 || v > 5 {
			t.Fatalf("结果越界: %d", v)
		}
		seen[v] = true
	}
	if len(seen) != 5 {
		t.Errorf("500 次采样只覆盖了 %d 个值", len(seen))
	}
	if _, err := RandomInRange(5, 1); err == nil {
		t.Error("max < min 应返回错误")
	}
}
