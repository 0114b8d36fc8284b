// Package amount 处理链上 wei 与游戏代币数量之间的定点换算
package amount

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// CoinDecimals 原生币精度 (ETH = 18)
	CoinDecimals = 18
	// MatchDecimals 充值金额匹配精度: 0.0001
	MatchDecimals = 4
)

// WeiToCoin 1e18 wei -> 1 coin，无精度损失
func WeiToCoin(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -CoinDecimals)
}

// CoinToWei 截断到 wei 精度
func CoinToWei(coin decimal.Decimal) *big.Int {
	return coin.Shift(CoinDecimals).Truncate(0).BigInt()
}

// MatchUnits 四舍五入到 4 位小数后，以 0.0001 为单位的整数
// 50.0037 -> 500037
func MatchUnits(d decimal.Decimal) int64 {
	return d.Round(MatchDecimals).Shift(MatchDecimals).IntPart()
}

// FromMatchUnits MatchUnits 的逆运算
func FromMatchUnits(units int64) decimal.Decimal {
	return decimal.New(units, -MatchDecimals)
}

// EpsilonUnits 容差换算为整数单位，向下取整
// 0.00005 -> 0 (只接受精确匹配), 0.0001 -> 1
func EpsilonUnits(eps decimal.Decimal) int64 {
	if eps.IsNegative() {
		return 0
	}
	return eps.Shift(MatchDecimals).Floor().IntPart()
}

// HasMatchPrecision 金额是否最多 4 位小数
func HasMatchPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MatchDecimals))
}

// AbsDiff |a-b|
func AbsDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
