package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass 广播失败的处理方式
type ErrorClass int

const (
	// ClassTransient 网络/超时等基础设施错误，下一轮重试
	ClassTransient ErrorClass = iota
	// ClassNonce nonce 冲突，清空 nonce 缓存后重试
	ClassNonce
	// ClassInsufficientFunds 工作钱包余额不足，等待补充后重试
	ClassInsufficientFunds
	// ClassAlreadyKnown 节点已有同一笔交易，视为成功
	ClassAlreadyKnown
	// ClassPermanent 节点拒绝该交易，消耗重试次数
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNonce:
		return "nonce"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassAlreadyKnown:
		return "already_known"
	default:
		return "permanent"
	}
}

// Retryable 不消耗重试次数
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassNonce || c == ClassInsufficientFunds
}

// 节点 txpool 返回的错误文本
var (
	nonceMessages = []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"nonce has already been used",
	}
	fundsMessages = []string{
		"insufficient funds",
	}
	transientMessages = []string{
		"transaction underpriced",
		"max fee per gas less than block base fee",
		"txpool is full",
		"too many requests",
	}
)

// Classify 根据错误类型/文本判断处理方式
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "already known") {
		return ClassAlreadyKnown
	}
	if containsAny(msg, nonceMessages) {
		return ClassNonce
	}
	if containsAny(msg, fundsMessages) {
		return ClassInsufficientFunds
	}
	if containsAny(msg, transientMessages) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return ClassTransient
	}

	// 节点返回的 JSON-RPC 错误: 交易本身被拒绝
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsRejection 节点以 JSON-RPC 错误明确拒绝了交易，交易没有进入交易池
// 超时、网络错误无法判断交易是否已被接收，返回 false
func IsRejection(err error) bool {
	if err == nil || Classify(err) == ClassAlreadyKnown {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return false
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// IsNonceError nonce 类错误
func IsNonceError(err error) bool {
	return err != nil && Classify(err) == ClassNonce
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
