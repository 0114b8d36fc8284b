package nonce

// Reconcile 各来源报告的 "最后已使用 nonce" 取最大值 + 1
// 没有任何来源有值时返回 0 (全新地址)
func Reconcile(sources []*uint64) uint64 {
	var (
		max   uint64
		found bool
	)
	for _, s := range sources {
		if s == nil {
			continue
		}
		if !found || *s > max {
			max = *s
			found = true
		}
	}
	if !found {
		return 0
	}
	return max + 1
}

// lastUsedFromPending 链上 pending 交易数 n 表示 0..n-1 已被使用
func lastUsedFromPending(n uint64) *uint64 {
	if n == 0 {
		return nil
	}
	v := n - 1
	return &v
}
