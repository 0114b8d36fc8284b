package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"settlement-core/internal/chain"
	"settlement-core/internal/service/nonce"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/config"
	"settlement-core/pkg/database"
	"settlement-core/pkg/lock"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "工作钱包 nonce 诊断与修复",
}

var nonceShowCmd = &cobra.Command{
	Use:   "show [address]",
	Short: "查看本地缓存、共享缓存与链上 pending 的 nonce",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd.Context(), args, func(ctx context.Context, c *nonce.Coordinator, addr string) error {
			_, shared, pending, err := c.Peek(ctx, addr)
			if err != nil {
				return fmt.Errorf("查询链上 nonce 失败: %w", err)
			}
			fmt.Println("================ Nonce ================")
			fmt.Printf("Address:        %s\n", addr)
			fmt.Printf("Chain pending:  %d (下一个可用 nonce)\n", pending)
			if shared != nil {
				fmt.Printf("Shared cache:   %d (最后分配)\n", *shared)
			} else {
				fmt.Println("Shared cache:   <empty>")
			}
			fmt.Println("=======================================")
			return nil
		})
	},
}

var nonceResetCmd = &cobra.Command{
	Use:   "reset [address]",
	Short: "清空共享缓存，下一次分配从链上重新推导",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd.Context(), args, func(ctx context.Context, c *nonce.Coordinator, addr string) error {
			if err := c.ResetNonce(ctx, addr); err != nil {
				return err
			}
			fmt.Println("✅ nonce 缓存已清空")
			return nil
		})
	},
}

var nonceReserveCmd = &cobra.Command{
	Use:   "reserve [address]",
	Short: "预留一段连续 nonce (例如手工补发交易前)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		return withCoordinator(cmd.Context(), args, func(ctx context.Context, c *nonce.Coordinator, addr string) error {
			got, err := c.ReserveNonces(ctx, addr, count)
			if err != nil {
				return err
			}
			fmt.Printf("已预留 nonce: %v\n", got)
			fmt.Println("注意: 预留后必须用这些 nonce 发出交易，否则 worker 的交易会卡在空洞之后")
			return nil
		})
	},
}

func init() {
	nonceReserveCmd.Flags().Int("count", 1, "预留数量")
	nonceCmd.AddCommand(nonceShowCmd, nonceResetCmd, nonceReserveCmd)
	rootCmd.AddCommand(nonceCmd)
}

// withCoordinator 按服务端相同的配置构造 Coordinator (共享 Redis 缓存 + 分布式锁)
func withCoordinator(parent context.Context, args []string, fn func(ctx context.Context, c *nonce.Coordinator, address string) error) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := config.Global
	address := cfg.Wallet.Address
	if len(args) > 0 {
		address = args[0]
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("无效地址 %q: 通过参数或 wallet.address 指定工作钱包", address)
	}

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	client, err := chain.Dial(ctx, cfg.Chain.RpcUrl, cfg.Chain.ChainID)
	if err != nil {
		return err
	}
	defer client.Close()

	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("nonce 共享缓存在 Redis 中，Redis 不可用时无法操作: %w", err)
	}
	defer rdb.Close()

	c := nonce.New(client, cache.NewMemoryCache(time.Minute, time.Minute),
		nonce.WithSharedCache(cache.NewRedisCache(rdb, "settlement:")),
		nonce.WithDistributedLock(lock.NewRedisLock(rdb)),
		nonce.WithLockTTL(cfg.Settlement.NonceLockTTL),
	)
	defer c.Close(context.WithoutCancel(ctx))

	return fn(ctx, c, address)
}
