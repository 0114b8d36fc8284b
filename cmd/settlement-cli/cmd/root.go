package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"settlement-core/pkg/config"
	"settlement-core/pkg/logger"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "settlement-cli",
	Short: "充提结算引擎运维工具",
	Long: `settlement-core 的命令行运维工具。
支持查看/重置工作钱包 nonce、生成加密 keystore、查询充值单与提现单状态。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Init()
		logger.Init(config.Global.App.Env)
	},
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
