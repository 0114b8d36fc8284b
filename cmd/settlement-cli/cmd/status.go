package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"settlement-core/internal/ledger"
	"settlement-core/pkg/config"
	"settlement-core/pkg/database"
)

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "充值单查询",
}

var depositStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看充值单状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(args[0], func(ctx context.Context, store *ledger.GormStore, id uint64) (interface{}, error) {
			return store.GetDeposit(ctx, id)
		})
	},
}

var withdrawalCmd = &cobra.Command{
	Use:   "withdrawal",
	Short: "提现单查询",
}

var withdrawalStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看提现单状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(args[0], func(ctx context.Context, store *ledger.GormStore, id uint64) (interface{}, error) {
			return store.GetWithdrawal(ctx, id)
		})
	},
}

func init() {
	depositCmd.AddCommand(depositStatusCmd)
	withdrawalCmd.AddCommand(withdrawalStatusCmd)
	rootCmd.AddCommand(depositCmd, withdrawalCmd)
}

func withStore(idArg string, fn func(ctx context.Context, store *ledger.GormStore, id uint64) (interface{}, error)) error {
	id, err := strconv.ParseUint(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("id 必须是正整数: %w", err)
	}

	db, err := database.ConnectPostgres(config.Global.DB.DSN(), false)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := fn(ctx, ledger.NewGormStore(db), id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
