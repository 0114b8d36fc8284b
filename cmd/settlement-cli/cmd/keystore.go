package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"settlement-core/pkg/hdwallet"
	"settlement-core/pkg/keystore"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "工作钱包 keystore 管理",
}

var keystoreNewCmd = &cobra.Command{
	Use:   "new",
	Short: "生成新的工作钱包并加密保存到 keystore 文件",
	Long: `生成 24 词 BIP-39 助记词 (或 --raw 生成单个私钥)，
使用 scrypt + AES-256-GCM 加密后写入 --output 指定的文件。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		raw, _ := cmd.Flags().GetBool("raw")
		light, _ := cmd.Flags().GetBool("light")
		path, _ := cmd.Flags().GetString("path")

		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("文件已存在: %s", output)
		}

		password, err := readPassword()
		if err != nil {
			return err
		}

		// 1. 生成密钥材料
		var (
			secret  string
			address common.Address
		)
		if raw {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			secret = common.Bytes2Hex(crypto.FromECDSA(key))
			address = crypto.PubkeyToAddress(key.PublicKey)
		} else {
			mnemonic, err := hdwallet.GenerateMnemonic(256)
			if err != nil {
				return err
			}
			key, err := hdwallet.DeriveKey(mnemonic, "", path)
			if err != nil {
				return err
			}
			secret = mnemonic
			address = crypto.PubkeyToAddress(key.PublicKey)
		}

		// 2. 加密保存
		n := keystore.StandardScryptN
		if light {
			n = keystore.LightScryptN
		}
		ks, err := keystore.Encrypt([]byte(secret), password, n)
		if err != nil {
			return fmt.Errorf("加密失败: %w", err)
		}
		ks.Address = strings.ToLower(strings.TrimPrefix(address.Hex(), "0x"))
		if err := ks.SaveToFile(output); err != nil {
			return fmt.Errorf("保存 keystore 失败: %w", err)
		}

		fmt.Println("---------------------------------------------------")
		fmt.Printf("工作钱包地址: %s\n", address.Hex())
		fmt.Printf("Keystore:     %s\n", output)
		if !raw {
			fmt.Printf("派生路径:     %s\n", path)
		}
		fmt.Println("---------------------------------------------------")
		fmt.Println("请把 wallet.keystore_path 指向该文件，并通过 WALLET_PASSWORD 提供密码。")
		return nil
	},
}

func init() {
	keystoreNewCmd.Flags().StringP("output", "o", "wallet.json", "keystore 输出路径")
	keystoreNewCmd.Flags().Bool("raw", false, "生成单个私钥而不是助记词")
	keystoreNewCmd.Flags().Bool("light", false, "使用低强度 scrypt 参数 (仅限开发环境)")
	keystoreNewCmd.Flags().String("path", hdwallet.DefaultPath, "BIP-44 派生路径")
	keystoreCmd.AddCommand(keystoreNewCmd)
	rootCmd.AddCommand(keystoreCmd)
}

// readPassword 优先读取 WALLET_PASSWORD，否则在终端交互输入两次
func readPassword() (string, error) {
	if pw := os.Getenv("WALLET_PASSWORD"); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("未设置 WALLET_PASSWORD 且标准输入不是终端")
	}

	fmt.Print("请输入 keystore 密码: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("请再次输入密码: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("两次输入的密码不一致")
	}
	if len(first) < 8 {
		return "", errors.New("密码至少 8 位")
	}
	return string(first), nil
}
