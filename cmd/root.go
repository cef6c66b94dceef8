package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/load-engine/internal/runner"
	"yqhp/load-engine/pkg/logger"

	// 注册所有输出插件与场景
	_ "yqhp/load-engine/internal/scenario/expense"
	_ "yqhp/load-engine/pkg/output/all"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
          /\      |‾‾| Load Engine %s
     /\  /  \     |  |
    /  \/    \    |  |
   /          \   |  |
  / __________ \  |__|
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// exitError 携带进程退出码
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "load-engine",
	Short: "虚拟用户压测引擎",
	Long: `load-engine 以大量并发虚拟用户驱动 HTTP 接口，
实时聚合请求指标与百分位，并按阈值判定测试是否通过。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logger.EnableDebug()
		}
	},
}

// Execute 执行根命令并返回进程退出码
func Execute() int {
	defer logger.Sync()
	err := rootCmd.Execute()
	if err == nil {
		return runner.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return runner.ExitError
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式，不输出汇总")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
