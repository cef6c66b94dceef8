package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/load-engine/internal/mockapi"
	"yqhp/load-engine/pkg/logger"
)

var (
	// mock 命令的 flags
	mockAddr       string
	mockPlan       string
	mockSecret     string
	mockLatency    time.Duration
	mockFailStatus int
	mockFailRoutes []string
	mockSeedUsers  int
	mockSeedPrefix string
	mockSeedPass   string
)

// mockCmd 启动内存版 expense-tracker API
var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "启动模拟的 expense-tracker API",
	Long: `启动一个内存版的 expense-tracker API，用于冒烟测试和本地调试。

可通过 --latency 注入延迟，通过 --fail-status 让匹配的路由直接返回指定状态码。`,
	Example: `  # 在 8081 端口启动，预置 100 个已注册用户
  load-engine mock --addr :8081 --seed-users 100

  # 所有交易接口返回 500
  load-engine mock --fail-status 500 --fail-route /api/v1/transactions`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

func init() {
	rootCmd.AddCommand(mockCmd)

	f := mockCmd.Flags()
	f.StringVar(&mockAddr, "addr", ":8081", "监听地址")
	f.StringVar(&mockPlan, "plan", mockapi.PlanFree, "新用户的订阅 (FREE, PREMIUM)")
	f.StringVar(&mockSecret, "secret", "", "JWT 签名密钥")
	f.DurationVar(&mockLatency, "latency", 0, "每个请求的附加延迟")
	f.IntVar(&mockFailStatus, "fail-status", 0, "注入的失败状态码")
	f.StringArrayVar(&mockFailRoutes, "fail-route", nil, "注入失败的路径前缀 (可多次指定)")
	f.IntVar(&mockSeedUsers, "seed-users", 0, "预置的用户数，邮箱为 <prefix>-<n>@example.com")
	f.StringVar(&mockSeedPrefix, "seed-prefix", "loadtest-user", "预置用户的邮箱前缀")
	f.StringVar(&mockSeedPass, "seed-password", "LoadTest123!", "预置用户的密码")
}

func runMock(cmd *cobra.Command, args []string) error {
	plan := strings.ToUpper(mockPlan)
	if plan != mockapi.PlanFree && plan != mockapi.PlanPremium {
		return fmt.Errorf("未知的订阅类型: %s", mockPlan)
	}
	srv := mockapi.New(mockapi.Options{
		Secret:     mockSecret,
		Plan:       plan,
		Latency:    mockLatency,
		FailStatus: mockFailStatus,
		FailRoutes: mockFailRoutes,
	})
	for i := 1; i <= mockSeedUsers; i++ {
		email := mockSeedPrefix + "-" + strconv.Itoa(i) + "@example.com"
		if _, err := srv.SeedUser(email, mockSeedPass, "Load Test User "+strconv.Itoa(i)); err != nil {
			return fmt.Errorf("预置用户 %s 失败: %w", email, err)
		}
	}
	if mockSeedUsers > 0 {
		logger.Info("seeded %d users (%s-N@example.com)", mockSeedUsers, mockSeedPrefix)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(mockAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\n正在关闭 mock 服务...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭 mock 服务失败: %w", err)
	}
	logger.Info("mock API stopped after %d requests", srv.Requests())
	return nil
}
