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
	"github.com/spf13/pflag"

	"yqhp/load-engine/internal/config"
	"yqhp/load-engine/internal/runner"
	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/pkg/logger"
)

var (
	// run 命令的 flags
	runScenario      string
	runExecutor      string
	runVUs           int
	runIterations    int
	runDuration      time.Duration
	runMaxDuration   time.Duration
	runStages        []string
	runBaseURL       string
	runOutputs       []string
	runSummaryExport string
	runHistoryDSN    string
	runLogLevel      string
	runFailurePolicy string
	runEnvFiles      []string
)

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run [config.yaml]",
	Short: "执行压测场景",
	Long: `执行一个已注册的场景。

配置优先级：默认值 < YAML 文件 < .env 文件 < 环境变量 (LE_*) < 命令行参数。

支持的执行模式：
  - per-vu-iterations: 每个 VU 执行固定迭代次数
  - shared-iterations: 所有 VU 共享迭代次数
  - constant-vus: 固定虚拟用户数
  - ramping-vus: 渐进式虚拟用户数
  - constant-arrival-rate: 固定到达率

退出码：0 通过，99 阈值未通过，104 配置错误，1 其他错误。`,
	Example: `  # 100 个 VU 各执行一次注册流程
  load-engine run --scenario registration -u 100 -i 1 --base-url http://localhost:8081

  # 使用配置文件，并覆盖 VU 数
  load-engine run loadtest.yaml -u 20

  # 渐进式加压
  load-engine run --executor ramping-vus --stage 30s:10 --stage 1m:50 --stage 30s:0

  # 输出指标并导出汇总
  load-engine run --out json=samples.json --out prometheus=http://localhost:9091 --summary-export summary.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoadTest,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runScenario, "scenario", "s", "", fmt.Sprintf("场景名称 (%s)", strings.Join(scenario.List(), ", ")))
	f.StringVar(&runExecutor, "executor", "", "执行模式")
	f.IntVarP(&runVUs, "vus", "u", 0, "虚拟用户数")
	f.IntVarP(&runIterations, "iterations", "i", 0, "迭代次数")
	f.DurationVarP(&runDuration, "duration", "d", 0, "测试持续时间")
	f.DurationVar(&runMaxDuration, "max-duration", 0, "迭代模式的最长运行时间")
	f.StringArrayVar(&runStages, "stage", nil, "ramping-vus 阶段 (可多次指定)，格式: 30s:10")
	f.StringVar(&runBaseURL, "base-url", "", "被测服务地址")
	f.StringArrayVarP(&runOutputs, "out", "o", nil, "指标输出目标 (可多次指定)，格式: type=config")
	f.StringVar(&runSummaryExport, "summary-export", "", "汇总 JSON 导出路径或 minio://bucket/key")
	f.StringVar(&runHistoryDSN, "history-dsn", "", "运行历史数据库 (postgres://... 或 mysql://...)")
	f.StringVar(&runLogLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
	f.StringVar(&runFailurePolicy, "failure-policy", "", "迭代失败策略 (abort-iteration, abort-vu)")
	f.StringArrayVar(&runEnvFiles, "env-file", []string{".env"}, ".env 文件 (可多次指定)")
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) > 0 {
		path = args[0]
	}

	loader := config.NewLoader().
		WithConfigPath(path).
		WithEnvFiles(runEnvFiles...).
		WithCmdArgs(cmdOverrides(cmd.Flags()))
	if cmd.Flags().Changed("out") {
		loader.WithOutputs(runOutputs)
	}
	cfg, err := loader.Load()
	if err != nil {
		return &exitError{code: runner.ExitConfigError, err: err}
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger.Init(&cfg.Logging)

	// 创建可取消的上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n正在中止测试...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if !cfg.Summary.Quiet {
		printRunInfo(cfg)
	}

	res := runner.New(cfg).Run(ctx)
	if res.ExitCode == runner.ExitOK {
		return nil
	}
	if res.ExitCode == runner.ExitThresholdsFailed && res.Err == nil {
		return &exitError{code: res.ExitCode, err: fmt.Errorf("阈值检查失败: %s", failedThresholds(res))}
	}
	return &exitError{code: res.ExitCode, err: res.Err}
}

// cmdOverrides 只收集显式设置过的参数，键为配置的 yaml 路径；--out 经 WithOutputs 原样传入
func cmdOverrides(flags *pflag.FlagSet) map[string]string {
	out := make(map[string]string)
	set := func(name, key, value string) {
		if flags.Changed(name) {
			out[key] = value
		}
	}
	set("scenario", "scenario.name", runScenario)
	set("failure-policy", "scenario.failure_policy", runFailurePolicy)
	set("executor", "execution.executor", runExecutor)
	set("vus", "execution.vus", strconv.Itoa(runVUs))
	set("iterations", "execution.iterations", strconv.Itoa(runIterations))
	set("duration", "execution.duration", runDuration.String())
	set("max-duration", "execution.max_duration", runMaxDuration.String())
	set("stage", "execution.stages", strings.Join(runStages, ","))
	set("base-url", "http.base_url", runBaseURL)
	set("summary-export", "summary.export", runSummaryExport)
	set("history-dsn", "history.dsn", runHistoryDSN)
	set("log-level", "logging.level", runLogLevel)
	if quiet {
		out["summary.quiet"] = "true"
	}
	return out
}

func printRunInfo(cfg *config.Config) {
	e := cfg.Execution
	fmt.Printf(Banner, Version)
	fmt.Println()
	fmt.Printf("  场景: %s\n", cfg.Scenario.Name)
	fmt.Printf("  目标: %s\n", cfg.HTTP.BaseURL)
	fmt.Printf("  执行模式: %s\n", e.Executor)
	fmt.Printf("  虚拟用户数: %d\n", e.VUs)
	if e.Iterations > 0 {
		fmt.Printf("  迭代次数: %d\n", e.Iterations)
	}
	if e.Duration > 0 {
		fmt.Printf("  持续时间: %s\n", e.Duration)
	}
	if e.MaxDuration > 0 {
		fmt.Printf("  最长时间: %s\n", e.MaxDuration)
	}
	for _, st := range e.Stages {
		fmt.Printf("  阶段: %s\n", st)
	}
	if len(cfg.Outputs) > 0 {
		fmt.Printf("  输出: %s\n", strings.Join(cfg.Outputs, ", "))
	}
	fmt.Println()
	fmt.Println("执行中...")
	fmt.Println()
}

func failedThresholds(res *runner.Result) string {
	var failed []string
	for _, r := range res.Thresholds {
		if !r.Passed {
			failed = append(failed, r.Metric+": "+r.Expression)
		}
	}
	return fmt.Sprintf("%d/%d (%s)", len(failed), len(res.Thresholds), strings.Join(failed, "; "))
}
