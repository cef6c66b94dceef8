package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/config"
	"yqhp/load-engine/internal/mockapi"
	"yqhp/load-engine/internal/runner"
)

// resetRunFlags 恢复 run 命令的全局 flag 状态
func resetRunFlags() {
	runCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	runEnvFiles = []string{".env"}
}

func parseRunFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := runCmd.Flags()
	t.Cleanup(resetRunFlags)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestCmdOverrides_OnlyChangedFlags(t *testing.T) {
	fs := parseRunFlags(t, "-u", "20", "--stage", "30s:10", "--stage", "1m:0",
		"--out", "json=a.json", "--max-duration", "3h")

	got := cmdOverrides(fs)
	assert.Equal(t, map[string]string{
		"execution.vus":          "20",
		"execution.stages":       "30s:10,1m:0",
		"execution.max_duration": "3h0m0s",
	}, got)
}

func TestRunFlags_OutputsKeepCommas(t *testing.T) {
	parseRunFlags(t, "--out", "redis=redis://localhost:6379/0?stream=a,b", "--out", "json=a.json")

	cfg, err := config.NewLoader().WithOutputs(runOutputs).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"redis=redis://localhost:6379/0?stream=a,b", "json=a.json"}, cfg.Outputs)
}

func TestCmdOverrides_Empty(t *testing.T) {
	fs := parseRunFlags(t)
	assert.Empty(t, cmdOverrides(fs))
}

func executeArgs(t *testing.T, args ...string) int {
	t.Helper()
	root := GetRootCmd()
	root.SetArgs(args)
	t.Cleanup(func() {
		root.SetArgs(nil)
		resetRunFlags()
		quiet = false
	})
	return Execute()
}

func smallJourneyEnv(t *testing.T) {
	t.Setenv("LE_WALLETS", "1")
	t.Setenv("LE_TRANSACTIONS", "2")
	t.Setenv("LE_DEBTS", "1")
	t.Setenv("LE_THINK_TIME", "0s")
}

func TestExecute_RunAgainstMock(t *testing.T) {
	srv, baseURL, err := mockapi.StartLocal(mockapi.Options{Plan: mockapi.PlanPremium})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	smallJourneyEnv(t)

	code := executeArgs(t, "run", "--quiet", "--scenario", "registration", "-u", "2", "-i", "1",
		"--base-url", baseURL, "--env-file", filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, runner.ExitOK, code)
	assert.Equal(t, 2, srv.Store().Counts().Users)
}

func TestExecute_ConfigErrorExitCode(t *testing.T) {
	code := executeArgs(t, "run", "--quiet", "--executor", "bursty",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, runner.ExitConfigError, code)

	code = executeArgs(t, "run", "--quiet", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, runner.ExitConfigError, code)
}

func TestExecute_BadStageExitCode(t *testing.T) {
	srv, baseURL, err := mockapi.StartLocal(mockapi.Options{})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	missingEnv := filepath.Join(t.TempDir(), "missing.env")

	for _, stage := range []string{"1m", "30s:x", "abc", "-1s:5", "30s:10,"} {
		resetRunFlags()
		code := executeArgs(t, "run", "--quiet", "--executor", "ramping-vus", "--stage="+stage,
			"--base-url", baseURL, "--env-file", missingEnv)
		assert.Equal(t, runner.ExitConfigError, code, stage)
	}
	assert.Equal(t, int64(0), srv.Requests())
}

func TestExecute_ThresholdsFailedExitCode(t *testing.T) {
	srv, baseURL, err := mockapi.StartLocal(mockapi.Options{FailStatus: 500})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	smallJourneyEnv(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "loadtest.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
scenario:
  name: registration
thresholds:
  http_req_failed:
    - rate<0.05
`), 0o644))

	code := executeArgs(t, "run", cfgPath, "--quiet", "-u", "2", "-i", "1", "--base-url", baseURL,
		"--env-file", filepath.Join(dir, "missing.env"))
	assert.Equal(t, runner.ExitThresholdsFailed, code)
}
