package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/qsw/qsw/internal/config"
	"github.com/qsw/qsw/internal/version"
)

const (
	configEnvKey      = "QSW_CONFIG"
	defaultConfigPath = "config.toml"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// exitError 携带子命令希望返回的退出码。
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func (e exitError) Unwrap() error { return e.err }

// run 构建命令树并执行，返回退出码，方便测试。
func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			fmt.Fprintln(stdErr, exit.err.Error())
			return exit.code
		}
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qsw",
		Short:         "Version-aware offline response cache",
		Long:          "Generates the offline cache scripts and manifest for a static build, and serves a site through the same cache runtime.",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().String("config", "", "配置文件路径（默认 ./config.toml，可被 QSW_CONFIG 覆盖）")

	root.AddCommand(
		newGenerateCmd(),
		newHashCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath 计算最终的配置路径：--config 优先于 QSW_CONFIG；
// 都未设置时仅在 ./config.toml 存在时使用它。
func resolveConfigPath(cmd *cobra.Command) string {
	if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Value.String() != "" {
		return flag.Value.String()
	}
	if env := os.Getenv(configEnvKey); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadConfig 读取配置并叠加当前子命令的标志，失败时返回退出码 1。
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := resolveConfigPath(cmd)
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, path, exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}
	return cfg, path, nil
}

// addSiteFlags 注册 generate/hash/serve 共用的站点标志，默认值与配置默认值一致。
func addSiteFlags(cmd *cobra.Command) {
	cmd.Flags().String("root", "build", "Build directory path")
	cmd.Flags().String("type", "runtime", "Cache type: static or runtime")
}
