package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/char5742/stickkeys/internal/api"
	"github.com/char5742/stickkeys/internal/config"
	"github.com/char5742/stickkeys/internal/features"
	"github.com/char5742/stickkeys/internal/logging"
	"github.com/char5742/stickkeys/internal/remap"
)

// コマンドラインオプション
type options struct {
	configPath string
	logLevel   string
	logFormat  string
	useAPI     bool
	port       int
	yes        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          config.AppName,
		Short:        "ポインティングスティックの入力を方向キーに変換します",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemap(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "設定ファイルのパス (指定しない場合はデフォルトパスを使用)")
	flags.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "ログ形式 (text, json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "変換を開始します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemap(cmd, opts)
		},
	}
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().BoolVar(&opts.useAPI, "api", false, "APIサーバーモードで起動します")
		cmd.Flags().IntVar(&opts.port, "port", 0, "APIサーバーのポート番号 (指定しない場合は設定ファイルの値)")
		cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "対象デバイスの登録前に確認しません")
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "入力デバイスの一覧を表示します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, opts)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "登録済みの対象デバイスを削除します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd, opts)
		},
	}

	rootCmd.AddCommand(runCmd, devicesCmd, resetCmd)
	return rootCmd
}

// loadConfig は設定ファイルを読み込み、ロガーを作成する
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, string, *slog.Logger, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			return nil, "", nil, fmt.Errorf("デフォルト設定ディレクトリの取得に失敗しました: %w", err)
		}
		cfgPath = path
	}

	cfg, loadErr := config.LoadConfig(cfgPath)
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, "", nil, err
	}
	slog.SetDefault(logger)

	if loadErr != nil {
		logger.Warn("設定ファイルの読み込みに失敗しました。デフォルト設定を使用します", "path", cfgPath, "error", loadErr)
	} else {
		logger.Debug("設定ファイルを読み込みました", "path", cfgPath)
	}
	return cfg, cfgPath, logger, nil
}

func runRemap(cmd *cobra.Command, opts *options) error {
	cfg, cfgPath, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	identityPath, err := cfg.IdentityPath()
	if err != nil {
		return fmt.Errorf("識別ファイルのパスを決定できません: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := api.NewRemapService(api.ServiceOptions{
		Config: cfg,
		Logger: logger,
		Watch:  true,
	})

	if opts.useAPI {
		port := cfg.API.Port
		if opts.port != 0 {
			port = opts.port
		}
		return runAPIServer(ctx, api.NewServer(cfg, cfgPath, service, logger, port), service)
	}

	// 未設定の場合はデバイス一覧を表示してから登録を始める
	if _, err := config.LoadIdentity(identityPath); errors.Is(err, config.ErrNotConfigured) {
		if err := prepareCapture(ctx, cmd, cfg, opts.yes); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}

	if err := service.Start(); err != nil {
		return fmt.Errorf("変換サービスの起動に失敗しました: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("シャットダウンします")
		return service.Stop()
	case <-service.Done():
		return nil
	}
}

// APIサーバーモードでの実行
func runAPIServer(ctx context.Context, server *api.Server, service *api.RemapService) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("APIサーバーの起動に失敗しました: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("APIサーバーの停止に失敗しました", "error", err)
	}
	if service.IsRunning() {
		return service.Stop()
	}
	return nil
}

// prepareCapture は登録前にデバイス一覧を表示して確認を待つ
func prepareCapture(ctx context.Context, cmd *cobra.Command, cfg *config.Config, yes bool) error {
	out := cmd.OutOrStdout()

	devices, err := features.ScanDevices(cfg.Device.InputDir)
	if err != nil {
		return fmt.Errorf("デバイス一覧の取得に失敗しました: %w", err)
	}
	fmt.Fprintln(out, "対象デバイスが登録されていません。検出された入力デバイス:")
	printDevices(out, devices, remap.DeviceIdentity{})

	if yes {
		fmt.Fprintln(out, "登録するポインティングスティックを動かしてください")
		return nil
	}

	fmt.Fprintln(out, "Enterキーを押してから、登録するポインティングスティックを動かしてください")
	return waitForEnter(ctx, cmd.InOrStdin())
}

// waitForEnter は改行が入力されるまで待つ
func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runDevices(cmd *cobra.Command, opts *options) error {
	cfg, _, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	devices, err := features.ScanDevices(cfg.Device.InputDir)
	if err != nil {
		return fmt.Errorf("デバイス一覧の取得に失敗しました: %w", err)
	}

	var identity remap.DeviceIdentity
	if identityPath, err := cfg.IdentityPath(); err == nil {
		identity, err = config.LoadIdentity(identityPath)
		if err != nil && !errors.Is(err, config.ErrNotConfigured) {
			logger.Warn("識別ファイルを読み込めませんでした", "path", identityPath, "error", err)
		}
	}

	out := cmd.OutOrStdout()
	printDevices(out, devices, identity)

	if identity.IsZero() {
		fmt.Fprintln(out, "\n対象デバイス: 未設定")
		return nil
	}
	if _, err := features.FindDevice(devices, identity); err != nil {
		fmt.Fprintf(out, "\n対象デバイス: %s (not found)\n", identity)
		fmt.Fprintf(out, "識別ファイルを削除して (%s reset) 再度設定してください\n", config.AppName)
		return nil
	}
	fmt.Fprintf(out, "\n対象デバイス: %s (found)\n", identity)
	return nil
}

func runReset(cmd *cobra.Command, opts *options) error {
	cfg, _, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	identityPath, err := cfg.IdentityPath()
	if err != nil {
		return fmt.Errorf("識別ファイルのパスを決定できません: %w", err)
	}
	if err := config.RemoveIdentity(identityPath); err != nil {
		return fmt.Errorf("識別ファイルの削除に失敗しました: %w", err)
	}
	logger.Info("識別ファイルを削除しました", "path", identityPath)
	fmt.Fprintln(cmd.OutOrStdout(), "次回の起動時に対象デバイスを登録し直します")
	return nil
}

// printDevices はデバイス一覧を表形式で出力する
func printDevices(w io.Writer, devices []features.Device, target remap.DeviceIdentity) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTYPE\tHANDLE\tPATH\tNAME\t")
	for i, d := range devices {
		mark := ""
		if !target.IsZero() && target.Matches(d.Identity()) {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d%s\t%s\t%s\t%s\t%s\t\n", i+1, mark, d.Type, d.Handle, d.Path, d.Name)
	}
	tw.Flush()
}
