package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/stone-age-io/svchost/internal/agent"
	"github.com/stone-age-io/svchost/internal/config"
	"github.com/stone-age-io/svchost/internal/logging"
	"github.com/stone-age-io/svchost/internal/metrics"
	"github.com/stone-age-io/svchost/pkg/catalog"
	"github.com/stone-age-io/svchost/pkg/host"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = ""

func getVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "svchost",
		Short:         "Run an application as a managed operating system service",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.GetDefaultConfigPath(), "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run under the service manager, or on the console when started interactively",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runService(cfgPath)
			},
		},
		&cobra.Command{
			Use:   "install",
			Short: "Register the service with the service manager",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return installService(cfgPath)
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop the service and remove its registration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return uninstallService(cfgPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), root.Version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "svchost: %v\n", err)
		os.Exit(1)
	}
}

func setup(cfgPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging, logging.Stdout())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func runService(cfgPath string) error {
	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("Starting svchost",
		zap.String("version", getVersion()),
		zap.String("service", cfg.Service.Name),
		zap.String("config", cfgPath))

	err = config.Watch(cfgPath, func(next *config.Config) {
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			logger.Warn("Ignoring config change", zap.Error(err))
		}
	}, func(err error) {
		logger.Warn("Config reload failed", zap.Error(err))
	})
	if err != nil {
		logger.Debug("Config watch disabled", zap.Error(err))
	}

	recorder := metrics.NewRecorder()
	app := agent.New(cfg, getVersion(), recorder, logger.Named("agent"))

	platform, err := host.NewPlatform(host.PlatformConfig{
		DisplayName: cfg.Service.DisplayName,
		Description: cfg.Service.Description,
		StopTimeout: cfg.Service.StopTimeout,
	}, logger.Named("platform"))
	if err != nil {
		return fmt.Errorf("failed to create platform: %w", err)
	}
	if ip, ok := platform.(host.InteractivePlatform); ok && ip.Interactive() {
		logger.Info("Running interactively, press Ctrl+C to stop")
	}

	h, err := host.New(agent.Identity(&cfg.Service), app, platform, logger.Logger, host.Options{
		WaitHint:            cfg.Service.WaitHint,
		QueueSize:           cfg.Service.QueueSize,
		StatusObservers:     []lifecycle.StatusObserver{recorder, app.StatusObserver()},
		TransitionObservers: []lifecycle.TransitionObserver{recorder},
		ControlObservers:    []lifecycle.ControlObserver{recorder},
	})
	if err != nil {
		return err
	}
	app.Attach(h.Dispatcher(), h.Machine().Reporter())

	err = h.Run()
	app.Close()
	if err != nil {
		return err
	}

	if specific, code := h.Machine().ExitCode(); code != 0 {
		logger.Warn("Service exited with failure",
			zap.Bool("service_specific", specific),
			zap.String("code", fmt.Sprintf("%#x", code)))
	}
	logger.Info("svchost stopped")
	return nil
}

func installService(cfgPath string) error {
	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	absConfig, err := filepath.Abs(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	startType, err := catalog.ParseStartType(cfg.Service.StartType)
	if err != nil {
		return err
	}

	return catalog.New(catalog.Connect, logger.Logger).Install(catalog.InstallOptions{
		Name:         cfg.Service.Name,
		DisplayName:  cfg.Service.DisplayName,
		Description:  cfg.Service.Description,
		Dependencies: cfg.Service.Dependencies,
		StartType:    startType,
		Account:      cfg.Service.Account,
		Password:     cfg.Service.Password,
		Executable:   exe,
		Args:         []string{"run", "--config", absConfig},
	})
}

func uninstallService(cfgPath string) error {
	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Close()

	return catalog.New(catalog.Connect, logger.Logger).Uninstall(cfg.Service.Name)
}
