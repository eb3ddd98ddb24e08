package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"
)

var (
	userConfigPath string // /default/config/path/sweeper on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "sweeper")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is sweeper.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	serveCmd.Flags().String("listen", "", "host:port of the HTTP API, overrides service.listen")

	// SWEEPER_VERBOSE, SWEEPER_LISTEN, SWEEPER_SERVER ...
	viper.SetEnvPrefix("SWEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	mustBind("verbose", rootCmd.PersistentFlags())
	mustBind("listen", serveCmd.Flags())

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSweeper
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
	addClientCommands(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("sweeper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sweeper",
	Short:        "Network sweep service with a pausable, observable task",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the sweep API, in timer mode sweeps are started by the schedule",
	RunE:  doServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "run a single sweep with the configured defaults and export its results",
	RunE:  doSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("sweeper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("sweeper: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("sweeper",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	return service.Serve(ctx, config)
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("sweeper",
		slog.String("cmd", "sweep"),
		slog.Int("pid", os.Getpid()),
	))
	return service.Sweep(ctx, config)
}

func initSweeper(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SWEEPERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "sweeper.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "sweeper.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		loaded, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *loaded
	}

	// flags and environment have a precedence over config file
	if viper.GetBool("verbose") {
		verbose := true
		config.Service.Verbose = &verbose
	}
	if listen := viper.GetString("listen"); listen != "" {
		config.Service.Listen = &listen
	}

	// initialize logging
	out, closer, err := log.Output(deref(config.Service.Log))
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(out, deref(config.Service.Verbose)))

	slog.Debug("sweeper run", "configPath", configPath)
	slog.Debug("sweeper run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	err = errors.Join(enc.Encode(cfg), enc.Close(), f.Close())
	if err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func mustBind(key string, flags *pflag.FlagSet) {
	if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
		panic(err)
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func deref[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
