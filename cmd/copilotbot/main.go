package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"copilotbot/internal/bot"
	"copilotbot/internal/config"
	"copilotbot/internal/launcher"
	"copilotbot/internal/security"
	"copilotbot/internal/session"
	"copilotbot/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "copilotbot",
	Short: "copilotbot - Telegram bot for launching MCP servers safely",
	Long: `copilotbot drives local command execution from chat.

Every command goes through the execution security layer first: a
quote-aware tokenizer, directory containment checks against allowed
roots, and an executable allowlist with PATH-impersonation defense.

Run without arguments to start the bot.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// serveCmd runs the bot.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot",
	RunE:  runServe,
}

// validateCmd checks a command line the way the bot would.
var validateCmd = &cobra.Command{
	Use:   "validate [command...]",
	Short: "Validate a command line against the execution security layer",
	Long: `Tokenizes the command line and runs the executable allowlist check,
printing the verdict. Useful for testing allowlist configuration.

Example:
  copilotbot validate node server.js --port 8080`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

// pathsCmd shows or tests the directory allowlist.
var pathsCmd = &cobra.Command{
	Use:   "paths [path]",
	Short: "Show allowed roots, or test whether a path is contained",
	RunE:  runPaths,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(pathsCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplySecurityEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.New(cfg.Database.Path, cfg.GetBusyTimeout())
	if err != nil {
		return err
	}
	defer st.Close()

	checker := security.NewExecChecker(&security.SystemResolver{Timeout: cfg.GetLookupTimeout()})

	l := launcher.New(launcher.Config{
		DefaultTimeout: cfg.GetExecTimeout(),
		MaxOutputBytes: int64(cfg.Session.MaxOutputBytes),
	}, checker, logger.Named("launcher"))

	sessions := session.NewManager(session.Config{
		IdleTimeout:    cfg.GetIdleTimeout(),
		MaxOutputBytes: cfg.Session.MaxOutputBytes,
	}, checker, logger.Named("session"))
	defer sessions.Shutdown()

	handler := bot.NewHandler(st, l, sessions, checker, logger.Named("bot"))

	b, err := bot.New(cfg.Bot.Token, cfg.Bot.PollTimeout, cfg.Bot.AllowedChatIDs, handler, logger.Named("bot"))
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessions.StartReaper(ctx)

	// Pick up allowlist edits without a restart.
	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		updated.ApplySecurityEnv()
		logger.Info("config reloaded")
	})
	if err == nil {
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
		}
	}

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplySecurityEnv()

	line := strings.Join(args, " ")

	if seq, found := security.FindShellMetacharacters(line); found {
		fmt.Printf("BLOCKED: shell control sequence %q\n", seq)
		os.Exit(1)
	}

	spec := security.ParseCommand(line)
	checker := security.NewExecChecker(&security.SystemResolver{Timeout: cfg.GetLookupTimeout()})
	verdict := checker.Validate(cmd.Context(), spec.RawExecutable)
	if !verdict.OK {
		fmt.Printf("BLOCKED: %v\n", verdict.Err)
		os.Exit(1)
	}

	for _, warning := range verdict.Warnings {
		fmt.Printf("WARNING: %s\n", warning)
	}
	if flags := security.DetectDangerousFlags(spec.Argv); len(flags) > 0 {
		fmt.Printf("CAUTION: dangerous flags %s\n", strings.Join(flags, ", "))
	}
	fmt.Printf("OK: %s %s\n", spec.RawExecutable, strings.Join(spec.Argv, " "))
	return nil
}

func runPaths(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplySecurityEnv()

	roots := security.AllowedPaths()
	if len(args) == 0 {
		if len(roots) == 0 {
			fmt.Println("no allowed roots configured")
			return nil
		}
		for _, root := range roots {
			fmt.Println(root)
		}
		return nil
	}

	if security.IsPathAllowed(args[0]) {
		fmt.Printf("ALLOWED: %s\n", args[0])
		return nil
	}
	fmt.Printf("BLOCKED: %s\n", args[0])
	os.Exit(1)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
