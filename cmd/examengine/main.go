package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aqrarportal/examengine/internal/attempt"
	"github.com/aqrarportal/examengine/internal/content"
	appI18n "github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/notify"
	"github.com/aqrarportal/examengine/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examengine",
		Short: "Exam attempt and scoring engine for the agricultural education portal",
	}

	serve := serveCmd()
	root.AddCommand(serve, sweepCmd(), importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examengine --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addStoreFlags registers the flags every command needs to reach the database.
func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "examengine.db", "SQLite path or Postgres DSN")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finalize every in-progress attempt past its deadline and exit",
		RunE:  runSweep,
	}
	addStoreFlags(cmd)
	addNotifyFlags(cmd, 1024)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exam content files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	cmd.Flags().Bool("strict", false, "Fail on files that changed since their last import")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examengine")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examengine")
	v.AddConfigPath("/etc/examengine")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	driver := store.Driver(strings.ToLower(v.GetString("db-driver")))
	db, err := store.Open(ctx, driver, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	slog.Debug("database opened", "driver", driver)
	return db, nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	dispatcher := notify.NewDispatcher(newSender(v), lang, v.GetInt("notify-queue"))

	n, err := sweep(ctx, db, dispatcher)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	slog.Info("sweep finished", "finalized", n)
	return nil
}

// sweep finalizes expired attempts and returns once their notifications are sent.
// Certificate events stay pending in the outbox for the server to deliver.
func sweep(ctx context.Context, db *store.Store, dispatcher *notify.Dispatcher) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(runCtx) }()

	n, err := attempt.New(db, attempt.WithNotifier(dispatcher)).SweepExpired(ctx)
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return n, err
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := content.ImportFiles(ctx, db, args, v.GetBool("strict"))
	for _, res := range results {
		if res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped\n", res.Path)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: exam %d, %d questions\n", res.Path, res.ExamID, res.Questions)
	}
	return err
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportExam(ctx, v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
