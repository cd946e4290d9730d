package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/aqrarportal/examengine/internal/attempt"
	"github.com/aqrarportal/examengine/internal/certificate"
	"github.com/aqrarportal/examengine/internal/content"
	"github.com/aqrarportal/examengine/internal/handler"
	appI18n "github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/llm"
	"github.com/aqrarportal/examengine/internal/notify"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the expiry sweeper and delivery workers",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	addNotifyFlags(cmd, 256)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSlice("exams", nil, "Exam content files to import on start (repeatable)")
	f.Duration("sweep-interval", time.Minute, "How often expired attempts are finalized")
	f.Duration("request-timeout", 30*time.Second, "Per-request timeout")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (empty disables CORS)")
	f.String("certificate-url", "", "Certificate generator endpoint (empty leaves events pending)")
	f.Duration("certificate-timeout", 10*time.Second, "Certificate generator request timeout")
	f.Int("certificate-queue", 64, "Certificate delivery queue size")
	f.String("llm-url", "", "OpenAI-compatible API base URL for grading suggestions (empty disables)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	return cmd
}

// addNotifyFlags registers the language and notification delivery flags.
func addNotifyFlags(cmd *cobra.Command, queueSize int) {
	f := cmd.Flags()
	f.StringP("lang", "l", "az", "Default language for notifications and messages (az, en, ru)")
	f.String("smtp-addr", "", "SMTP server host:port (empty logs notifications instead)")
	f.String("smtp-user", "", "SMTP user")
	f.String("smtp-password", "", "SMTP password")
	f.String("smtp-from", "noreply@aqrar.az", "Sender address of notifications")
	f.String("smtp-recipient", "user-%d@aqrar.az", "Recipient address pattern, %d is the user id")
	f.Int("notify-queue", queueSize, "Notification queue size")
}

func newSender(v *viper.Viper) notify.Sender {
	if addr := v.GetString("smtp-addr"); addr != "" {
		return notify.NewSMTPSender(addr, v.GetString("smtp-user"), v.GetString("smtp-password"),
			v.GetString("smtp-from"), v.GetString("smtp-recipient"))
	}
	return notify.LogSender{}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if paths := v.GetStringSlice("exams"); len(paths) > 0 {
		if _, err := content.ImportFiles(ctx, db, paths, false); err != nil {
			return fmt.Errorf("import exams: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var gen certificate.Generator
	if url := v.GetString("certificate-url"); url != "" {
		gen = certificate.NewHTTPGenerator(url, v.GetDuration("certificate-timeout"))
	}
	trigger := certificate.NewTrigger(gen, db, v.GetInt("certificate-queue"))

	dispatcher := notify.NewDispatcher(newSender(v), lang, v.GetInt("notify-queue"))

	var llmClient *llm.Client
	if url := v.GetString("llm-url"); url != "" {
		llmClient = llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"))
	}

	manager := attempt.New(db,
		attempt.WithCertificates(trigger),
		attempt.WithNotifier(dispatcher),
	)
	router := handler.NewRouter(handler.New(manager, db, llmClient),
		v.GetStringSlice("cors-origins"), v.GetDuration("request-timeout"))

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return trigger.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return manager.RunSweeper(gctx, v.GetDuration("sweep-interval")) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("starting server",
		"addr", addr,
		"db_driver", db.Driver(),
		"lang", lang,
		"sweep_interval", v.GetDuration("sweep-interval"),
		"certificates", gen != nil,
		"smtp", v.GetString("smtp-addr") != "",
		"llm", llmClient != nil,
	)
	return g.Wait()
}
