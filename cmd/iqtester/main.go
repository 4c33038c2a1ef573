package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/iqtester/internal/docstore"
	"github.com/pavelanni/iqtester/internal/handler"
	appI18n "github.com/pavelanni/iqtester/internal/i18n"
	"github.com/pavelanni/iqtester/internal/insight"
	"github.com/pavelanni/iqtester/internal/llm"
	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/question"
	"github.com/pavelanni/iqtester/internal/session"
	"github.com/pavelanni/iqtester/internal/store"
)

const sessionCleanupInterval = time.Hour

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "iqtester",
		Short: "Adaptive IQ tests generated by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addRecordFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "iqtester.db", "SQLite database path")
	f.String("records", "sqlite", "Test record backend (sqlite, mongo)")
	f.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.String("mongo-db", "iqtester", "MongoDB database name")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP test server",
		RunE:  runServe,
	}
	addRecordFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-provider", llm.ProviderOpenAI, "LLM backend (openai, gemini, anthropic)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("llm-key", "", "API key for the selected LLM provider")
	f.String("llm-model", "", "Model name or alias (default depends on provider)")
	f.Bool("llm-json-object", false, "Use json_object instead of json_schema output (OpenAI-compatible servers)")
	f.String("gemini-key", "", "Gemini API key for visual questions when another provider generates text")
	f.String("image-model", "gemini-image", "Gemini image model for visual questions (empty disables them)")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for one question generation including retries")
	f.Int("llm-retries", 3, "Attempts per question generation")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /iq)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.Bool("allow-signup", false, "Allow visitors to create member accounts")
	f.String("admin-password", "", "Initial admin password (or set IQTESTER_ADMIN_PASSWORD)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export completed test results as JSON",
		RunE:  runExport,
	}
	addRecordFlags(cmd)
	f := cmd.Flags()
	f.String("user", "", "Only export tests taken by this username")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
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

	v.SetEnvPrefix("IQTESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("iqtester")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/iqtester")
	v.AddConfigPath("/etc/iqtester")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// llmConfig maps flags onto the provider configuration. --llm-key and
// --llm-model apply to the selected provider.
func llmConfig(v *viper.Viper) llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Provider = strings.ToLower(strings.TrimSpace(v.GetString("llm-provider")))
	cfg.Timeout = v.GetDuration("llm-timeout")
	cfg.Retry.MaxAttempts = v.GetInt("llm-retries")

	key, modelName := v.GetString("llm-key"), v.GetString("llm-model")
	cfg.OpenAI.BaseURL = v.GetString("llm-url")
	cfg.OpenAI.JSONObject = v.GetBool("llm-json-object")
	cfg.Gemini.APIKey = v.GetString("gemini-key")
	cfg.Gemini.ImageModel = v.GetString("image-model")
	switch cfg.Provider {
	case llm.ProviderOpenAI:
		cfg.OpenAI.APIKey = key
		if modelName != "" {
			cfg.OpenAI.Model = modelName
		}
	case llm.ProviderGemini:
		cfg.Gemini.APIKey = key
		if modelName != "" {
			cfg.Gemini.Model = modelName
		}
	case llm.ProviderAnthropic:
		cfg.Anthropic.APIKey = key
		if modelName != "" {
			cfg.Anthropic.Model = modelName
		}
	}
	return cfg
}

// openRecords opens the SQLite store and, when requested, the MongoDB
// record store. Accounts always live in SQLite.
func openRecords(ctx context.Context, v *viper.Viper) (*store.Store, store.TestRecords, func(), error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	switch backend := strings.ToLower(v.GetString("records")); backend {
	case "", "sqlite":
		return db, db, func() { db.Close() }, nil
	case "mongo", "mongodb":
		docs, err := docstore.Connect(ctx, docstore.Config{
			URI:      v.GetString("mongo-uri"),
			Database: v.GetString("mongo-db"),
		})
		if err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		closeAll := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := docs.Close(ctx); err != nil {
				slog.Warn("disconnect MongoDB", "error", err)
			}
			db.Close()
		}
		return db, docs, closeAll, nil
	default:
		db.Close()
		return nil, nil, nil, fmt.Errorf("unknown records backend: %q", backend)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, records, closeRecords, err := openRecords(ctx, v)
	if err != nil {
		return err
	}
	defer closeRecords()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmCfg := llmConfig(v)
	provider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("create LLM provider: %w", err)
	}
	images, err := llm.NewImageGenerator(ctx, llmCfg)
	if err != nil {
		return err
	}

	genCfg := question.DefaultConfig()
	genCfg.Timeout = llmCfg.Timeout
	generator := question.New(llm.WithRetry(provider, llmCfg.Retry), llm.WithImageRetry(images, llmCfg.Retry), genCfg)
	sessions := session.NewManager(generator, records, session.Config{}, time.Second)
	defer sessions.Close()

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := handler.New(db, records, sessions, insight.NewAnalyzer(provider, records), model.ServerConfig{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		AllowSignup:   v.GetBool("allow-signup"),
		ImagesEnabled: generator.ImagesEnabled(),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	go cleanupSessions(ctx, db)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"provider", llmCfg.Provider,
			"model", provider.ModelID(),
			"images", generator.ImagesEnabled(),
			"records", v.GetString("records"),
			"lang", lang,
			"languages", appI18n.Languages(),
			"base_path", basePath,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cleanupSessions removes expired sign-in sessions until ctx is done.
func cleanupSessions(ctx context.Context, db *store.Store) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupExpiredSessions()
			if err != nil {
				slog.Warn("failed to clean up auth sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("removed expired auth sessions", "count", n)
			}
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, records, closeRecords, err := openRecords(ctx, v)
	if err != nil {
		return err
	}
	defer closeRecords()

	export, err := db.ExportResults(ctx, records, v.GetString("user"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
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
	_, _ = fmt.Fprintln(w)

	slog.Info("exported results", "count", export.Count)
	return nil
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or IQTESTER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
