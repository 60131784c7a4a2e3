package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"chatku/handler"
	"chatku/internal/credentials"
	"chatku/internal/integrations/google"
	"chatku/internal/integrations/openai"
	"chatku/internal/integrations/paramstore"
	"chatku/internal/repository"
	"chatku/internal/router"
	"chatku/internal/usecase"
)

func main() {
	lambdaMode := os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
	if !lambdaMode {
		// A missing .env is normal outside development.
		_ = godotenv.Load()
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := strings.TrimSuffix(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/")
	requestLogTable := strings.TrimSpace(os.Getenv("REQUEST_LOG_TABLE"))
	idleTimeout := envDuration("STREAM_IDLE_TIMEOUT", 60*time.Second)
	diagnosticsInterval := envDuration("CREDENTIAL_LOG_INTERVAL", 10*time.Minute)
	listenAddr := envString("LISTEN_ADDR", ":8080")

	// ---- AWS SDK config (only when something needs it) ----
	var awsCfg *aws.Config
	if paramPrefix != "" || requestLogTable != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		awsCfg = &cfg
	}

	// ---- Credentials ----
	var tokens credentials.TokenGetter
	googleParam, openaiParam := "", ""
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(*awsCfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		tokens = ssmClient
		googleParam = paramPrefix + "/google-generative-ai-token"
		openaiParam = paramPrefix + "/open-ai-token"
	}
	googleKey := credentials.NewKey("google", "GOOGLE_GENERATIVE_AI_API_KEY", googleParam, tokens)
	openaiKey := credentials.NewKey("openai", "OPENAI_API_KEY", openaiParam, tokens)

	// ---- Provider clients ----
	googleClient, err := google.NewClient(googleKey, google.WithBaseURL(os.Getenv("GOOGLE_BASE_URL")))
	if err != nil {
		slog.Error("failed to create Google client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(openaiKey, openai.WithBaseURL(os.Getenv("OPENAI_BASE_URL")))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	providers, err := router.New(router.Clients{Google: googleClient, OpenAI: openaiClient})
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	// ---- Service ----
	opts := []usecase.ChatOption{
		usecase.WithIdleTimeout(idleTimeout),
		usecase.WithDiagnostics(credentials.NewDiagnostics(slog.Default(), diagnosticsInterval, googleKey, openaiKey)),
	}
	var ledger *repository.Client
	if requestLogTable != "" {
		ledger, err = repository.New(awsdynamodb.NewFromConfig(*awsCfg), requestLogTable)
		if err != nil {
			slog.Error("failed to create request ledger", "err", err)
			os.Exit(1)
		}
		opts = append(opts, usecase.WithRecorder(ledger))
	}
	chatService, err := usecase.NewChatService(providers, opts...)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	var handlerOpts []handler.Option
	if ledger != nil {
		handlerOpts = append(handlerOpts, handler.WithUsage(ledger))
	}
	h, err := handler.NewHandler(chatService, handlerOpts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if lambdaMode {
		lambda.Start(h.Handle)
		return
	}
	if err := serveLocal(listenAddr, h.Routes()); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// serveLocal runs the HTTP server until SIGINT or SIGTERM, then drains
// in-flight streams for up to 10 seconds.
func serveLocal(addr string, routes http.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envString("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
