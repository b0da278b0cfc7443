// Command devserver serves the Lambda handler over plain HTTP for local use.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"pika-helper/handler"
	"pika-helper/internal/app"
	"pika-helper/internal/integrations/paramstore"
	"pika-helper/internal/repository"
)

const defaultParamPrefix = "/pika-helper"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "err", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if os.Getenv("PARAM_PREFIX") == "" {
		_ = os.Setenv("PARAM_PREFIX", defaultParamPrefix)
	}
	settings, err := app.LoadSettings(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	params, err := staticParams(settings.ParamPrefix, os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{Params: params, Logger: logger}
	if settings.SessionStore == repository.KindDynamoDB {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		deps.Dynamo = awsdynamodb.NewFromConfig(cfg)
	}

	a, err := app.Build(settings, deps)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	if err := a.WatchInstructions(ctx, settings, logger); err != nil {
		slog.Error("failed to watch instructions", "err", err)
		os.Exit(1)
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(a.Handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("devserver listening", "addr", addr, "store", settings.SessionStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
}

// staticParams mirrors the SSM layout from environment variables.
func staticParams(prefix string, getenv func(string) string) (paramstore.Static, error) {
	key := strings.TrimSpace(getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}
	token, err := json.Marshal(map[string]string{"token": key})
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4o"
	}

	prefix = strings.TrimRight(prefix, "/")
	p := paramstore.Static{
		prefix + "/open-ai-token":       string(token),
		prefix + "/config/openai_model": model,
	}
	if v := strings.TrimSpace(getenv("IMAGE_MODEL")); v != "" {
		p[prefix+"/config/image_model"] = v
	}
	if v := strings.TrimSpace(getenv("INSTRUCTION_VERSIONS")); v != "" {
		p[prefix+"/config/instruction_versions"] = v
	}
	return p, nil
}

func newRouter(h *handler.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Any("/*path", proxy(h))
	return r
}

// proxy converts a gin request into an API Gateway event and back.
func proxy(h *handler.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "reason": "unreadable_body"})
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k := range c.Request.Header {
			headers[k] = c.Request.Header.Get(k)
		}
		query := make(map[string]string)
		for k, v := range c.Request.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}

		resp, err := h.Handle(c.Request.Context(), events.APIGatewayProxyRequest{
			HTTPMethod:            c.Request.Method,
			Path:                  c.Request.URL.Path,
			Headers:               headers,
			QueryStringParameters: query,
			Body:                  string(body),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
			return
		}

		for k, v := range resp.Headers {
			c.Header(k, v)
		}
		payload := []byte(resp.Body)
		if resp.IsBase64Encoded {
			payload, err = base64.StdEncoding.DecodeString(resp.Body)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
				return
			}
		}
		c.Data(resp.StatusCode, resp.Headers["Content-Type"], payload)
	}
}
