// Package app assembles the workflow service and its handler from process
// settings. Both entrypoints share it; only they read the environment.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pika-helper/handler"
	"pika-helper/internal/instructions"
	"pika-helper/internal/integrations/openai"
	"pika-helper/internal/repository"
	"pika-helper/internal/usecase"
)

const (
	defaultSessionTTLHours      = 24
	defaultImageCooldownSeconds = 60
	defaultMaxInputLength       = 4000
	defaultOpenAIRPS            = 2.0
	openAIBurst                 = 4
	imageCacheEntries           = 256
)

type Settings struct {
	ParamPrefix      string
	SessionStore     repository.Kind
	StateTable       string
	RedisAddr        string
	SessionTTL       time.Duration
	ImageCooldown    time.Duration
	MaxInputLen      int
	OpenAIRPS        float64
	OpenAIBaseURL    string
	InstructionsFile string
}

// LoadSettings reads settings through getenv. Malformed numbers fall back to
// their defaults; missing required values are errors.
func LoadSettings(getenv func(string) string) (Settings, error) {
	s := Settings{
		ParamPrefix:      strings.TrimSpace(getenv("PARAM_PREFIX")),
		SessionStore:     repository.Kind(strings.ToLower(strings.TrimSpace(getenv("SESSION_STORE")))),
		StateTable:       strings.TrimSpace(getenv("STATE_TABLE")),
		RedisAddr:        strings.TrimSpace(getenv("REDIS_ADDR")),
		SessionTTL:       time.Duration(envInt(getenv, "SESSION_TTL_HOURS", defaultSessionTTLHours)) * time.Hour,
		ImageCooldown:    time.Duration(envInt(getenv, "IMAGE_COOLDOWN_SECONDS", defaultImageCooldownSeconds)) * time.Second,
		MaxInputLen:      envInt(getenv, "MAX_INPUT_LENGTH", defaultMaxInputLength),
		OpenAIRPS:        envFloat(getenv, "OPENAI_RPS", defaultOpenAIRPS),
		OpenAIBaseURL:    strings.TrimSpace(getenv("OPENAI_BASE_URL")),
		InstructionsFile: strings.TrimSpace(getenv("INSTRUCTIONS_FILE")),
	}
	if s.ParamPrefix == "" {
		return Settings{}, errors.New("app: PARAM_PREFIX is required")
	}
	if s.SessionStore == "" {
		s.SessionStore = repository.KindMemory
	}
	switch s.SessionStore {
	case repository.KindMemory:
	case repository.KindDynamoDB:
		if s.StateTable == "" {
			return Settings{}, errors.New("app: STATE_TABLE is required for the dynamodb session store")
		}
	case repository.KindRedis:
		if s.RedisAddr == "" {
			return Settings{}, errors.New("app: REDIS_ADDR is required for the redis session store")
		}
	default:
		return Settings{}, fmt.Errorf("app: unknown SESSION_STORE %q", s.SessionStore)
	}
	return s, nil
}

// Deps are the collaborators an entrypoint supplies.
type Deps struct {
	Params openai.Getter
	// Dynamo is required only for the dynamodb session store.
	Dynamo repository.DynamoDBAPI
	Logger *slog.Logger
}

type App struct {
	Handler   *handler.Handler
	Service   *usecase.WorkflowService
	Catalogue *instructions.Catalogue
	Store     repository.Store
}

func Build(s Settings, d Deps) (*App, error) {
	if d.Params == nil {
		return nil, errors.New("app: parameter getter must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := loadRegistry(s.InstructionsFile)
	if err != nil {
		return nil, err
	}
	catalogue := instructions.NewCatalogue(reg)

	store, err := openStore(s, d)
	if err != nil {
		return nil, err
	}

	opts := []openai.Option{openai.WithRateLimit(s.OpenAIRPS, openAIBurst)}
	if s.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(s.OpenAIBaseURL))
	}
	client, err := openai.NewClient(d.Params, s.ParamPrefix, opts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: openai client: %w", err)
	}

	svc, err := usecase.NewWorkflowService(d.Params, client, client, store, catalogue,
		repository.NewImageCache(imageCacheEntries, s.SessionTTL),
		usecase.Config{
			ParamPrefix:   s.ParamPrefix,
			MaxInputLen:   s.MaxInputLen,
			ImageCooldown: s.ImageCooldown,
			Logger:        logger,
		})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: workflow service: %w", err)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("app: handler: %w", err)
	}
	h.WithLogger(logger)

	return &App{Handler: h, Service: svc, Catalogue: catalogue, Store: store}, nil
}

// WatchInstructions hot-reloads the instructions file until ctx is done. It
// is a no-op when no file is configured.
func (a *App) WatchInstructions(ctx context.Context, s Settings, logger *slog.Logger) error {
	if s.InstructionsFile == "" {
		return nil
	}
	return a.Catalogue.Watch(ctx, s.InstructionsFile, logger)
}

func (a *App) Close() error {
	return a.Store.Close()
}

func loadRegistry(path string) (*instructions.Registry, error) {
	if path == "" {
		reg, err := instructions.Default()
		if err != nil {
			return nil, fmt.Errorf("app: embedded instructions: %w", err)
		}
		return reg, nil
	}
	reg, err := instructions.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return reg, nil
}

func openStore(s Settings, d Deps) (repository.Store, error) {
	opts := []repository.Option{repository.WithTTL(s.SessionTTL)}
	switch s.SessionStore {
	case repository.KindDynamoDB:
		opts = append(opts, repository.WithDynamoDB(d.Dynamo, s.StateTable))
	case repository.KindRedis:
		opts = append(opts, repository.WithRedisClient(redis.NewClient(&redis.Options{Addr: s.RedisAddr})))
	}
	store, err := repository.Open(s.SessionStore, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: session store: %w", err)
	}
	return store, nil
}

func envInt(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(getenv func(string) string, key string, def float64) float64 {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}
