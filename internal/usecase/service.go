package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pika-helper/internal/domain"
	"pika-helper/internal/instructions"
	"pika-helper/internal/integrations/paramstore"
	"pika-helper/internal/repository"
	"pika-helper/internal/workflow"
)

const (
	defaultMaxInputLen   = 4000
	defaultImageCooldown = 60 * time.Second
	defaultImageModel    = "dall-e-3"
	maxSessionIDLen      = 128
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) ([]byte, error)
}

// InstructionSource resolves the system instruction for a step. A version of
// zero selects the latest.
type InstructionSource interface {
	Lookup(step domain.Step, version int) (instructions.Instruction, error)
}

// ImageCache holds generated PNG bytes outside the session document.
type ImageCache interface {
	Put(sessionID string, step domain.Step, png []byte)
	Get(sessionID string, step domain.Step) ([]byte, bool)
	Delete(sessionID string, step domain.Step)
}

type Config struct {
	ParamPrefix   string
	MaxInputLen   int
	ImageCooldown time.Duration
	Logger        *slog.Logger
}

// WorkflowService drives the four guided steps for a session: it owns the
// turn-taking protocol with the chat model, the final-prompt extraction and
// the image generation cooldown gate.
type WorkflowService struct {
	params       ParamGetter
	llm          LLMClient
	images       ImageGenerator
	store        repository.Store
	instructions InstructionSource
	cache        ImageCache

	paramPrefix   string
	maxInputLen   int
	imageCooldown time.Duration
	logger        *slog.Logger
	now           func() time.Time

	cacheMu     sync.RWMutex
	cacheLoaded bool
	chatModel   string
	imageModel  string
	pins        map[domain.Step]int
}

func NewWorkflowService(p ParamGetter, llm LLMClient, images ImageGenerator, store repository.Store, src InstructionSource, cache ImageCache, cfg Config) (*WorkflowService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if images == nil {
		return nil, errors.New("usecase: image generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if src == nil {
		return nil, errors.New("usecase: instruction source must not be nil")
	}
	if cache == nil {
		return nil, errors.New("usecase: image cache must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if prefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxInputLen <= 0 {
		cfg.MaxInputLen = defaultMaxInputLen
	}
	if cfg.ImageCooldown <= 0 {
		cfg.ImageCooldown = defaultImageCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WorkflowService{
		params:        p,
		llm:           llm,
		images:        images,
		store:         store,
		instructions:  src,
		cache:         cache,
		paramPrefix:   prefix,
		maxInputLen:   cfg.MaxInputLen,
		imageCooldown: cfg.ImageCooldown,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

func (s *WorkflowService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	chatModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}
	imageModel, err := s.optionalParam(ctx, "/config/image_model")
	if err != nil {
		return fmt.Errorf("usecase: load image model: %w", err)
	}
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	rawPins, err := s.optionalParam(ctx, "/config/instruction_versions")
	if err != nil {
		return fmt.Errorf("usecase: load instruction versions: %w", err)
	}
	pins, err := parsePins(rawPins)
	if err != nil {
		return err
	}

	s.chatModel = strings.TrimSpace(chatModel)
	s.imageModel = imageModel
	s.pins = pins
	s.cacheLoaded = true
	return nil
}

func (s *WorkflowService) optionalParam(ctx context.Context, suffix string) (string, error) {
	v, err := s.params.GetParameter(ctx, s.paramPrefix+suffix)
	if errors.Is(err, paramstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// parsePins decodes {"image_prompting": 2, ...}. Unknown steps are rejected
// so a typo cannot silently fall back to the latest text.
func parsePins(raw string) (map[domain.Step]int, error) {
	pins := make(map[domain.Step]int)
	if raw == "" {
		return pins, nil
	}
	var decoded map[string]int
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("usecase: decode instruction versions: %w", err)
	}
	for name, version := range decoded {
		step, err := workflow.ParseStep(name)
		if err != nil {
			return nil, fmt.Errorf("usecase: instruction versions: %w", err)
		}
		pins[step] = version
	}
	return pins, nil
}

func (s *WorkflowService) pinnedVersion(step domain.Step) int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.pins[step]
}

// loadedSession is a working copy of a session plus whether it still has to
// be created in the store.
type loadedSession struct {
	*domain.Session
	isNew bool
}

func (s *WorkflowService) openSession(ctx context.Context, id string) (loadedSession, error) {
	id = strings.TrimSpace(id)
	if len(id) > maxSessionIDLen {
		return loadedSession{}, newError(ErrorInvalidInput, "session_id_too_long", nil)
	}
	if id == "" {
		return loadedSession{Session: domain.NewSession(newUUID()), isNew: true}, nil
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return loadedSession{}, newError(ErrorInternal, "session_read_error", err)
	}
	if sess == nil {
		// Unknown or expired ids start over with the same id.
		return loadedSession{Session: domain.NewSession(id), isNew: true}, nil
	}
	return loadedSession{Session: sess}, nil
}

func (s *WorkflowService) saveSession(ctx context.Context, ls loadedSession) error {
	var err error
	if ls.isNew {
		err = s.store.Create(ctx, ls.Session)
	} else {
		err = s.store.Update(ctx, ls.Session)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrNotFound):
		return newError(ErrorConflict, "session_conflict", err)
	default:
		return newError(ErrorInternal, "session_write_error", err)
	}
}

// initialize makes sure step has a conversation seeded with the canonical
// instruction. An existing conversation keeps its history; only message 0 is
// replaced when the canonical text changed. It reports whether state changed.
func (s *WorkflowService) initialize(sess *domain.Session, step domain.Step) (*domain.StepState, bool, error) {
	in, err := s.instructions.Lookup(step, s.pinnedVersion(step))
	if err != nil {
		return nil, false, newError(ErrorInternal, "instruction_lookup_error", err)
	}

	st := sess.Step(step)
	if st == nil || len(st.Messages) == 0 {
		st = domain.NewStepState(step, in.Version, in.Text)
		sess.SetStep(st)
		return st, true, nil
	}
	if st.Messages[0].Role != domain.RoleSystem {
		st.Messages = append([]domain.ChatMessage{{Role: domain.RoleSystem, Content: in.Text}}, st.Messages...)
		st.InstructionVersion = in.Version
		return st, true, nil
	}
	if st.Messages[0].Content != in.Text {
		st.Messages[0] = domain.ChatMessage{Role: domain.RoleSystem, Content: in.Text}
		st.InstructionVersion = in.Version
		return st, true, nil
	}
	return st, false, nil
}

// stepContext is the working state of one request against one step.
type stepContext struct {
	spec  workflow.Spec
	sess  loadedSession
	state *domain.StepState
	// dirty is set when the session must be written even if the operation
	// itself changes nothing.
	dirty bool
}

// prepare validates step, loads configuration and the session, and
// initializes the step.
func (s *WorkflowService) prepare(ctx context.Context, sessionID string, step domain.Step) (*stepContext, error) {
	spec, err := workflow.Lookup(step)
	if err != nil {
		return nil, newError(ErrorNotFound, "unknown_step", err)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}
	ls, err := s.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, changed, err := s.initialize(ls.Session, step)
	if err != nil {
		return nil, err
	}
	return &stepContext{spec: spec, sess: ls, state: st, dirty: changed || ls.isNew}, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
