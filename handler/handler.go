// Package handler exposes the workflow service over API Gateway proxy events.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pika-helper/internal/domain"
	"pika-helper/internal/usecase"
	"pika-helper/internal/workflow"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSessionID     = "X-Session-Id"
)

// Service is the subset of usecase.WorkflowService the handler drives.
type Service interface {
	State(ctx context.Context, sessionID string, step domain.Step) (usecase.StepView, error)
	Start(ctx context.Context, in usecase.StartInput) (usecase.StepView, error)
	Reply(ctx context.Context, in usecase.ReplyInput) (usecase.StepView, error)
	Reset(ctx context.Context, sessionID string, step domain.Step) (usecase.StepView, error)
	GenerateImage(ctx context.Context, sessionID string, step domain.Step) (usecase.ImageOutput, error)
	RegenerateImage(ctx context.Context, sessionID string, step domain.Step, revision string) (usecase.ImageOutput, error)
	Image(ctx context.Context, sessionID string, step domain.Step) (usecase.ImageFile, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func NewHandler(svc Service) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	return &Handler{svc: svc, logger: slog.Default()}, nil
}

// WithLogger replaces the default logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

type stepRequest struct {
	SessionID    string `json:"sessionId"`
	Text         string `json:"text"`
	SceneSummary string `json:"sceneSummary"`
	ImageKind    string `json:"imageKind"`
	Revision     string `json:"revision"`
}

type messageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inputDTO struct {
	Story        string `json:"story,omitempty"`
	Description  string `json:"description,omitempty"`
	SceneSummary string `json:"sceneSummary,omitempty"`
	ScenePrompt  string `json:"scenePrompt,omitempty"`
	ImageKind    string `json:"imageKind,omitempty"`
}

type imageDTO struct {
	Prompt    string    `json:"prompt"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"createdAt"`
	Available bool      `json:"available"`
}

type stepResponse struct {
	SessionID          string       `json:"sessionId"`
	Step               string       `json:"step"`
	Title              string       `json:"title"`
	Phase              string       `json:"phase"`
	InstructionVersion int          `json:"instructionVersion"`
	ConversationLength int          `json:"conversationLength"`
	Messages           []messageDTO `json:"messages"`
	Submitted          bool         `json:"submitted"`
	Completed          bool         `json:"completed"`
	PromptCollected    bool         `json:"promptCollected"`
	FinalPrompt        string       `json:"finalPrompt,omitempty"`
	Translation        string       `json:"translation,omitempty"`
	PromptVariant      string       `json:"promptVariant,omitempty"`
	Input              inputDTO     `json:"input"`
	Image              *imageDTO    `json:"image,omitempty"`
	CanGenerate        bool         `json:"canGenerate"`
	CooldownSeconds    int          `json:"cooldownSeconds"`
}

type imageResponse struct {
	stepResponse
	PNGBase64 string `json:"pngBase64"`
}

type stepSummary struct {
	Step           string `json:"step"`
	Title          string `json:"title"`
	GeneratesImage bool   `json:"generatesImage"`
}

type stepsResponse struct {
	Steps []stepSummary `json:"steps"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Handle routes one API Gateway request:
//
//	GET  /steps
//	GET  /steps/{step}
//	POST /steps/{step}/start
//	POST /steps/{step}/messages
//	POST /steps/{step}/reset
//	POST /steps/{step}/image
//	POST /steps/{step}/image/revise
//	GET  /steps/{step}/image
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	resp := h.route(ctx, req, log)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[headerCorrelationID] = correlationID
	log.Info("request handled", "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest, log *slog.Logger) events.APIGatewayProxyResponse {
	segs := splitPath(req.Path)
	if len(segs) == 0 || segs[0] != "steps" {
		return errorJSON(log, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_route"})
	}
	method := strings.ToUpper(req.HTTPMethod)

	if len(segs) == 1 {
		if method != http.MethodGet {
			return methodNotAllowed(log)
		}
		return h.listSteps()
	}

	step, err := workflow.ParseStep(segs[1])
	if err != nil {
		return errorJSON(log, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_step", Err: err})
	}

	body, err := decodeBody(req)
	if err != nil {
		return errorJSON(log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}
	sessionID := firstNonEmpty(body.SessionID, req.QueryStringParameters["sessionId"], header(req.Headers, headerSessionID))
	action := strings.Join(segs[2:], "/")

	switch {
	case action == "" && method == http.MethodGet:
		return viewResult(log, http.StatusOK)(h.svc.State(ctx, sessionID, step))
	case action == "start" && method == http.MethodPost:
		return viewResult(log, http.StatusOK)(h.svc.Start(ctx, usecase.StartInput{
			SessionID:    sessionID,
			Step:         step,
			Text:         body.Text,
			SceneSummary: body.SceneSummary,
			ImageKind:    domain.ImageKind(strings.ToLower(strings.TrimSpace(body.ImageKind))),
		}))
	case action == "messages" && method == http.MethodPost:
		return viewResult(log, http.StatusOK)(h.svc.Reply(ctx, usecase.ReplyInput{SessionID: sessionID, Step: step, Text: body.Text}))
	case action == "reset" && method == http.MethodPost:
		return viewResult(log, http.StatusOK)(h.svc.Reset(ctx, sessionID, step))
	case action == "image" && method == http.MethodPost:
		return imageResult(log)(h.svc.GenerateImage(ctx, sessionID, step))
	case action == "image/revise" && method == http.MethodPost:
		return imageResult(log)(h.svc.RegenerateImage(ctx, sessionID, step, body.Revision))
	case action == "image" && method == http.MethodGet:
		file, err := h.svc.Image(ctx, sessionID, step)
		if err != nil {
			return errorJSON(log, err)
		}
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers: map[string]string{
				"Content-Type":        "image/png",
				"Content-Disposition": fmt.Sprintf("attachment; filename=%q", file.Name),
			},
			Body:            base64.StdEncoding.EncodeToString(file.PNG),
			IsBase64Encoded: true,
		}
	case action == "" || action == "start" || action == "messages" || action == "reset" || action == "image" || action == "image/revise":
		return methodNotAllowed(log)
	}
	return errorJSON(log, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_route"})
}

func (h *Handler) listSteps() events.APIGatewayProxyResponse {
	specs := workflow.Steps()
	out := stepsResponse{Steps: make([]stepSummary, 0, len(specs))}
	for _, s := range specs {
		out.Steps = append(out.Steps, stepSummary{Step: string(s.Step), Title: s.Title, GeneratesImage: s.GeneratesImage})
	}
	return jsonResponse(http.StatusOK, out)
}

func viewResult(log *slog.Logger, status int) func(usecase.StepView, error) events.APIGatewayProxyResponse {
	return func(v usecase.StepView, err error) events.APIGatewayProxyResponse {
		if err != nil {
			return errorJSON(log, err)
		}
		return jsonResponse(status, toStepResponse(v))
	}
}

func imageResult(log *slog.Logger) func(usecase.ImageOutput, error) events.APIGatewayProxyResponse {
	return func(out usecase.ImageOutput, err error) events.APIGatewayProxyResponse {
		if err != nil {
			return errorJSON(log, err)
		}
		return jsonResponse(http.StatusOK, imageResponse{
			stepResponse: toStepResponse(out.View),
			PNGBase64:    base64.StdEncoding.EncodeToString(out.PNG),
		})
	}
}

func toStepResponse(v usecase.StepView) stepResponse {
	out := stepResponse{
		SessionID:          v.SessionID,
		Step:               string(v.Step),
		Title:              v.Title,
		Phase:              string(v.Phase),
		InstructionVersion: v.InstructionVersion,
		ConversationLength: v.ConversationLength,
		Messages:           make([]messageDTO, 0, len(v.Messages)),
		Submitted:          v.Flags.Submitted,
		Completed:          v.Flags.Completed,
		PromptCollected:    v.Flags.PromptCollected,
		FinalPrompt:        v.Flags.FinalPromptText,
		Input: inputDTO{
			Story:        v.Input.Story,
			Description:  v.Input.Description,
			SceneSummary: v.Input.SceneSummary,
			ScenePrompt:  v.Input.ScenePrompt,
			ImageKind:    string(v.Input.ImageKind),
		},
		CanGenerate:     v.CanGenerate,
		CooldownSeconds: ceilSeconds(v.CooldownRemaining),
	}
	for _, m := range v.Messages {
		out.Messages = append(out.Messages, messageDTO{Role: m.Role, Content: m.Content})
	}
	if v.Extracted != nil {
		out.Translation = v.Extracted.Translation
		out.PromptVariant = v.Extracted.Variant
	}
	if v.Image != nil {
		out.Image = &imageDTO{
			Prompt:    v.Image.Prompt,
			Bytes:     v.Image.Bytes,
			CreatedAt: v.Image.CreatedAt,
			Available: v.ImageAvailable,
		}
	}
	return out
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidContent:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorInvalidState, usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorCooldown, usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream, usecase.ErrorConnection:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(log *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", err)
	} else {
		log.Warn("request rejected", "code", ue.Code, "reason", ue.Reason)
	}

	body := errorResponse{
		Error:   string(ue.Code),
		Reason:  ue.Reason,
		Message: usecase.UserMessage(ue.Code),
	}
	resp := jsonResponse(status, body)
	if status == http.StatusTooManyRequests {
		secs := ceilSeconds(ue.RetryAfter)
		if secs > 0 {
			body.RetryAfterSeconds = secs
			resp = jsonResponse(status, body)
			resp.Headers["Retry-After"] = strconv.Itoa(secs)
		}
	}
	return resp
}

func methodNotAllowed(log *slog.Logger) events.APIGatewayProxyResponse {
	log.Warn("method not allowed")
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{
		Error:   string(usecase.ErrorInvalidInput),
		Reason:  "method_not_allowed",
		Message: usecase.UserMessage(usecase.ErrorInvalidInput),
	})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:       string(b),
	}
}

func decodeBody(req events.APIGatewayProxyRequest) (stepRequest, error) {
	var body stepRequest
	raw := req.Body
	if req.IsBase64Encoded && raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return body, err
		}
		raw = string(decoded)
	}
	if strings.TrimSpace(raw) == "" {
		return body, nil
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return body, err
	}
	return body, nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// header looks name up case-insensitively; API Gateway may lower-case keys.
func header(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
