package usecase

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"pika-helper/internal/domain"
	"pika-helper/internal/extract"
	"pika-helper/internal/workflow"
)

// StepView is the read model of one step for rendering.
type StepView struct {
	SessionID          string
	Step               domain.Step
	Title              string
	Phase              domain.Phase
	InstructionVersion int
	// ConversationLength counts every message, the system message included.
	ConversationLength int
	Messages           []domain.ChatMessage
	Flags              domain.Flags
	Input              domain.StepInput
	Extracted          *domain.ExtractedPrompt
	Image              *domain.GeneratedImage
	ImageAvailable     bool
	CanGenerate        bool
	CooldownRemaining  time.Duration
}

type StartInput struct {
	SessionID string
	Step      domain.Step
	// Text is the story, the image description or the scene prompt draft.
	Text         string
	SceneSummary string
	ImageKind    domain.ImageKind
}

type ReplyInput struct {
	SessionID string
	Step      domain.Step
	Text      string
}

// State initializes step if needed and returns its current view.
func (s *WorkflowService) State(ctx context.Context, sessionID string, step domain.Step) (StepView, error) {
	sc, err := s.prepare(ctx, sessionID, step)
	if err != nil {
		return StepView{}, err
	}
	if sc.dirty {
		if err := s.saveSession(ctx, sc.sess); err != nil {
			return StepView{}, err
		}
	}
	return s.view(sc), nil
}

// Start submits the first input of a step and asks the model for its reply.
func (s *WorkflowService) Start(ctx context.Context, in StartInput) (StepView, error) {
	text, err := s.validText(in.Text, "empty_text")
	if err != nil {
		return StepView{}, err
	}
	sc, err := s.prepare(ctx, in.SessionID, in.Step)
	if err != nil {
		return StepView{}, err
	}

	input := domain.StepInput{}
	content := text
	switch {
	case sc.spec.RequiresSceneSummary:
		summary, err := s.validText(in.SceneSummary, "empty_scene_summary")
		if err != nil {
			return StepView{}, err
		}
		input.SceneSummary = summary
		input.ScenePrompt = text
		content = "장면 요약: " + summary + "\n프롬프트 초안: " + text
	case sc.spec.RequiresImageKind:
		if in.ImageKind.Label() == "" {
			return StepView{}, newError(ErrorInvalidInput, "invalid_image_kind", nil)
		}
		input.ImageKind = in.ImageKind
		input.Description = text
		content = "[" + in.ImageKind.Label() + "] " + text
	default:
		input.Story = text
	}

	next, err := sc.spec.Next(sc.state.Phase, workflow.TriggerStart)
	if err != nil {
		return StepView{}, newError(ErrorInvalidState, "already_started", err)
	}
	if err := s.moderate(ctx, content); err != nil {
		return StepView{}, err
	}
	if err := s.converse(ctx, sc.state, content); err != nil {
		return StepView{}, err
	}
	sc.state.Phase = next
	sc.state.Input = input
	s.collect(sc)

	if err := s.saveSession(ctx, sc.sess); err != nil {
		return StepView{}, err
	}
	return s.view(sc), nil
}

// Reply sends a follow-up message in an ongoing conversation.
func (s *WorkflowService) Reply(ctx context.Context, in ReplyInput) (StepView, error) {
	text, err := s.validText(in.Text, "empty_text")
	if err != nil {
		return StepView{}, err
	}
	sc, err := s.prepare(ctx, in.SessionID, in.Step)
	if err != nil {
		return StepView{}, err
	}

	next, err := sc.spec.Next(sc.state.Phase, workflow.TriggerReply)
	if err != nil {
		return StepView{}, newError(ErrorInvalidState, "reply_not_allowed", err)
	}
	if err := s.moderate(ctx, text); err != nil {
		return StepView{}, err
	}
	if err := s.converse(ctx, sc.state, text); err != nil {
		return StepView{}, err
	}
	sc.state.Phase = next
	s.collect(sc)

	if err := s.saveSession(ctx, sc.sess); err != nil {
		return StepView{}, err
	}
	return s.view(sc), nil
}

// Reset replaces the step's conversation with a fresh seed and clears every
// flag, input, extracted prompt, image and cooldown.
func (s *WorkflowService) Reset(ctx context.Context, sessionID string, step domain.Step) (StepView, error) {
	sc, err := s.prepare(ctx, sessionID, step)
	if err != nil {
		return StepView{}, err
	}
	if _, err := sc.spec.Next(sc.state.Phase, workflow.TriggerReset); err != nil {
		return StepView{}, newError(ErrorInvalidState, "reset_not_allowed", err)
	}

	seed := sc.state.Messages[0]
	sc.state = domain.NewStepState(step, sc.state.InstructionVersion, seed.Content)
	sc.sess.SetStep(sc.state)
	s.cache.Delete(sc.sess.ID, step)

	if err := s.saveSession(ctx, sc.sess); err != nil {
		return StepView{}, err
	}
	return s.view(sc), nil
}

func (s *WorkflowService) validText(raw, reason string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", newError(ErrorInvalidInput, reason, nil)
	}
	if utf8.RuneCountInString(text) > s.maxInputLen {
		return "", newError(ErrorInvalidInput, "text_too_long", nil)
	}
	return text, nil
}

// moderate rejects flagged text. A moderation outage is logged and does not
// block the student.
func (s *WorkflowService) moderate(ctx context.Context, text string) error {
	flagged, err := s.llm.Moderate(ctx, text)
	if err != nil {
		s.logger.Warn("moderation unavailable", "err", err)
		return nil
	}
	if flagged {
		return newError(ErrorInvalidContent, "moderation_flagged", nil)
	}
	return nil
}

// converse calls the model with the conversation plus content and appends the
// user/assistant pair only when the call succeeds.
func (s *WorkflowService) converse(ctx context.Context, st *domain.StepState, content string) error {
	user := domain.ChatMessage{Role: domain.RoleUser, Content: content}
	outgoing := append(slices.Clip(st.Messages), user)

	s.cacheMu.RLock()
	model := s.chatModel
	s.cacheMu.RUnlock()

	reply, err := s.llm.Chat(ctx, model, outgoing)
	if err != nil {
		e := classifyCollaboratorError("openai_chat", err, s.imageCooldown)
		s.logger.Error("chat call failed", "step", st.Step, "code", e.Code, "reason", e.Reason, "err", err)
		return e
	}
	st.Messages = append(outgoing, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})
	return nil
}

// collect runs extractFinalPrompt and, when a prompt was found in an open
// conversation, finalizes the step.
func (s *WorkflowService) collect(sc *stepContext) {
	if !extractFinalPrompt(sc.spec, sc.state) {
		return
	}
	if next, err := sc.spec.Next(sc.state.Phase, workflow.TriggerFinalize); err == nil {
		sc.state.Phase = next
	}
	s.logger.Info("final prompt collected", "session", sc.sess.ID, "step", sc.state.Step, "variant", sc.state.Extracted.Variant)
}

// extractFinalPrompt stores the first prompt found in the latest assistant
// message. It does nothing once a prompt was collected, when the step has no
// parser, or when the last message is not from the assistant.
func extractFinalPrompt(spec workflow.Spec, st *domain.StepState) bool {
	if st.Collected() || len(spec.Parser) == 0 {
		return false
	}
	last := st.LastMessage()
	if last == nil || last.Role != domain.RoleAssistant {
		return false
	}
	res, ok := spec.Parser.Parse(last.Content)
	if !ok {
		return false
	}
	if res.Text == "" {
		res.Text, res.Translation = earlierPrompt(spec.Parser, st)
	}
	st.Extracted = &domain.ExtractedPrompt{
		Variant:     res.Variant,
		Text:        res.Text,
		Translation: res.Translation,
	}
	return true
}

// earlierPrompt recovers the prompt for a closing reply that only announced
// completion. Earlier assistant turns are searched newest first for a
// formatted or quoted prompt; the student's own draft is the last resort.
func earlierPrompt(p extract.Parser, st *domain.StepState) (string, string) {
	for k := len(st.Messages) - 2; k >= 0; k-- {
		m := st.Messages[k]
		if m.Role != domain.RoleAssistant {
			continue
		}
		if res, ok := p.Find(m.Content); ok {
			return res.Text, res.Translation
		}
		if q, ok := extract.LastQuoted(m.Content); ok {
			return q, ""
		}
	}
	return strings.TrimSpace(st.Input.ScenePrompt), ""
}

func (s *WorkflowService) view(sc *stepContext) StepView {
	st := sc.state
	now := s.now()
	v := StepView{
		SessionID:          sc.sess.ID,
		Step:               st.Step,
		Title:              sc.spec.Title,
		Phase:              st.Phase,
		InstructionVersion: st.InstructionVersion,
		ConversationLength: len(st.Messages),
		Messages:           st.VisibleMessages(),
		Flags:              st.Flags(),
		Input:              st.Input,
		Extracted:          st.Extracted,
		Image:              st.Image,
	}
	if st.CooldownUntil.After(now) {
		v.CooldownRemaining = st.CooldownUntil.Sub(now)
	}
	if st.Image != nil {
		_, v.ImageAvailable = s.cache.Get(sc.sess.ID, st.Step)
	}
	v.CanGenerate = sc.spec.GeneratesImage && st.Collected() && v.CooldownRemaining == 0
	return v
}
