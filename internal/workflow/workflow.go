// Package workflow describes the four guided steps and the finite-state
// machine that gates which action a student may take next.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"pika-helper/internal/domain"
	"pika-helper/internal/extract"
)

// Trigger is a user or system action applied to a step.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerReply    Trigger = "reply"
	TriggerFinalize Trigger = "finalize"
	TriggerReset    Trigger = "reset"
)

var (
	ErrUnknownStep       = errors.New("workflow: unknown step")
	ErrInvalidTransition = errors.New("workflow: invalid transition")
)

// Markers used by the assistant to announce a final answer.
const (
	MarkerCompletedPrompt = "완성된 프롬프트:"
	MarkerFinalPrompt     = "최종 프롬프트:"
	MarkerDallEEnglish    = "DALL-E 프롬프트 (영어):"
	MarkerKoreanRendering = "한국어 번역:"
	PhraseVideoReady      = "이 프롬프트로 멋진 영상을 만들 수 있을 거예요"
	TagFinalPrompt        = "final_prompt"
	TagTranslation        = "translation"
)

// Spec is the static description of one step.
type Spec struct {
	Step  domain.Step
	Title string

	// FinalizeOnStart ends the step after the first model reply.
	FinalizeOnStart bool
	// ReplyAfterFinal keeps the chat open once the step is finalized.
	ReplyAfterFinal bool
	// RequiresSceneSummary makes Start take a summary alongside the draft.
	RequiresSceneSummary bool
	// RequiresImageKind makes Start take a character/background choice.
	RequiresImageKind bool
	// GeneratesImage enables the image actions once a prompt is collected.
	GeneratesImage bool

	Parser extract.Parser
}

var catalogue = []Spec{
	{
		Step:  domain.StepStoryReview,
		Title: "1. 이야기 점검하기",
	},
	{
		Step:            domain.StepStorySegmentation,
		Title:           "2. 이야기 나누기",
		FinalizeOnStart: true,
	},
	{
		Step:              domain.StepImagePrompting,
		Title:             "3. 캐릭터/배경 이미지 생성",
		ReplyAfterFinal:   true,
		RequiresImageKind: true,
		GeneratesImage:    true,
		Parser: extract.Parser{
			extract.Tagged("tagged", TagFinalPrompt, TagTranslation),
			extract.MarkerPair("dalle_pair", MarkerDallEEnglish, MarkerKoreanRendering),
			extract.MarkerLine("completed_prompt", MarkerCompletedPrompt),
		},
	},
	{
		Step:                 domain.StepVideoPrompting,
		Title:                "4. 장면별 영상 Prompt 점검",
		RequiresSceneSummary: true,
		Parser: extract.Parser{
			extract.Tagged("tagged", TagFinalPrompt, ""),
			extract.MarkerLine("final_prompt", MarkerFinalPrompt),
			extract.CompletionPhrase("video_ready", PhraseVideoReady),
		},
	},
}

// Steps returns every step in display order.
func Steps() []Spec {
	out := make([]Spec, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the spec for step.
func Lookup(step domain.Step) (Spec, error) {
	for _, s := range catalogue {
		if s.Step == step {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
}

// ParseStep accepts a step id in any letter case.
func ParseStep(raw string) (domain.Step, error) {
	step := domain.Step(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := Lookup(step); err != nil {
		return "", err
	}
	return step, nil
}

// Next returns the phase reached by applying t in phase from.
func (s Spec) Next(from domain.Phase, t Trigger) (domain.Phase, error) {
	switch t {
	case TriggerReset:
		return domain.PhaseAwaitingInput, nil
	case TriggerStart:
		if from != domain.PhaseAwaitingInput {
			break
		}
		if s.FinalizeOnStart {
			return domain.PhaseFinalized, nil
		}
		return domain.PhaseConversing, nil
	case TriggerReply:
		if from == domain.PhaseConversing {
			return domain.PhaseConversing, nil
		}
		if from == domain.PhaseFinalized && s.ReplyAfterFinal {
			return domain.PhaseFinalized, nil
		}
	case TriggerFinalize:
		if from == domain.PhaseConversing && len(s.Parser) > 0 {
			return domain.PhaseFinalized, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s in %s", ErrInvalidTransition, t, s.Step, from)
}
