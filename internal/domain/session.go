package domain

import (
	"slices"
	"time"
)

// Step identifies one of the independent guided tasks.
type Step string

const (
	StepStoryReview       Step = "story_review"
	StepStorySegmentation Step = "story_segmentation"
	StepImagePrompting    Step = "image_prompting"
	StepVideoPrompting    Step = "video_prompting"
)

// Phase is the finite-state position of a step's conversation.
type Phase string

const (
	PhaseAwaitingInput Phase = "awaiting_input"
	PhaseConversing    Phase = "conversing"
	PhaseFinalized     Phase = "finalized"
)

// ImageKind distinguishes character sheets from background plates.
type ImageKind string

const (
	ImageKindCharacter  ImageKind = "character"
	ImageKindBackground ImageKind = "background"
)

// Label is the Korean name shown to students.
func (k ImageKind) Label() string {
	switch k {
	case ImageKindCharacter:
		return "캐릭터 이미지"
	case ImageKindBackground:
		return "배경 이미지"
	}
	return ""
}

// ExtractedPrompt is the structured answer pulled out of an assistant reply.
type ExtractedPrompt struct {
	Variant     string `json:"variant"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
}

// GeneratedImage describes the latest image produced for a step. The PNG
// bytes themselves live in the process-local image cache, never in the
// session document.
type GeneratedImage struct {
	Prompt    string    `json:"prompt"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// StepInput keeps the form fields a student last submitted so they can be
// shown again.
type StepInput struct {
	Story        string    `json:"story,omitempty"`
	Description  string    `json:"description,omitempty"`
	SceneSummary string    `json:"scene_summary,omitempty"`
	ScenePrompt  string    `json:"scene_prompt,omitempty"`
	ImageKind    ImageKind `json:"image_kind,omitempty"`
}

// StepState is the conversation and workflow position for one step.
type StepState struct {
	Step               Step             `json:"step"`
	InstructionVersion int              `json:"instruction_version"`
	Messages           []ChatMessage    `json:"messages"`
	Phase              Phase            `json:"phase"`
	Input              StepInput        `json:"input"`
	Extracted          *ExtractedPrompt `json:"extracted,omitempty"`
	Image              *GeneratedImage  `json:"image,omitempty"`
	LastRevision       string           `json:"last_revision,omitempty"`
	CooldownUntil      time.Time        `json:"cooldown_until"`
}

// Flags are the legacy boolean views derived from the phase.
type Flags struct {
	Submitted       bool   `json:"submitted"`
	Completed       bool   `json:"completed"`
	PromptCollected bool   `json:"prompt_collected"`
	FinalPromptText string `json:"final_prompt_text,omitempty"`
}

// NewStepState returns a step seeded with exactly one system message.
func NewStepState(step Step, version int, instruction string) *StepState {
	return &StepState{
		Step:               step,
		InstructionVersion: version,
		Messages:           []ChatMessage{{Role: RoleSystem, Content: instruction}},
		Phase:              PhaseAwaitingInput,
	}
}

// LastMessage returns the most recent message, or nil for an empty conversation.
func (s *StepState) LastMessage() *ChatMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Collected reports whether a final prompt has been extracted.
func (s *StepState) Collected() bool {
	return s.Extracted != nil
}

// Flags derives the boolean view of the current phase.
func (s *StepState) Flags() Flags {
	f := Flags{
		Submitted:       s.Phase != PhaseAwaitingInput,
		Completed:       s.Phase == PhaseFinalized,
		PromptCollected: s.Collected(),
	}
	if s.Extracted != nil {
		f.FinalPromptText = s.Extracted.Text
	}
	return f
}

// VisibleMessages returns the conversation without system messages.
func (s *StepState) VisibleMessages() []ChatMessage {
	out := make([]ChatMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Clone returns a deep copy of the step state.
func (s *StepState) Clone() *StepState {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	if s.Extracted != nil {
		e := *s.Extracted
		c.Extracted = &e
	}
	if s.Image != nil {
		img := *s.Image
		c.Image = &img
	}
	return &c
}

// Session is the explicit per-session context: one StepState per step.
type Session struct {
	ID        string              `json:"id"`
	Steps     map[Step]*StepState `json:"steps"`
	Version   int64               `json:"version"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewSession returns an empty session with the given id.
func NewSession(id string) *Session {
	return &Session{ID: id, Steps: make(map[Step]*StepState)}
}

// Step returns the state for step, or nil when it was never initialized.
func (s *Session) Step(step Step) *StepState {
	if s.Steps == nil {
		return nil
	}
	return s.Steps[step]
}

// SetStep stores state for its step.
func (s *Session) SetStep(st *StepState) {
	if s.Steps == nil {
		s.Steps = make(map[Step]*StepState)
	}
	s.Steps[st.Step] = st
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make(map[Step]*StepState, len(s.Steps))
	for k, v := range s.Steps {
		c.Steps[k] = v.Clone()
	}
	return &c
}
