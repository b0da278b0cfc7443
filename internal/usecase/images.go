package usecase

import (
	"context"
	"strings"
	"time"

	"pika-helper/internal/domain"
	"pika-helper/internal/workflow"
)

// ImageOutput is the refreshed step view plus the new PNG.
type ImageOutput struct {
	View StepView
	PNG  []byte
}

// ImageFile is a downloadable image artifact.
type ImageFile struct {
	Name string
	PNG  []byte
}

// GenerateImage renders the extracted prompt of step.
func (s *WorkflowService) GenerateImage(ctx context.Context, sessionID string, step domain.Step) (ImageOutput, error) {
	return s.renderImage(ctx, sessionID, step, "")
}

// RegenerateImage renders the extracted prompt with the student's revision
// appended. The extracted prompt itself is left unchanged.
func (s *WorkflowService) RegenerateImage(ctx context.Context, sessionID string, step domain.Step, revision string) (ImageOutput, error) {
	rev, err := s.validText(revision, "empty_revision")
	if err != nil {
		return ImageOutput{}, err
	}
	return s.renderImage(ctx, sessionID, step, rev)
}

func (s *WorkflowService) renderImage(ctx context.Context, sessionID string, step domain.Step, revision string) (ImageOutput, error) {
	sc, err := s.prepare(ctx, sessionID, step)
	if err != nil {
		return ImageOutput{}, err
	}
	st := sc.state
	if !sc.spec.GeneratesImage {
		return ImageOutput{}, newError(ErrorInvalidState, "step_has_no_image", nil)
	}
	if st.Phase != domain.PhaseFinalized || !st.Collected() {
		return ImageOutput{}, newError(ErrorInvalidState, "prompt_not_collected", nil)
	}

	now := s.now()
	if now.Before(st.CooldownUntil) {
		e := newError(ErrorCooldown, "image_cooldown", nil)
		e.RetryAfter = st.CooldownUntil.Sub(now)
		return ImageOutput{}, e
	}

	prompt := st.Extracted.Text
	if revision != "" {
		if err := s.moderate(ctx, revision); err != nil {
			return ImageOutput{}, err
		}
		prompt += ", " + revision
	}

	s.cacheMu.RLock()
	model := s.imageModel
	s.cacheMu.RUnlock()

	png, err := s.images.GenerateImage(ctx, model, prompt)
	if err != nil {
		e := classifyCollaboratorError("openai_image", err, s.imageCooldown)
		s.logger.Error("image generation failed", "session", sc.sess.ID, "step", step, "code", e.Code, "reason", e.Reason, "err", err)
		if e.Code == ErrorRateLimited {
			st.CooldownUntil = now.Add(e.RetryAfter)
			sc.dirty = true
		}
		if sc.dirty {
			if saveErr := s.saveSession(ctx, sc.sess); saveErr != nil {
				return ImageOutput{}, saveErr
			}
		}
		return ImageOutput{}, e
	}

	st.Image = &domain.GeneratedImage{Prompt: prompt, Bytes: len(png), CreatedAt: now}
	st.LastRevision = revision
	st.CooldownUntil = time.Time{}

	if err := s.saveSession(ctx, sc.sess); err != nil {
		return ImageOutput{}, err
	}
	s.cache.Put(sc.sess.ID, step, png)
	return ImageOutput{View: s.view(sc), PNG: png}, nil
}

// Image returns the latest image of step as {step}_generated.png.
func (s *WorkflowService) Image(ctx context.Context, sessionID string, step domain.Step) (ImageFile, error) {
	if _, err := workflow.Lookup(step); err != nil {
		return ImageFile{}, newError(ErrorNotFound, "unknown_step", err)
	}
	if strings.TrimSpace(sessionID) == "" {
		return ImageFile{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	sess, err := s.store.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return ImageFile{}, newError(ErrorInternal, "session_read_error", err)
	}
	if sess == nil || sess.Step(step) == nil || sess.Step(step).Image == nil {
		return ImageFile{}, newError(ErrorNotFound, "image_not_found", nil)
	}
	png, ok := s.cache.Get(sess.ID, step)
	if !ok {
		return ImageFile{}, newError(ErrorNotFound, "image_expired", nil)
	}
	return ImageFile{Name: string(step) + "_generated.png", PNG: png}, nil
}
