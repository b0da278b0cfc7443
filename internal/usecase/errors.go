package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorInvalidState   ErrorCode = "INVALID_STATE"
	ErrorInvalidContent ErrorCode = "INVALID_CONTENT"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorCooldown       ErrorCode = "COOLDOWN_ACTIVE"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorConnection     ErrorCode = "CONNECTION_ERROR"
	ErrorTimeout        ErrorCode = "TIMEOUT"
	ErrorConflict       ErrorCode = "CONFLICT"
	ErrorUnknown        ErrorCode = "UNKNOWN_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
	// RetryAfter is set for COOLDOWN_ACTIVE and RATE_LIMITED.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// UserMessage is the short Korean notice shown to the student for code.
func UserMessage(code ErrorCode) string {
	switch code {
	case ErrorInvalidInput:
		return "빈칸이 있어요. 내용을 채운 다음 다시 눌러 주세요."
	case ErrorInvalidState:
		return "지금은 이 버튼을 누를 수 없어요. 화면의 안내를 차례대로 따라가 볼까요?"
	case ErrorInvalidContent:
		return "조금 더 고운 말로 바꿔서 다시 써 볼까요?"
	case ErrorNotFound:
		return "찾는 내용이 없어요. 처음부터 다시 해 볼까요?"
	case ErrorCooldown, ErrorRateLimited:
		return "AI 친구가 잠깐 쉬고 있어요. 1분쯤 기다렸다가 다시 눌러 주세요!"
	case ErrorUpstream:
		return "AI 친구가 지금 대답하기 어렵대요. 조금 뒤에 다시 해 볼까요?"
	case ErrorConnection:
		return "인터넷 연결이 잠깐 끊겼어요. 잠시 후 다시 시도해 주세요."
	case ErrorTimeout:
		return "AI 친구가 생각하는 데 시간이 너무 오래 걸렸어요. 한 번 더 눌러 볼까요?"
	case ErrorConflict:
		return "다른 창에서 먼저 바뀌었어요. 화면을 새로 고친 뒤 다시 해 주세요."
	default:
		return "앗, 알 수 없는 문제가 생겼어요. 잠시 후 다시 시도해 주세요."
	}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type retryAfterer interface {
	RetryAfterDuration() time.Duration
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func upstreamRetryAfter(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfterDuration()
	}
	return 0
}

// classifyCollaboratorError maps a failed chat, moderation or image call to
// one of the user-facing failure kinds. op prefixes the reason, e.g.
// "openai_chat". fallbackWait is used when a rate limit gives no Retry-After.
func classifyCollaboratorError(op string, err error, fallbackWait time.Duration) *Error {
	if status, ok := upstreamStatusCode(err); ok {
		if status == http.StatusTooManyRequests {
			e := newError(ErrorRateLimited, op+"_rate_limited", err)
			e.RetryAfter = upstreamRetryAfter(err)
			if e.RetryAfter <= 0 {
				e.RetryAfter = fallbackWait
			}
			return e
		}
		return newError(ErrorUpstream, fmt.Sprintf("%s_status_%d", op, status), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTimeout, op+"_timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(ErrorTimeout, op+"_timeout", err)
		}
		return newError(ErrorConnection, op+"_connection_error", err)
	}
	return newError(ErrorUnknown, op+"_error", err)
}
