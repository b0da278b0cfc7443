package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"pika-helper/internal/domain"
	"pika-helper/internal/integrations/paramstore"
	"pika-helper/internal/repository"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(envFrom(map[string]string{"PARAM_PREFIX": "/pika-helper"}))
	require.NoError(t, err)
	require.Equal(t, repository.KindMemory, s.SessionStore)
	require.Equal(t, 24*time.Hour, s.SessionTTL)
	require.Equal(t, 60*time.Second, s.ImageCooldown)
	require.Equal(t, 4000, s.MaxInputLen)
	require.Equal(t, 2.0, s.OpenAIRPS)
}

func TestLoadSettings_Overrides(t *testing.T) {
	s, err := LoadSettings(envFrom(map[string]string{
		"PARAM_PREFIX":           "/p",
		"SESSION_STORE":          "DynamoDB",
		"STATE_TABLE":            "sessions",
		"SESSION_TTL_HOURS":      "6",
		"IMAGE_COOLDOWN_SECONDS": "90",
		"MAX_INPUT_LENGTH":       "oops",
		"OPENAI_RPS":             "0.5",
	}))
	require.NoError(t, err)
	require.Equal(t, repository.KindDynamoDB, s.SessionStore)
	require.Equal(t, "sessions", s.StateTable)
	require.Equal(t, 6*time.Hour, s.SessionTTL)
	require.Equal(t, 90*time.Second, s.ImageCooldown)
	require.Equal(t, 4000, s.MaxInputLen, "malformed numbers keep the default")
	require.Equal(t, 0.5, s.OpenAIRPS)
}

func TestLoadSettings_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing prefix":    {},
		"dynamodb no table": {"PARAM_PREFIX": "/p", "SESSION_STORE": "dynamodb"},
		"redis no address":  {"PARAM_PREFIX": "/p", "SESSION_STORE": "redis"},
		"unknown store":     {"PARAM_PREFIX": "/p", "SESSION_STORE": "sqlite"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSettings(envFrom(env))
			require.Error(t, err)
		})
	}
}

func TestBuild_DynamoDBRequiresClient(t *testing.T) {
	s := Settings{ParamPrefix: "/p", SessionStore: repository.KindDynamoDB, StateTable: "t"}
	_, err := Build(s, Deps{Params: paramstore.Static{}})
	require.ErrorIs(t, err, repository.ErrInvalidConfig)

	_, err = Build(s, Deps{})
	require.Error(t, err)
}

func TestBuild_MissingInstructionsFile(t *testing.T) {
	s := Settings{ParamPrefix: "/p", SessionStore: repository.KindMemory, InstructionsFile: filepath.Join(t.TempDir(), "none.toml")}
	_, err := Build(s, Deps{Params: paramstore.Static{}})
	require.Error(t, err)
}

// TestBuild_EndToEnd drives the assembled handler against a fake OpenAI server.
func TestBuild_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/moderations":
			_, _ = io.WriteString(w, `{"results":[{"flagged":false}]}`)
		case "/v1/chat/completions":
			_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"멋진 이야기네요! 주인공 이름은 무엇인가요?"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	params := paramstore.Static{
		"/pika-helper/open-ai-token":       `{"token":"sk-test"}`,
		"/pika-helper/config/openai_model": "gpt-4o",
	}
	s, err := LoadSettings(envFrom(map[string]string{
		"PARAM_PREFIX":    "/pika-helper",
		"OPENAI_BASE_URL": srv.URL,
	}))
	require.NoError(t, err)

	a, err := Build(s, Deps{Params: params, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	resp, err := a.Handler.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/steps/story_review/start",
		Body:       `{"text":"옛날 옛적에 용감한 토끼가 살았어요."}`,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	var out struct {
		SessionID          string `json:"sessionId"`
		ConversationLength int    `json:"conversationLength"`
		Phase              string `json:"phase"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	require.NotEmpty(t, out.SessionID)
	require.Equal(t, 3, out.ConversationLength)
	require.Equal(t, string(domain.PhaseConversing), out.Phase)

	sess, err := a.Store.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestWatchInstructions_NoFileIsNoop(t *testing.T) {
	s := Settings{ParamPrefix: "/p"}
	a, err := Build(s, Deps{Params: paramstore.Static{}})
	require.NoError(t, err)
	require.NoError(t, a.WatchInstructions(context.Background(), s, nil))
}

func TestBuild_LoadsInstructionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.toml")
	data := `
[[instruction]]
step = "story_review"
version = 1
text = "a"
[[instruction]]
step = "story_segmentation"
version = 1
text = "b"
[[instruction]]
step = "image_prompting"
version = 1
text = "c"
[[instruction]]
step = "video_prompting"
version = 7
text = "d"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	a, err := Build(Settings{ParamPrefix: "/p", InstructionsFile: path}, Deps{Params: paramstore.Static{}})
	require.NoError(t, err)
	in, err := a.Catalogue.Lookup(domain.StepVideoPrompting, 0)
	require.NoError(t, err)
	require.Equal(t, 7, in.Version)
}
