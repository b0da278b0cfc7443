package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pika-helper/internal/domain"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/pika-helper", opts...)
	require.NoError(t, err)
	return c
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpoint(tc.base, "/chat/completions"), "base=%q", tc.base)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "/pika-helper")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/pika-helper/")
	require.NoError(t, err)
	require.Equal(t, "/pika-helper", c.paramPrefix)
	require.Equal(t, defaultTimeout, c.httpClient.Timeout)
}

func TestResolveAPIKey_CachesOnlySuccess(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "/pika-helper")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = `{"token":" sk-from-ssm "}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 2, g.calls)
}

func TestFetchAPIKey(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		want    string
		wantErr string
	}{
		{name: "json token", getter: &fakeGetter{val: `{"token":"sk-1"}`}, want: "sk-1"},
		{name: "missing field", getter: &fakeGetter{val: `{"other":"x"}`}, wantErr: "API token is empty"},
		{name: "malformed", getter: &fakeGetter{val: `{"broken`}, wantErr: "unmarshal"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("denied")}, wantErr: "denied"},
		{name: "nil getter", getter: nil, wantErr: "nil"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fetchAPIKey(context.Background(), tc.getter, "/pika-helper/open-ai-token")
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	require.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
}

func TestClient_Chat_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		require.Equal(t, domain.RoleSystem, req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"멋진 이야기예요!"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Chat(context.Background(), "gpt-4o", []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "지침"},
		{Role: domain.RoleUser, Content: "옛날 옛적에"},
	})
	require.NoError(t, err)
	require.Equal(t, "멋진 이야기예요!", resp)
}

func TestClient_Chat_Failures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "bad json", status: 200, body: `not-json`, wantErr: "decode chat response"},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantErr: "no choices"},
		{name: "server error", status: 500, body: `{"error":{"message":"boom"}}`, wantErr: "500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, jsonServer(t, tc.status, tc.body))
			_, err := c.Chat(context.Background(), "gpt-4o", nil)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestClient_Chat_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/pika-helper")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "", nil)
	require.ErrorContains(t, err, "model")
}

func TestClient_RateLimitedStatusCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached for images"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GenerateImage(context.Background(), "dall-e-3", "a brave knight")

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Equal(t, 17*time.Second, statusErr.RetryAfterDuration())
	require.Equal(t, "Rate limit reached for images", statusErr.Message)
	require.Contains(t, err.Error(), "Rate limit reached")
}

func TestClient_Chat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := c.Chat(context.Background(), "gpt-4o", nil)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestClient_Moderate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/moderations", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		flagged := bytes.Contains(body, []byte("나쁜 말"))
		w.Header().Set("Content-Type", "application/json")
		if flagged {
			_, _ = w.Write([]byte(`{"results":[{"flagged":true}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	flagged, err := c.Moderate(context.Background(), "토끼가 숲에서 친구를 만나요")
	require.NoError(t, err)
	require.False(t, flagged)

	flagged, err = c.Moderate(context.Background(), "나쁜 말")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestClient_Moderate_Failures(t *testing.T) {
	c := newTestClient(t, jsonServer(t, 200, `{"results":[]}`))
	_, err := c.Moderate(context.Background(), "hello")
	require.ErrorContains(t, err, "no results")

	c = newTestClient(t, jsonServer(t, 200, `nope`))
	_, err = c.Moderate(context.Background(), "hello")
	require.ErrorContains(t, err, "decode moderation response")

	c, err = NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/pika-helper",
		WithBaseURL("http://127.0.0.1:1"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	_, err = c.Moderate(context.Background(), "hello")
	require.ErrorContains(t, err, "request failed")
}

func encodeImage(t *testing.T, format string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	switch format {
	case "png":
		require.NoError(t, png.Encode(&buf, img))
	case "jpeg":
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestClient_GenerateImage(t *testing.T) {
	for _, format := range []string{"png", "jpeg"} {
		t.Run(format, func(t *testing.T) {
			b64 := encodeImage(t, format)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/images/generations", r.URL.Path)
				var req imageRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				require.Equal(t, "dall-e-3", req.Model)
				require.Equal(t, 1, req.N)
				require.Equal(t, "1024x1024", req.Size)
				require.Equal(t, "b64_json", req.ResponseFormat)
				require.Equal(t, "a brave knight", req.Prompt)
				_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + b64 + `"}]}`))
			}))
			defer srv.Close()

			out, err := newTestClient(t, srv).GenerateImage(context.Background(), "dall-e-3", "a brave knight")
			require.NoError(t, err)
			_, decoded, err := image.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			require.Equal(t, "png", decoded)
		})
	}
}

func TestClient_GenerateImage_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
		invalid bool
	}{
		{name: "no data", body: `{"data":[]}`, wantErr: "no image data"},
		{name: "bad base64", body: `{"data":[{"b64_json":"%%%"}]}`, wantErr: "base64", invalid: true},
		{name: "not an image", body: `{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}]}`, wantErr: "not a valid image", invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, jsonServer(t, 200, tc.body))
			_, err := c.GenerateImage(context.Background(), "dall-e-3", "prompt")
			require.ErrorContains(t, err, tc.wantErr)
			if tc.invalid {
				require.ErrorIs(t, err, ErrInvalidImage)
			}
		})
	}

	c := newTestClient(t, jsonServer(t, 200, `{}`))
	_, err := c.GenerateImage(context.Background(), "dall-e-3", "  ")
	require.ErrorContains(t, err, "prompt")
}

func TestClient_RateLimitPacesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithRateLimit(0.001, 1))
	_, err := c.Moderate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Moderate(ctx, "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "rate limiter")
	require.Equal(t, int32(1), hits.Load())
}
