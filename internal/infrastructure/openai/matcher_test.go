package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		conflict bool
		message  string
		wantErr  bool
	}{
		{"conflict", `{"message": "Amoxicillin causes rash.", "allergy_flag": "1"}`, true, "Amoxicillin causes rash.", false},
		{"no conflict", `{"message": "", "allergy_flag": "0"}`, false, "", false},
		{"bare number", `{"message": "x", "allergy_flag": 1}`, true, "x", false},
		{"code block", "```json\n{\"message\": \"\", \"allergy_flag\": \"0\"}\n```", false, "", false},
		{"prose around", `Sure. {"message": "y", "allergy_flag": "1"} Hope that helps`, true, "y", false},
		{"no object", `I cannot determine that.`, false, "", true},
		{"bad flag", `{"message": "", "allergy_flag": "maybe"}`, false, "", true},
		{"missing flag", `{"message": ""}`, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseReply(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedReply)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.conflict, res.Conflict)
			assert.Equal(t, tt.message, res.Explanation)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("rash, hives", "penicillin, latex")
	assert.Contains(t, p, "Drug Side Effects: rash, hives")
	assert.Contains(t, p, "Patient Allergies: penicillin, latex")
	assert.Contains(t, p, `"allergy_flag": "1"`)
}

func chatServer(t *testing.T, status int, content string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 1)

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
}

func TestMatcher_Match(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, http.StatusOK, `{"message": "Drug causes rash.", "allergy_flag": "1"}`, &hits)
	defer srv.Close()

	m, err := NewMatcher(Config{APIKey: "test-key", BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	res, err := m.Match(context.Background(), "rash", "rash")
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Equal(t, "Drug causes rash.", res.Explanation)
	assert.Equal(t, int32(1), hits.Load())
}

func TestMatcher_ServerError(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, http.StatusInternalServerError, "", &hits)
	defer srv.Close()

	m, err := NewMatcher(Config{APIKey: "test-key", BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	_, err = m.Match(context.Background(), "rash", "rash")
	assert.ErrorIs(t, err, safety.ErrMatcherUnavailable)
}

func TestMatcher_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, http.StatusBadGateway, "", &hits)
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig("openai")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil, nil)
	require.NoError(t, err)

	m, err := NewMatcher(Config{APIKey: "test-key", BaseURL: srv.URL}, cb, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = m.Match(context.Background(), "rash", "rash")
		assert.ErrorIs(t, err, safety.ErrMatcherUnavailable)
	}
	assert.Equal(t, int32(2), hits.Load(), "third call is rejected by the breaker")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestMatcher_RateLimitHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := chatServer(t, http.StatusOK, `{"message": "", "allergy_flag": "0"}`, &hits)
	defer srv.Close()

	m, err := NewMatcher(Config{APIKey: "test-key", BaseURL: srv.URL, RatePerSecond: 0.01, Burst: 1}, nil, nil)
	require.NoError(t, err)

	_, err = m.Match(context.Background(), "a", "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Match(ctx, "a", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewMatcher_RequiresKey(t *testing.T) {
	_, err := NewMatcher(Config{}, nil, nil)
	assert.Error(t, err)
}
