package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChatServer は chat completions API を模擬し、JSON モードの要求には editorReply を返します。
func fakeChatServer(t *testing.T, editorReply string) (*httptest.Server, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []openai.ChatCompletionRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		content := "notes from " + req.Messages[0].Content
		if req.ResponseFormat != nil {
			content = editorReply
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-test",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestGenerator(t *testing.T, srv *httptest.Server) *CrewGenerator {
	t.Helper()
	gen, err := NewCrewGenerator(NewOpenAIClient("sk-test", srv.URL+"/v1"), CrewOptions{
		Model: "test-model",
		Now:   func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	return gen
}

func TestCrewGeneratorProducesReport(t *testing.T) {
	editor := "```json\n{\"title\":\"EV market\",\"summary\":\"Growing fast\",\"content\":\"# EV\\nDetails\",\"key_findings\":[\"growth\"]}\n```"
	srv, requests := fakeChatServer(t, editor)
	gen := newTestGenerator(t, srv)

	var progress []int
	report, err := gen.Generate(context.Background(), Params{
		Topic:    "Electric vehicle market",
		Category: CategoryBusinessAnalysis,
		Language: LanguageEN,
		Depth:    DepthStandard,
	}, func(percent int, _ string) {
		progress = append(progress, percent)
	})
	require.NoError(t, err)

	assert.Equal(t, "EV market", report.Title)
	assert.Equal(t, []string{"growth"}, report.KeyFindings)
	assert.Len(t, report.Sections, 3)
	assert.Equal(t, "test-model", report.Model)
	assert.Equal(t, CategoryBusinessAnalysis, report.Category)
	assert.Len(t, *requests, 4, "three agents plus the editor")

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must not decrease")
	}
	assert.Equal(t, 90, progress[len(progress)-1])
}

func TestCrewGeneratorRejectsMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"not json":       "here is your report",
		"missing fields": `{"title":"only a title"}`,
		"wrong type":     `{"title":"t","summary":"s","content":"c","key_findings":"none"}`,
		"empty title":    `{"title":"","summary":"s","content":"c","key_findings":[]}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := fakeChatServer(t, reply)
			gen := newTestGenerator(t, srv)

			_, err := gen.Generate(context.Background(), Params{Topic: "Electric vehicle market", Category: CategoryGeneral}, nil)
			var apiErr *Error
			require.True(t, errors.As(err, &apiErr), "expected *Error, got %v", err)
			assert.Equal(t, CodeExecution, apiErr.Code)
		})
	}
}

func TestCrewGeneratorHonoursCancellation(t *testing.T) {
	srv, requests := fakeChatServer(t, "{}")
	gen := newTestGenerator(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Generate(ctx, Params{Topic: "Electric vehicle market", Category: CategoryGeneral}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *requests)
}
