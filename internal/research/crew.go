package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
)

// ChatClient は chat completions API を呼び出すクライアントです。*openai.Client が実装します。
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// CrewOptions は CrewGenerator の設定です。
type CrewOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Logger      *logrus.Logger
	Now         func() time.Time
}

// CrewGenerator はカテゴリごとのエージェントを順番に実行し、最後に編集者がレポートを JSON で取りまとめます。
type CrewGenerator struct {
	client ChatClient
	schema *gojsonschema.Schema
	opts   CrewOptions
}

const reportSchema = `{
  "type": "object",
  "required": ["title", "summary", "content", "key_findings"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "summary": {"type": "string", "minLength": 1},
    "content": {"type": "string", "minLength": 1},
    "key_findings": {"type": "array", "items": {"type": "string"}}
  }
}`

// NewOpenAIClient は OpenAI 互換エンドポイント用のクライアントを作成します。
// baseURL を指定すると Gemini などの互換 API を利用できます。
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// NewCrewGenerator は CrewGenerator を初期化します。
func NewCrewGenerator(client ChatClient, opts CrewOptions) (*CrewGenerator, error) {
	if client == nil {
		return nil, errors.New("chat client is nil")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile report schema: %w", err)
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CrewGenerator{client: client, schema: schema, opts: opts}, nil
}

// Generate はリサーチを実行してレポートを返します。
func (g *CrewGenerator) Generate(ctx context.Context, params Params, progress ProgressFunc) (*Report, error) {
	crew := Crew(params.Category)
	steps := len(crew.Agents) + 1

	reportProgress(progress, 20, "Assembling agent crew...")

	sections := make([]Section, 0, len(crew.Agents))
	for i, agent := range crew.Agents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.logf(logrus.Fields{"role": agent.Role, "step": i + 1}, "running agent")

		output, err := g.complete(ctx, []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: agentSystemPrompt(agent)},
			{Role: openai.ChatMessageRoleUser, Content: agentTaskPrompt(params, agent, sections)},
		}, false)
		if err != nil {
			return nil, fmt.Errorf("agent %q failed: %w", agent.Role, err)
		}
		sections = append(sections, Section{Role: agent.Role, Output: output})
		reportProgress(progress, 20+70*(i+1)/steps, fmt.Sprintf("%s finished", agent.Role))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := g.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: editorSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: editorTaskPrompt(params, sections)},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("editor failed: %w", err)
	}

	report, err := g.parseReport(raw)
	if err != nil {
		return nil, err
	}
	report.Sections = sections
	report.Model = g.opts.Model
	report.Category = params.Category
	report.Language = params.Language
	report.Depth = params.Depth
	report.GeneratedAt = g.opts.Now().UTC()

	reportProgress(progress, 90, "Finalizing results...")
	return report, nil
}

func (g *CrewGenerator) complete(ctx context.Context, messages []openai.ChatCompletionMessage, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.opts.Model,
		Messages:    messages,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", newError(CodeExecution, "malformed output: no choices returned", nil)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", newError(CodeExecution, "malformed output: empty completion", nil)
	}
	return content, nil
}

func (g *CrewGenerator) parseReport(raw string) (*Report, error) {
	doc := stripCodeFence(raw)

	result, err := g.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, newError(CodeExecution, "malformed output: report is not valid JSON", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, newError(CodeExecution, "malformed output: "+strings.Join(msgs, "; "), nil)
	}

	var report Report
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, newError(CodeExecution, "malformed output: failed to decode report", err)
	}
	if report.KeyFindings == nil {
		report.KeyFindings = []string{}
	}
	return &report, nil
}

func (g *CrewGenerator) logf(fields logrus.Fields, msg string) {
	if g.opts.Logger == nil {
		return
	}
	g.opts.Logger.WithFields(fields).Debug(msg)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const editorSystemPrompt = `You are the chief editor of a research team. ` +
	`You merge the team's notes into one report and answer with a single JSON object only.`

func agentSystemPrompt(a Agent) string {
	return fmt.Sprintf("You are a %s. Your goal: %s. Be factual and specific.", a.Role, a.Goal)
}

func agentTaskPrompt(p Params, a Agent, previous []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on the topic: %s\n\n", depthInstruction(p.Depth), p.Topic)
	fmt.Fprintf(&b, "Your part as %s: %s.\n", a.Role, a.Goal)
	if len(previous) > 0 {
		b.WriteString("\nNotes from your colleagues:\n")
		for _, s := range previous {
			fmt.Fprintf(&b, "\n## %s\n%s\n", s.Role, s.Output)
		}
	}
	fmt.Fprintf(&b, "\nWrite the result in %s.", languageName(p.Language))
	return b.String()
}

func editorTaskPrompt(p Params, sections []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", p.Topic)
	for _, s := range sections {
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.Role, s.Output)
	}
	fmt.Fprintf(&b, "\nReturn JSON with keys \"title\", \"summary\", \"content\" (markdown) and "+
		"\"key_findings\" (array of strings). Write all text in %s.", languageName(p.Language))
	return b.String()
}
