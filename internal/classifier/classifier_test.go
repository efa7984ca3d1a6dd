package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// recordingModel captures the last call so prompts and options can be asserted.
type recordingModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *recordingModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = msgs
	for _, o := range options {
		o(&m.opts)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newLLM(t *testing.T, model llms.Model) *LLM {
	t.Helper()
	c, err := NewLLM(model, nil, Config{Temperature: 0.2, MaxTokens: 256}, nil)
	require.NoError(t, err)
	return c
}

func codeOf(t *testing.T, err error) schema.Code {
	t.Helper()
	var ee *schema.EddoError
	require.True(t, errors.As(err, &ee), "want EddoError, got %v", err)
	return ee.Code
}

func TestClassify_NormalizesReply(t *testing.T) {
	model := fake.NewFakeLLM([]string{
		"```json\n{\"classification\":\"compound\",\"confidence\":1.7,\"requiresApproval\":true,\"riskLevel\":\"high\",\"estimatedSteps\":40}\n```",
	})
	c := newLLM(t, model)

	a, err := c.Classify(context.Background(), "delete all completed todos and list the rest")
	require.NoError(t, err)
	assert.Equal(t, schema.ClassificationCompound, a.Classification)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, schema.MaxEstimatedSteps, a.EstimatedSteps)
	assert.True(t, a.RequiresApproval)
	assert.Equal(t, schema.RiskHigh, a.RiskLevel)
}

func TestClassify_SendsJSONModeAndContext(t *testing.T) {
	model := &recordingModel{reply: `{"classification":"simple","confidence":0.9,"riskLevel":"low","estimatedSteps":1}`}
	c := newLLM(t, model)

	_, err := c.Classify(context.Background(), "add buy milk")
	require.NoError(t, err)
	assert.True(t, model.opts.JSONMode)
	assert.Equal(t, 0.2, model.opts.Temperature)
	assert.Equal(t, 256, model.opts.MaxTokens)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	human, ok := model.messages[1].Parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Contains(t, human.Text, `"intent":"add buy milk"`)
}

func TestClassify_Failures(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		c := newLLM(t, &recordingModel{err: errors.New("boom")})
		_, err := c.Classify(context.Background(), "x")
		assert.Equal(t, schema.ErrCodeClassification, codeOf(t, err))
	})
	t.Run("empty reply", func(t *testing.T) {
		c := newLLM(t, &recordingModel{})
		_, err := c.Classify(context.Background(), "x")
		assert.Equal(t, schema.ErrCodeClassification, codeOf(t, err))
	})
	t.Run("not json", func(t *testing.T) {
		c := newLLM(t, fake.NewFakeLLM([]string{"I think it is simple."}))
		_, err := c.Classify(context.Background(), "x")
		assert.Equal(t, schema.ErrCodeClassification, codeOf(t, err))
	})
	t.Run("no responses configured", func(t *testing.T) {
		c := newLLM(t, fake.NewFakeLLM(nil))
		_, err := c.Classify(context.Background(), "x")
		require.Error(t, err)
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := newLLM(t, &recordingModel{err: context.Canceled})
		_, err := c.Classify(ctx, "x")
		assert.Equal(t, schema.ErrCodeCancelled, codeOf(t, err))
	})
}

func TestDecompose(t *testing.T) {
	model := &recordingModel{reply: `{"steps":[{"action":" listTodos ","parameters":{"context":"work"}},{"action":"deleteTodo","parameters":{"id":"t1"},"description":"remove t1"}]}`}
	c := newLLM(t, model)
	caps := []capability.Capability{{Name: "listTodos", Description: "List todos"}, {Name: "deleteTodo", Description: "Delete a todo"}}

	steps, err := c.Decompose(context.Background(), "list work todos then delete t1", &schema.TaskAnalysis{Classification: schema.ClassificationCompound}, caps)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "listTodos", steps[0].Action)
	assert.Equal(t, "work", steps[0].Parameters["context"])
	assert.Equal(t, "remove t1", steps[1].Description)

	human := model.messages[1].Parts[0].(llms.TextContent)
	assert.Contains(t, human.Text, "deleteTodo")
}

func TestDecompose_RejectsEmptyPlan(t *testing.T) {
	c := newLLM(t, &recordingModel{reply: `{"steps":[]}`})
	_, err := c.Decompose(context.Background(), "x", nil, nil)
	assert.Equal(t, schema.ErrCodeClassification, codeOf(t, err))
}

func TestSuggest(t *testing.T) {
	model := &recordingModel{reply: `{"suggestions":["Review remaining todos","Start a timer","Archive done items","One too many"]}`}
	c := newLLM(t, model)
	state := &schema.WorkflowState{
		UserIntent: "list todos",
		ExecutionSteps: []schema.ExecutionStep{
			{StepID: "s1", Action: "listTodos", Status: schema.StepStatusCompleted},
			{StepID: "s2", Action: "deleteTodo", Status: schema.StepStatusFailed, Error: "nope"},
		},
	}

	s, err := c.Suggest(context.Background(), state)
	require.NoError(t, err)
	assert.Len(t, s, 3)

	human := model.messages[1].Parts[0].(llms.TextContent)
	assert.Contains(t, human.Text, `"action":"deleteTodo"`)
	assert.Contains(t, human.Text, `"error":"nope"`)
}

func TestNewModel_UnknownProvider(t *testing.T) {
	_, err := NewModel(Config{Provider: "carrier-pigeon"})
	assert.Equal(t, schema.ErrCodeValidation, codeOf(t, err))
}

func TestHeuristic(t *testing.T) {
	var h Heuristic
	ctx := context.Background()

	a, err := h.Classify(ctx, "Delete all my completed todos")
	require.NoError(t, err)
	assert.Equal(t, schema.RiskHigh, a.RiskLevel)
	assert.True(t, a.RequiresApproval)

	a, err = h.Classify(ctx, "show my todos")
	require.NoError(t, err)
	assert.Equal(t, schema.RiskLow, a.RiskLevel)

	caps := []capability.Capability{{Name: "todo.listTodos", Description: "List todos"}}
	steps, err := h.Decompose(ctx, "show me everything on my list", a, caps)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, strings.HasSuffix(steps[0].Action, "listTodos"))

	_, err = h.Suggest(ctx, &schema.WorkflowState{})
	require.Error(t, err)
}
