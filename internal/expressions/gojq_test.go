package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

const failureQuery = `type == "object" and (.success == false or (.error != null and .error != "" and .error != false))`

func TestGoJQ_FailureQuery(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	tests := []struct {
		raw  string
		want bool
	}{
		{`{"success":true,"data":{"id":"t1"}}`, false},
		{`{"success":false}`, true},
		{`{"error":"not found"}`, true},
		{`{"error":""}`, false},
		{`{"error":null,"items":[]}`, false},
		{`[{"id":"t1"}]`, false},
		{`"done"`, false},
	}
	for _, tc := range tests {
		got, err := e.EvaluateJSON(ctx, failureQuery, json.RawMessage(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	got, err := e.Evaluate(ctx, `.steps | map(select(.status == "failed")) | length`, map[string]any{
		"steps": []any{
			map[string]any{"status": "completed"},
			map[string]any{"status": "failed"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	multi, err := e.Evaluate(ctx, `.a[]`, map[string]any{"a": []any{1.0, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, multi)

	widened, err := e.Evaluate(ctx, `.n + 1`, map[string]any{"n": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, 3.0, widened)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	var eddoErr *schema.EddoError

	_, err := e.Evaluate(ctx, "", nil)
	require.True(t, errors.As(err, &eddoErr))
	assert.Equal(t, schema.ErrCodeValidation, eddoErr.Code)

	_, err = e.Evaluate(ctx, ".a[", nil)
	require.True(t, errors.As(err, &eddoErr))
	assert.Equal(t, schema.ErrCodeValidation, eddoErr.Code)

	_, err = e.EvaluateJSON(ctx, ".", json.RawMessage(`{oops`))
	require.True(t, errors.As(err, &eddoErr))
	assert.Equal(t, schema.ErrCodeValidation, eddoErr.Code)

	_, err = e.Evaluate(ctx, `error("nope")`, map[string]any{})
	require.True(t, errors.As(err, &eddoErr))
	assert.Equal(t, schema.ErrCodeExecution, eddoErr.Code)
}

func TestGoJQ_EnvironmentSandboxed(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
