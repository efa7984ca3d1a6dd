package capability

import (
	"context"
	"encoding/json"
	"strings"
)

// Capability is a named operation that a plan step's action can resolve to.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Invoker is an invokable capability.
type Invoker interface {
	Capability() Capability
	Invoke(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the output of one invocation. Text is the serialized payload used for
// history; IsError mirrors a tool-level failure flag.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error,omitempty"`
}

// Empty reports whether the result carries no payload.
func (r *Result) Empty() bool {
	return r == nil || strings.TrimSpace(r.Text) == ""
}

// JSON returns the payload as JSON. Non-JSON text is encoded as a JSON string.
func (r *Result) JSON() json.RawMessage {
	if r == nil {
		return nil
	}
	text := strings.TrimSpace(r.Text)
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(r.Text)
	return b
}

// InvokeFunc is the function form of an invocation.
type InvokeFunc func(ctx context.Context, params map[string]any) (*Result, error)

// Func adapts a function into an Invoker.
func Func(name, description string, fn InvokeFunc) Invoker {
	return &funcInvoker{cap: Capability{Name: name, Description: description}, fn: fn}
}

type funcInvoker struct {
	cap Capability
	fn  InvokeFunc
}

func (f *funcInvoker) Capability() Capability { return f.cap }

func (f *funcInvoker) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	return f.fn(ctx, params)
}
