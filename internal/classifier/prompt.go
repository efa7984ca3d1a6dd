package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

const systemPrompt = `You are the planning component of a todo assistant. Reply with a single JSON object and nothing else.`

const analysisInstructions = `Classify the request.
Return {"classification":"simple|compound|complex","confidence":0..1,"requiresApproval":bool,"riskLevel":"low|medium|high","estimatedSteps":1..20,"reasoning":"..."}.
Deleting or bulk-changing data is high risk.`

const decompositionInstructions = `Split the request into the smallest ordered list of actions, using only the capabilities listed.
Return {"steps":[{"action":"<capability name>","parameters":{...},"description":"..."}]}.`

const suggestionInstructions = `Given what was just done, propose two or three short follow-up actions the user might want next.
Return {"suggestions":["..."]}.`

// stepContext is the condensed step history handed to the model for suggestions.
type stepContext struct {
	Action string            `json:"action"`
	Status schema.StepStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

type requestContext struct {
	Intent       string                 `json:"intent"`
	Analysis     *schema.TaskAnalysis   `json:"analysis,omitempty"`
	Capabilities []capability.Capability `json:"capabilities,omitempty"`
	Steps        []stepContext          `json:"steps,omitempty"`
	Denial       string                 `json:"denial,omitempty"`
}

func analysisPrompt(intent string) string {
	return buildPrompt(analysisInstructions, requestContext{Intent: intent})
}

func decompositionPrompt(intent string, a *schema.TaskAnalysis, caps []capability.Capability) string {
	return buildPrompt(decompositionInstructions, requestContext{Intent: intent, Analysis: a, Capabilities: caps})
}

func suggestionPrompt(state *schema.WorkflowState) string {
	rc := requestContext{Intent: state.UserIntent, Denial: state.Denial}
	for _, s := range state.ExecutionSteps {
		rc.Steps = append(rc.Steps, stepContext{Action: s.Action, Status: s.Status, Error: s.Error})
	}
	return buildPrompt(suggestionInstructions, rc)
}

func buildPrompt(instructions string, rc requestContext) string {
	data, err := json.Marshal(rc)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"intent":%q}`, rc.Intent))
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nContext:\n")
	b.Write(data)
	return b.String()
}
