package domain

import "time"

type MessageRole string

const (
	RoleHuman     MessageRole = "human"
	RoleSystem    MessageRole = "system"
	RoleAssistant MessageRole = "assistant"
)

// PromptSide reports whether tokens of this role are billed at the prompt price.
func (r MessageRole) PromptSide() bool {
	return r == RoleHuman || r == RoleSystem
}

type PromptMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// LLMResult is what the generation loop hands to finalization.
type LLMResult struct {
	Prompt           string
	PromptTokens     int
	Completion       string
	CompletionTokens int
	Latency          time.Duration
}

// ChainResult describes one reasoning step. Prompt is recorded when the step
// starts, Completion when it ends.
type ChainResult struct {
	Type       string
	Prompt     map[string]any
	Completion map[string]any
}

// AgentLoop is one tool-use iteration reported by an agent executor.
type AgentLoop struct {
	Position         int
	Thought          string
	ToolName         string
	ToolInput        string
	Prompt           string
	Completion       string
	PromptTokens     int
	CompletionTokens int
	ToolOutput       string
	Latency          time.Duration
}

type DatasetLookup struct {
	DatasetID string
	Query     string
}

// GenerationJob is the unit the API hands to a worker.
type GenerationJob struct {
	TaskID         string         `json:"task_id"`
	AppID          string         `json:"app_id"`
	Principal      Principal      `json:"principal"`
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Streaming      bool           `json:"streaming"`
	CreatedAt      time.Time      `json:"created_at"`

	// ModelConfig replaces the app's configuration for this task only.
	ModelConfig *AppModelConfig `json:"model_config,omitempty"`
}

// AgentPlanStep is one decision returned by the agent planner: either a tool
// call or the final answer.
type AgentPlanStep struct {
	Type    string         `json:"type"`
	Thought string         `json:"thought,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Answer  string         `json:"answer,omitempty"`
}

type AgentLimits struct {
	MaxIterations  int
	PlannerTimeout time.Duration
	ToolTimeout    time.Duration
}

// DatasetHit is one passage returned by a dataset search.
type DatasetHit struct {
	DatasetID string  `json:"dataset_id"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

// completionModels answer a single flat prompt instead of a role-tagged
// message list.
var completionModels = map[string]struct{}{
	"text-davinci-003": {},
}

func IsCompletionModel(name string) bool {
	_, ok := completionModels[name]
	return ok
}
