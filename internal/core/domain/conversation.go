package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ConversationStatus string

const ConversationStatusNormal ConversationStatus = "normal"

type Conversation struct {
	ID                      string             `json:"id"`
	AppID                   string             `json:"app_id"`
	AppModelConfigID        string             `json:"app_model_config_id"`
	ModelProvider           string             `json:"model_provider"`
	ModelID                 string             `json:"model_id"`
	OverrideModelConfigs    *string            `json:"override_model_configs,omitempty"`
	Mode                    AppMode            `json:"mode"`
	Name                    string             `json:"name"`
	Inputs                  map[string]any     `json:"inputs"`
	Introduction            string             `json:"introduction"`
	SystemInstruction       string             `json:"system_instruction"`
	SystemInstructionTokens int                `json:"system_instruction_tokens"`
	Status                  ConversationStatus `json:"status"`
	FromSource              string             `json:"from_source"`
	FromEndUserID           *string            `json:"from_end_user_id,omitempty"`
	FromAccountID           *string            `json:"from_account_id,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// Message is the durable record of one task. Price, token and text fields stay
// zero until the single finalization write.
type Message struct {
	ID                      string          `json:"id"`
	AppID                   string          `json:"app_id"`
	ConversationID          string          `json:"conversation_id"`
	ModelProvider           string          `json:"model_provider"`
	ModelID                 string          `json:"model_id"`
	OverrideModelConfigs    *string         `json:"override_model_configs,omitempty"`
	Inputs                  map[string]any  `json:"inputs"`
	Query                   string          `json:"query"`
	Prompt                  string          `json:"message"`
	PromptTokens            int             `json:"message_tokens"`
	PromptUnitPrice         decimal.Decimal `json:"message_unit_price"`
	Answer                  string          `json:"answer"`
	AnswerTokens            int             `json:"answer_tokens"`
	AnswerUnitPrice         decimal.Decimal `json:"answer_unit_price"`
	ProviderResponseLatency float64         `json:"provider_response_latency"`
	TotalPrice              decimal.Decimal `json:"total_price"`
	Currency                string          `json:"currency"`
	FromSource              string          `json:"from_source"`
	FromEndUserID           *string         `json:"from_end_user_id,omitempty"`
	FromAccountID           *string         `json:"from_account_id,omitempty"`
	AgentBased              bool            `json:"agent_based"`
	CreatedAt               time.Time       `json:"created_at"`
	FinalizedAt             *time.Time      `json:"finalized_at,omitempty"`
}

// MessageFinalization is the patch written exactly once when a task ends.
type MessageFinalization struct {
	Prompt                  string
	PromptTokens            int
	PromptUnitPrice         decimal.Decimal
	Answer                  string
	AnswerTokens            int
	AnswerUnitPrice         decimal.Decimal
	ProviderResponseLatency float64
	TotalPrice              decimal.Decimal
	FinalizedAt             time.Time
}

func (m *Message) Apply(patch MessageFinalization) {
	m.Prompt = patch.Prompt
	m.PromptTokens = patch.PromptTokens
	m.PromptUnitPrice = patch.PromptUnitPrice
	m.Answer = patch.Answer
	m.AnswerTokens = patch.AnswerTokens
	m.AnswerUnitPrice = patch.AnswerUnitPrice
	m.ProviderResponseLatency = patch.ProviderResponseLatency
	m.TotalPrice = patch.TotalPrice
	finalizedAt := patch.FinalizedAt
	m.FinalizedAt = &finalizedAt
}

type MessageChain struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

type AgentThought struct {
	ID              string          `json:"id"`
	MessageID       string          `json:"message_id"`
	MessageChainID  string          `json:"message_chain_id"`
	Position        int             `json:"position"`
	Thought         string          `json:"thought"`
	Tool            string          `json:"tool"`
	ToolInput       string          `json:"tool_input"`
	Prompt          string          `json:"message"`
	Answer          string          `json:"answer"`
	Observation     string          `json:"observation"`
	ToolProcessData string          `json:"tool_process_data"`
	PromptTokens    int             `json:"message_token"`
	PromptUnitPrice decimal.Decimal `json:"message_unit_price"`
	AnswerTokens    int             `json:"answer_token"`
	AnswerUnitPrice decimal.Decimal `json:"answer_unit_price"`
	Latency         float64         `json:"latency"`
	Tokens          int             `json:"tokens"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Currency        string          `json:"currency"`
	CreatedByRole   string          `json:"created_by_role"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type AgentThoughtCompletion struct {
	Observation     string
	ToolProcessData string
	PromptTokens    int
	PromptUnitPrice decimal.Decimal
	AnswerTokens    int
	AnswerUnitPrice decimal.Decimal
	Latency         float64
	Tokens          int
	TotalPrice      decimal.Decimal
	Currency        string
	CompletedAt     time.Time
}

func (t *AgentThought) Apply(patch AgentThoughtCompletion) {
	t.Observation = patch.Observation
	t.ToolProcessData = patch.ToolProcessData
	t.PromptTokens = patch.PromptTokens
	t.PromptUnitPrice = patch.PromptUnitPrice
	t.AnswerTokens = patch.AnswerTokens
	t.AnswerUnitPrice = patch.AnswerUnitPrice
	t.Latency = patch.Latency
	t.Tokens = patch.Tokens
	t.TotalPrice = patch.TotalPrice
	t.Currency = patch.Currency
	completedAt := patch.CompletedAt
	t.CompletedAt = &completedAt
}

type DatasetQuery struct {
	ID            string    `json:"id"`
	DatasetID     string    `json:"dataset_id"`
	Content       string    `json:"content"`
	Source        string    `json:"source"`
	SourceAppID   string    `json:"source_app_id"`
	CreatedByRole string    `json:"created_by_role"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageCreated is the notification raised after a message is finalized.
type MessageCreated struct {
	Message        Message      `json:"message"`
	Conversation   Conversation `json:"conversation"`
	IsFirstMessage bool         `json:"is_first_message"`
}
