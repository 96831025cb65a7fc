package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

// AuditRepository persists conversations, messages, chains, agent thoughts
// and dataset queries. Each method commits on its own.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	inputs, err := marshalInputs(conv.Inputs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO conversations (
	id, app_id, app_model_config_id, model_provider, model_id, override_model_configs, mode, name, inputs,
	introduction, system_instruction, system_instruction_tokens, status, from_source, from_end_user_id,
	from_account_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`,
		conv.ID, conv.AppID, conv.AppModelConfigID, conv.ModelProvider, conv.ModelID, conv.OverrideModelConfigs,
		string(conv.Mode), conv.Name, inputs, conv.Introduction, conv.SystemInstruction, conv.SystemInstructionTokens,
		string(conv.Status), conv.FromSource, conv.FromEndUserID, conv.FromAccountID, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *AuditRepository) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, app_id, app_model_config_id, model_provider, model_id, override_model_configs, mode, name, inputs,
	introduction, system_instruction, system_instruction_tokens, status, from_source, from_end_user_id,
	from_account_id, created_at, updated_at
FROM conversations
WHERE id = $1
`, id)

	var (
		conv            domain.Conversation
		overrideConfigs sql.NullString
		mode            string
		status          string
		inputsRaw       []byte
		fromEndUserID   sql.NullString
		fromAccountID   sql.NullString
	)
	err := row.Scan(
		&conv.ID, &conv.AppID, &conv.AppModelConfigID, &conv.ModelProvider, &conv.ModelID, &overrideConfigs,
		&mode, &conv.Name, &inputsRaw, &conv.Introduction, &conv.SystemInstruction, &conv.SystemInstructionTokens,
		&status, &conv.FromSource, &fromEndUserID, &fromAccountID, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get conversation", fmt.Errorf("conversation %s", id))
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if len(inputsRaw) > 0 {
		if err := json.Unmarshal(inputsRaw, &conv.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal conversation inputs: %w", err)
		}
	}
	conv.Mode = domain.AppMode(mode)
	conv.Status = domain.ConversationStatus(status)
	conv.OverrideModelConfigs = nullableString(overrideConfigs)
	conv.FromEndUserID = nullableString(fromEndUserID)
	conv.FromAccountID = nullableString(fromAccountID)
	return &conv, nil
}

func (r *AuditRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	inputs, err := marshalInputs(msg.Inputs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO messages (
	id, app_id, conversation_id, model_provider, model_id, override_model_configs, inputs, query,
	currency, from_source, from_end_user_id, from_account_id, agent_based, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`,
		msg.ID, msg.AppID, msg.ConversationID, msg.ModelProvider, msg.ModelID, msg.OverrideModelConfigs, inputs,
		msg.Query, msg.Currency, msg.FromSource, msg.FromEndUserID, msg.FromAccountID, msg.AgentBased, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FinalizeMessage locks the row, refuses a second finalization and writes
// every result field in one transaction.
func (r *AuditRepository) FinalizeMessage(ctx context.Context, id string, patch domain.MessageFinalization) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var finalizedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT finalized_at FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&finalizedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrNotFound, "finalize message", fmt.Errorf("message %s", id))
		}
		return fmt.Errorf("lock message: %w", err)
	}
	if finalizedAt.Valid {
		return domain.WrapError(domain.ErrAlreadyFinalized, "finalize message", fmt.Errorf("message %s", id))
	}

	_, err = tx.ExecContext(ctx, `
UPDATE messages
SET message = $2, message_tokens = $3, message_unit_price = $4, answer = $5, answer_tokens = $6,
	answer_unit_price = $7, provider_response_latency = $8, total_price = $9, finalized_at = $10
WHERE id = $1
`,
		id, patch.Prompt, patch.PromptTokens, patch.PromptUnitPrice, patch.Answer, patch.AnswerTokens,
		patch.AnswerUnitPrice, patch.ProviderResponseLatency, patch.TotalPrice, patch.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

func (r *AuditRepository) CreateChain(ctx context.Context, chain *domain.MessageChain) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO message_chains (id, message_id, type, input, output, created_at)
VALUES ($1,$2,$3,$4,NULL,$5)
`, chain.ID, chain.MessageID, chain.Type, chain.Input, chain.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message chain: %w", err)
	}
	return nil
}

func (r *AuditRepository) CompleteChain(ctx context.Context, id, output string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE message_chains
SET output = $2
WHERE id = $1 AND output IS NULL
`, id, output)
	if err != nil {
		return fmt.Errorf("update message chain: %w", err)
	}
	return expectOneRow(result, "complete chain", id)
}

func (r *AuditRepository) CreateAgentThought(ctx context.Context, thought *domain.AgentThought) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO message_agent_thoughts (
	id, message_id, message_chain_id, position, thought, tool, tool_input, message, answer,
	created_by_role, created_by, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		thought.ID, thought.MessageID, thought.MessageChainID, thought.Position, thought.Thought, thought.Tool,
		thought.ToolInput, thought.Prompt, thought.Answer, thought.CreatedByRole, thought.CreatedBy, thought.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent thought: %w", err)
	}
	return nil
}

func (r *AuditRepository) CompleteAgentThought(ctx context.Context, id string, patch domain.AgentThoughtCompletion) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE message_agent_thoughts
SET observation = $2, tool_process_data = $3, message_token = $4, message_unit_price = $5, answer_token = $6,
	answer_unit_price = $7, latency = $8, tokens = $9, total_price = $10, currency = $11, completed_at = $12
WHERE id = $1 AND completed_at IS NULL
`,
		id, patch.Observation, patch.ToolProcessData, patch.PromptTokens, patch.PromptUnitPrice, patch.AnswerTokens,
		patch.AnswerUnitPrice, patch.Latency, patch.Tokens, patch.TotalPrice, patch.Currency, patch.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update agent thought: %w", err)
	}
	return expectOneRow(result, "complete agent thought", id)
}

func (r *AuditRepository) CreateDatasetQuery(ctx context.Context, query *domain.DatasetQuery) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dataset_queries (id, dataset_id, content, source, source_app_id, created_by_role, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		query.ID, query.DatasetID, query.Content, query.Source, query.SourceAppID, query.CreatedByRole,
		query.CreatedBy, query.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dataset query: %w", err)
	}
	return nil
}

func expectOneRow(result sql.Result, operation, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, operation, fmt.Errorf("no open row with id=%s", id))
	}
	return nil
}

func marshalInputs(inputs map[string]any) ([]byte, error) {
	if inputs == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	return raw, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
