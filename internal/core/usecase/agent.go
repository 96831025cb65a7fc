package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

const (
	agentToolDatasetSearch   = "dataset_search"
	agentToolCurrentDatetime = "current_datetime"

	agentChainType = "agent"
)

// AgentRunner drives the tool-use loop of agent-mode apps. Every iteration is
// recorded as an agent thought inside a single reasoning chain; the collected
// observations are handed back to the generation loop for the final answer.
type AgentRunner struct {
	datasets ports.DatasetSearcher
	limits   domain.AgentLimits
	logger   *zap.Logger
	now      func() time.Time
}

func NewAgentRunner(datasets ports.DatasetSearcher, limits domain.AgentLimits, logger *zap.Logger) *AgentRunner {
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = 4
	}
	if limits.PlannerTimeout <= 0 {
		limits.PlannerTimeout = 30 * time.Second
	}
	if limits.ToolTimeout <= 0 {
		limits.ToolTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentRunner{
		datasets: datasets,
		limits:   limits,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type agentOutcome struct {
	Observations   []string
	Iterations     int
	FallbackReason string
}

type agentToolset struct {
	datasets []string
	datetime bool
}

func (s agentToolset) empty() bool {
	return len(s.datasets) == 0 && !s.datetime
}

func (s agentToolset) allowsDataset(id string) bool {
	for _, candidate := range s.datasets {
		if candidate == id {
			return true
		}
	}
	return false
}

// Run returns domain.ErrTaskStopped unchanged when a stop was observed while
// publishing a thought or the chain.
func (r *AgentRunner) Run(ctx context.Context, task *Task, query string) (agentOutcome, error) {
	tools := enabledTools(task.ModelConfig())
	if tools.empty() {
		return agentOutcome{}, nil
	}

	chainInput := domain.ChainResult{
		Type:   agentChainType,
		Prompt: map[string]any{"input": query},
	}
	chain, err := task.StartChain(ctx, chainInput)
	if err != nil {
		return agentOutcome{}, err
	}

	outcome := agentOutcome{}
	finished := false
	for i := 1; i <= r.limits.MaxIterations; i++ {
		if ctx.Err() != nil {
			outcome.FallbackReason = "timeout"
			break
		}
		outcome.Iterations = i

		prompt := buildPlannerPrompt(query, tools, outcome.Observations)
		plannerCtx, cancel := context.WithTimeout(ctx, r.limits.PlannerTimeout)
		plan, err := task.Model().Generate(plannerCtx, []domain.PromptMessage{{Role: domain.RoleHuman, Content: prompt}}, nil, nil)
		cancel()
		if err != nil {
			if isAgentTimeoutError(err) {
				outcome.FallbackReason = "timeout"
				break
			}
			return outcome, fmt.Errorf("agent planner: %w", err)
		}

		step, err := parseAgentStep(plan.Completion)
		if err != nil {
			r.logger.Warn("agent_planner_invalid_json", zap.String("task_id", task.ID()), zap.Error(err))
			outcome.FallbackReason = "planner_invalid_json"
			break
		}
		if step.Type == "final" {
			finished = true
			break
		}
		if step.Type != "tool" {
			outcome.FallbackReason = "unsupported_step_type"
			break
		}

		toolInput, _ := json.Marshal(step.Input)
		loop := domain.AgentLoop{
			Position:         i,
			Thought:          step.Thought,
			ToolName:         step.Tool,
			ToolInput:        string(toolInput),
			Prompt:           prompt,
			Completion:       plan.Completion,
			PromptTokens:     plan.PromptTokens,
			CompletionTokens: plan.CompletionTokens,
		}
		thought, err := task.StartAgentThought(ctx, chain, loop)
		if err != nil {
			return outcome, err
		}

		toolStarted := time.Now()
		toolCtx, toolCancel := context.WithTimeout(ctx, r.limits.ToolTimeout)
		output, execErr := r.executeTool(toolCtx, task, tools, step, query)
		toolCancel()
		if execErr != nil {
			errorPayload, _ := json.Marshal(map[string]string{"error": execErr.Error()})
			output = string(errorPayload)
		}
		loop.ToolOutput = output
		loop.Latency = plan.Latency + time.Since(toolStarted)

		if _, err := task.EndAgentThought(ctx, thought, task.Model(), loop); err != nil {
			return outcome, err
		}
		outcome.Observations = append(outcome.Observations, fmt.Sprintf("%s: %s", step.Tool, output))
	}
	if !finished && outcome.FallbackReason == "" {
		outcome.FallbackReason = "max_iterations"
	}

	chainOutput := chainInput
	chainOutput.Completion = map[string]any{
		"observations":    outcome.Observations,
		"iterations":      outcome.Iterations,
		"fallback_reason": outcome.FallbackReason,
	}
	if _, err := task.EndChain(ctx, chain, chainOutput); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (r *AgentRunner) executeTool(ctx context.Context, task *Task, tools agentToolset, step domain.AgentPlanStep, fallbackQuery string) (string, error) {
	switch step.Tool {
	case agentToolDatasetSearch:
		if r.datasets == nil || len(tools.datasets) == 0 {
			return "", fmt.Errorf("dataset search is not enabled")
		}
		datasetID := strings.TrimSpace(stringInput(step.Input, "dataset_id", tools.datasets[0]))
		if !tools.allowsDataset(datasetID) {
			return "", fmt.Errorf("dataset %q is not enabled for this app", datasetID)
		}
		query := strings.TrimSpace(stringInput(step.Input, "query", fallbackQuery))
		limit := intInput(step.Input, "limit", 3)

		hits, err := r.datasets.SearchDataset(ctx, datasetID, query, limit)
		if err != nil {
			return "", fmt.Errorf("dataset search: %w", err)
		}
		if err := task.RecordDatasetQuery(ctx, domain.DatasetLookup{DatasetID: datasetID, Query: query}); err != nil {
			return "", err
		}
		payload, _ := json.Marshal(map[string]any{
			"dataset_id": datasetID,
			"query":      query,
			"hits":       hits,
		})
		return string(payload), nil
	case agentToolCurrentDatetime:
		if !tools.datetime {
			return "", fmt.Errorf("current_datetime is not enabled")
		}
		payload, _ := json.Marshal(map[string]string{"now": r.now().Format(time.RFC3339)})
		return string(payload), nil
	default:
		return "", fmt.Errorf("unsupported tool: %s", step.Tool)
	}
}

// enabledTools reads the agent_mode.tools list. Each entry holds one tool
// keyed by name, e.g. {"dataset": {"enabled": true, "id": "faq"}}.
func enabledTools(config domain.AppModelConfig) agentToolset {
	var set agentToolset
	if !config.AgentMode.Enabled {
		return set
	}
	for _, entry := range config.AgentMode.Tools {
		for name, raw := range entry {
			settings, _ := raw.(map[string]any)
			if !boolInput(settings, "enabled", true) {
				continue
			}
			switch name {
			case "dataset":
				if id := strings.TrimSpace(stringInput(settings, "id", "")); id != "" {
					set.datasets = append(set.datasets, id)
				}
			case agentToolCurrentDatetime:
				set.datetime = true
			}
		}
	}
	return set
}

func isAgentTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func parseAgentStep(raw string) (domain.AgentPlanStep, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.AgentPlanStep{}, fmt.Errorf("empty planner response")
	}
	var step domain.AgentPlanStep
	if err := json.Unmarshal([]byte(raw), &step); err != nil {
		return domain.AgentPlanStep{}, fmt.Errorf("unmarshal planner json: %w", err)
	}
	step.Type = strings.ToLower(strings.TrimSpace(step.Type))
	step.Tool = strings.ToLower(strings.TrimSpace(step.Tool))
	return step, nil
}

func buildPlannerPrompt(query string, tools agentToolset, observations []string) string {
	toolLines := make([]string, 0, 2)
	if len(tools.datasets) > 0 {
		toolLines = append(toolLines, fmt.Sprintf(
			`{"type":"tool","tool":"dataset_search","thought":"...","input":{"dataset_id":"one of: %s","query":"...","limit":3}}`,
			strings.Join(tools.datasets, ", "),
		))
	}
	if tools.datetime {
		toolLines = append(toolLines, `{"type":"tool","tool":"current_datetime","thought":"...","input":{}}`)
	}
	if len(observations) == 0 {
		observations = []string{"(no tool outputs yet)"}
	}

	return fmt.Sprintf(`You decide whether a tool is needed before answering.
Return ONLY one valid JSON object.
Schema:
%s
or
{"type":"final","thought":"..."}

Previous tool outputs:
%s

User request:
%s
`, strings.Join(toolLines, "\nor\n"), strings.Join(observations, "\n"), query)
}

func stringInput(input map[string]any, key, fallback string) string {
	if input == nil {
		return fallback
	}
	value, ok := input[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

func intInput(input map[string]any, key string, fallback int) int {
	if input == nil {
		return fallback
	}
	value, ok := input[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case float64:
		return int(typed)
	case int:
		return typed
	case int64:
		return int(typed)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

func boolInput(input map[string]any, key string, fallback bool) bool {
	if input == nil {
		return fallback
	}
	value, ok := input[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}
