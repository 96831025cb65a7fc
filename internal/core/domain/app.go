package domain

import (
	"fmt"
	"strings"
)

type AppMode string

const (
	AppModeChat       AppMode = "chat"
	AppModeCompletion AppMode = "completion"
)

type App struct {
	ID       string  `json:"id" yaml:"id"`
	TenantID string  `json:"tenant_id" yaml:"tenant_id"`
	Name     string  `json:"name" yaml:"name"`
	Mode     AppMode `json:"mode" yaml:"mode"`
}

type ModelSpec struct {
	Provider         string         `json:"provider" yaml:"provider"`
	Name             string         `json:"name" yaml:"name"`
	CompletionParams map[string]any `json:"completion_params,omitempty" yaml:"completion_params"`
}

type FeatureToggle struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type AgentModeConfig struct {
	Enabled bool             `json:"enabled" yaml:"enabled"`
	Tools   []map[string]any `json:"tools,omitempty" yaml:"tools"`
}

// AppModelConfig is the active model-configuration snapshot of an app.
type AppModelConfig struct {
	ID                            string           `json:"id" yaml:"id"`
	AppID                         string           `json:"app_id" yaml:"app_id"`
	Model                         ModelSpec        `json:"model" yaml:"model"`
	PrePrompt                     string           `json:"pre_prompt,omitempty" yaml:"pre_prompt"`
	OpeningStatement              string           `json:"opening_statement,omitempty" yaml:"opening_statement"`
	AgentMode                     AgentModeConfig  `json:"agent_mode" yaml:"agent_mode"`
	SuggestedQuestions            []string         `json:"suggested_questions,omitempty" yaml:"suggested_questions"`
	SuggestedQuestionsAfterAnswer FeatureToggle    `json:"suggested_questions_after_answer" yaml:"suggested_questions_after_answer"`
	MoreLikeThis                  FeatureToggle    `json:"more_like_this" yaml:"more_like_this"`
	SensitiveWordAvoidance        FeatureToggle    `json:"sensitive_word_avoidance" yaml:"sensitive_word_avoidance"`
	UserInputForm                 []map[string]any `json:"user_input_form,omitempty" yaml:"user_input_form"`
}

func (c AppModelConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.AppID) == "" {
		missing = append(missing, "app_id")
	}
	if strings.TrimSpace(c.Model.Provider) == "" {
		missing = append(missing, "model.provider")
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		missing = append(missing, "model.name")
	}
	if len(missing) > 0 {
		return WrapError(ErrConfiguration, "validate model config", fmt.Errorf("missing fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// WithOverride returns o bound to c's identity. An override without a model
// keeps c's model.
func (c AppModelConfig) WithOverride(o AppModelConfig) AppModelConfig {
	o.ID = c.ID
	o.AppID = c.AppID
	if strings.TrimSpace(o.Model.Provider) == "" && strings.TrimSpace(o.Model.Name) == "" {
		o.Model = c.Model
	}
	return o
}

// OverrideSnapshot is the document persisted as override_model_configs when a
// task runs with a caller-supplied configuration instead of the app's own.
func (c AppModelConfig) OverrideSnapshot() map[string]any {
	return map[string]any{
		"model":                            c.Model,
		"pre_prompt":                       c.PrePrompt,
		"agent_mode":                       c.AgentMode,
		"opening_statement":                c.OpeningStatement,
		"suggested_questions":              c.SuggestedQuestions,
		"suggested_questions_after_answer": c.SuggestedQuestionsAfterAnswer,
		"more_like_this":                   c.MoreLikeThis,
		"sensitive_word_avoidance":         c.SensitiveWordAvoidance,
		"user_input_form":                  c.UserInputForm,
	}
}
