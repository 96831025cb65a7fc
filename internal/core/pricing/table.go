package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

const DefaultCurrency = "USD"

// UnitPrices are per-1000-token prices for one model.
type UnitPrices struct {
	Prompt     decimal.Decimal `json:"prompt"`
	Completion decimal.Decimal `json:"completion"`
}

// Table is a static per-model unit price table.
type Table struct {
	prices   map[string]UnitPrices
	currency string
}

func DefaultPrices() map[string]UnitPrices {
	return map[string]UnitPrices{
		"gpt-4":             {Prompt: decimal.RequireFromString("0.03"), Completion: decimal.RequireFromString("0.06")},
		"gpt-4-32k":         {Prompt: decimal.RequireFromString("0.06"), Completion: decimal.RequireFromString("0.12")},
		"gpt-3.5-turbo":     {Prompt: decimal.RequireFromString("0.0015"), Completion: decimal.RequireFromString("0.002")},
		"gpt-3.5-turbo-16k": {Prompt: decimal.RequireFromString("0.003"), Completion: decimal.RequireFromString("0.004")},
		"text-davinci-003":  {Prompt: decimal.RequireFromString("0.02"), Completion: decimal.RequireFromString("0.02")},
	}
}

func NewTable(prices map[string]UnitPrices, currency string) *Table {
	if prices == nil {
		prices = DefaultPrices()
	}
	if strings.TrimSpace(currency) == "" {
		currency = DefaultCurrency
	}
	return &Table{prices: prices, currency: currency}
}

// NewTableFromJSON starts from the defaults and applies overrides such as
// {"llama3.1:8b":{"prompt":"0.0001","completion":"0.0002"}}.
func NewTableFromJSON(raw string) (*Table, error) {
	prices := DefaultPrices()
	if strings.TrimSpace(raw) != "" {
		var custom map[string]UnitPrices
		if err := json.Unmarshal([]byte(raw), &custom); err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, "parse model pricing", err)
		}
		for model, p := range custom {
			prices[model] = p
		}
	}
	return NewTable(prices, DefaultCurrency), nil
}

// UnitPrice looks up the price for a model and role. HUMAN and SYSTEM tokens
// are billed at the prompt price, ASSISTANT tokens at the completion price.
// Unknown models are free.
func (t *Table) UnitPrice(model string, role domain.MessageRole) decimal.Decimal {
	p, ok := t.prices[model]
	if !ok {
		return decimal.Zero
	}
	if role.PromptSide() {
		return p.Prompt
	}
	return p.Completion
}

func (t *Table) Has(model string) bool {
	_, ok := t.prices[model]
	return ok
}

func (t *Table) Currency() string {
	return t.currency
}

func (t *Table) String() string {
	return fmt.Sprintf("pricing.Table{models=%d currency=%s}", len(t.prices), t.currency)
}
