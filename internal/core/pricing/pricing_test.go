package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

func TestPriceRoundsTokensBeforeMultiplying(t *testing.T) {
	got := Price(1500, decimal.RequireFromString("0.03"))
	if got.StringFixed(7) != "0.0450000" {
		t.Fatalf("expected 0.0450000, got %s", got.StringFixed(7))
	}
}

func TestTokenUnitsRoundHalfUp(t *testing.T) {
	cases := []struct {
		tokens int
		want   string
	}{
		{tokens: 0, want: "0"},
		{tokens: 1, want: "0.001"},
		{tokens: 999, want: "0.999"},
		{tokens: 1000, want: "1"},
		{tokens: 123456, want: "123.456"},
	}
	for _, tc := range cases {
		got := TokenPrice(tc.tokens, decimal.NewFromInt(1))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("tokens=%d: expected %s, got %s", tc.tokens, tc.want, got)
		}
	}
}

func TestTotalRoundsToSevenPlacesHalfUp(t *testing.T) {
	// 0.001 * 0.00000015 + 0 = 0.00000000015 -> 0.0000000
	got := Total(1, decimal.RequireFromString("0.00000015"), 0, decimal.Zero)
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}

	// 0.001 * 0.00005 = 0.00000005 -> 0.0000001 (tie rounds up)
	got = Total(1, decimal.RequireFromString("0.00005"), 0, decimal.Zero)
	if got.StringFixed(7) != "0.0000001" {
		t.Fatalf("expected 0.0000001, got %s", got.StringFixed(7))
	}
}

func TestTotalSumsBothSides(t *testing.T) {
	got := Total(1500, decimal.RequireFromString("0.03"), 500, decimal.RequireFromString("0.06"))
	if got.StringFixed(7) != "0.0750000" {
		t.Fatalf("expected 0.0750000, got %s", got.StringFixed(7))
	}
}

func TestTableRoleClasses(t *testing.T) {
	table := NewTable(nil, "")
	if got := table.UnitPrice("gpt-4", domain.RoleHuman); !got.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("human price: got %s", got)
	}
	if got := table.UnitPrice("gpt-4", domain.RoleSystem); !got.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("system price: got %s", got)
	}
	if got := table.UnitPrice("gpt-4", domain.RoleAssistant); !got.Equal(decimal.RequireFromString("0.06")) {
		t.Fatalf("assistant price: got %s", got)
	}
	if got := table.UnitPrice("llama3.1:8b", domain.RoleHuman); !got.IsZero() {
		t.Fatalf("unknown model should be free, got %s", got)
	}
	if table.Currency() != "USD" {
		t.Fatalf("expected USD, got %s", table.Currency())
	}
}

func TestNewTableFromJSONOverrides(t *testing.T) {
	table, err := NewTableFromJSON(`{"llama3.1:8b":{"prompt":"0.0001","completion":"0.0002"},"gpt-4":{"prompt":"0.01","completion":"0.02"}}`)
	if err != nil {
		t.Fatalf("NewTableFromJSON() error = %v", err)
	}
	if got := table.UnitPrice("llama3.1:8b", domain.RoleAssistant); !got.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("override completion: got %s", got)
	}
	if got := table.UnitPrice("gpt-4", domain.RoleHuman); !got.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("override prompt: got %s", got)
	}
	if !table.Has("gpt-3.5-turbo") {
		t.Fatalf("defaults should survive overrides")
	}

	if _, err := NewTableFromJSON("{"); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
