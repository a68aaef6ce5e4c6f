package synthesis

import (
	"fmt"
	"strconv"
	"time"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

// CostTracker converts token counts into monetary cost using a model's
// declared pricing.
type CostTracker struct {
	inputPerToken  float64
	outputPerToken float64
	currency       string
}

// NewCostTracker builds a tracker from a Model's pricing. A model without
// pricing tracks tokens but reports zero cost.
func NewCostTracker(model *tesserav1alpha1.Model) *CostTracker {
	ct := &CostTracker{currency: "USD"}
	if model == nil || model.Spec.Pricing == nil {
		return ct
	}

	if v, err := strconv.ParseFloat(model.Spec.Pricing.InputPerMillionTokens, 64); err == nil {
		ct.inputPerToken = v / 1_000_000
	}
	if v, err := strconv.ParseFloat(model.Spec.Pricing.OutputPerMillionTokens, 64); err == nil {
		ct.outputPerToken = v / 1_000_000
	}
	return ct
}

// Usage records what one synthesis attempt consumed. It is populated even
// when the attempt fails, so no model call goes unaccounted.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Currency     string
	Duration     time.Duration
	Model        string
}

// Calculate computes the cost of a completed call.
func (ct *CostTracker) Calculate(inputTokens, outputTokens int64) (cost float64, currency string) {
	return float64(inputTokens)*ct.inputPerToken + float64(outputTokens)*ct.outputPerToken, ct.currency
}

// EstimateTokens approximates the token count of a text. One token is
// roughly four characters of English; a 10% buffer keeps the estimate
// conservative for quota checks. Integer arithmetic: ceil(len * 1.1 / 4).
func EstimateTokens(text string) int64 {
	return (int64(len(text))*11 + 39) / 40
}

// FormatCost renders a cost for storage in a status field.
func FormatCost(cost float64) string {
	return strconv.FormatFloat(cost, 'f', 6, 64)
}

// AccumulateCost adds a usage record onto an agent's running totals. The
// stored total is a decimal string; an unparseable stored value restarts
// the total from this usage rather than poisoning future accounting.
func AccumulateCost(metrics *tesserav1alpha1.CostMetrics, usage Usage) {
	metrics.InputTokens += usage.InputTokens
	metrics.OutputTokens += usage.OutputTokens

	prev := 0.0
	if metrics.TotalCost != "" {
		if v, err := strconv.ParseFloat(metrics.TotalCost, 64); err == nil {
			prev = v
		}
	}
	metrics.TotalCost = FormatCost(prev + usage.Cost)
	if metrics.Currency == "" {
		metrics.Currency = usage.Currency
	}
}

func (u Usage) String() string {
	return fmt.Sprintf("%d in / %d out tokens, %s %s, %s on %s",
		u.InputTokens, u.OutputTokens, FormatCost(u.Cost), u.Currency, u.Duration, u.Model)
}
