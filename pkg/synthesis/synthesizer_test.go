package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-logr/logr"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

// fakeChatModel returns a canned response or error and records the prompt.
type fakeChatModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	for _, msg := range input {
		f.prompts = append(f.prompts, msg.Content)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{Role: schema.Assistant, Content: f.response}, nil
}

func TestSynthesizeSuccess(t *testing.T) {
	fake := &fakeChatModel{response: "```\nagent \"price-watcher\" do\nend\n```"}
	s := NewSynthesizer(fake, nil, "test-model", logr.Discard())

	result, err := s.Synthesize(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if result.Code != "agent \"price-watcher\" do\nend" {
		t.Errorf("unexpected code: %q", result.Code)
	}
	if result.Usage.InputTokens == 0 || result.Usage.OutputTokens == 0 {
		t.Errorf("expected token estimates, got %+v", result.Usage)
	}
	if result.Usage.Model != "test-model" {
		t.Errorf("usage should name the model, got %q", result.Usage.Model)
	}
	if len(fake.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(fake.prompts))
	}
}

func TestSynthesizeFailureStillReportsUsage(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("upstream unavailable")}
	s := NewSynthesizer(fake, nil, "test-model", logr.Discard())

	result, err := s.Synthesize(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected the upstream error to surface")
	}
	if result == nil {
		t.Fatal("result must be non-nil so usage is never lost")
	}
	if result.Usage.InputTokens == 0 {
		t.Error("input tokens were spent on the prompt and must be accounted")
	}
	if result.Code != "" {
		t.Error("a failed call must not produce a candidate")
	}
}

// stalledChatModel never answers; it returns only when the call context
// expires.
type stalledChatModel struct{}

func (stalledChatModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSynthesizeEnforcesModelCallDeadline(t *testing.T) {
	s := NewSynthesizer(stalledChatModel{}, nil, "test-model", logr.Discard())
	s.Timeout = 50 * time.Millisecond

	// The caller passes no deadline, the way a reconcile loop does.
	start := time.Now()
	_, err := s.Synthesize(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected the deadline to cut the stalled call short")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stalled model call held Synthesize for %v", elapsed)
	}
}

func TestSynthesizeCostFromPricing(t *testing.T) {
	m := &tesserav1alpha1.Model{
		Spec: tesserav1alpha1.ModelSpec{
			ModelName: "priced-model",
			Pricing: &tesserav1alpha1.ModelPricing{
				InputPerMillionTokens:  "1.00",
				OutputPerMillionTokens: "2.00",
			},
		},
	}
	tracker := NewCostTracker(m)

	cost, currency := tracker.Calculate(1_000_000, 500_000)
	if cost != 2.0 {
		t.Errorf("cost = %v, want 2.0", cost)
	}
	if currency != "USD" {
		t.Errorf("currency = %q, want USD", currency)
	}
}

func TestAccumulateCost(t *testing.T) {
	metrics := &tesserav1alpha1.CostMetrics{}

	AccumulateCost(metrics, Usage{InputTokens: 100, OutputTokens: 50, Cost: 0.01, Currency: "USD"})
	AccumulateCost(metrics, Usage{InputTokens: 200, OutputTokens: 80, Cost: 0.02, Currency: "USD"})

	if metrics.InputTokens != 300 || metrics.OutputTokens != 130 {
		t.Errorf("token totals wrong: %+v", metrics)
	}
	if metrics.TotalCost != FormatCost(0.03) {
		t.Errorf("TotalCost = %q, want %q", metrics.TotalCost, FormatCost(0.03))
	}
	if metrics.Currency != "USD" {
		t.Errorf("Currency = %q", metrics.Currency)
	}
}

func TestDistillPersona(t *testing.T) {
	fake := &fakeChatModel{response: "  A terse, expert market analyst voice.  "}
	s := NewSynthesizer(fake, nil, "test-model", logr.Discard())

	persona := &tesserav1alpha1.Persona{
		Spec: tesserav1alpha1.PersonaSpec{
			Description:  "Market analyst",
			Tone:         "terse",
			Instructions: []string{"Cite sources"},
		},
	}
	persona.Name = "analyst"

	got, err := s.DistillPersona(context.Background(), persona, "watch prices", []string{"web-scraper"})
	if err != nil {
		t.Fatalf("DistillPersona: %v", err)
	}
	if got != "A terse, expert market analyst voice." {
		t.Errorf("distilled persona = %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty text should estimate zero tokens")
	}
	// 400 chars / 4 * 1.1 = 110
	text := make([]byte, 400)
	for i := range text {
		text[i] = 'a'
	}
	if got := EstimateTokens(string(text)); got != 110 {
		t.Errorf("EstimateTokens = %d, want 110", got)
	}
}
