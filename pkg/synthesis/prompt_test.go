package synthesis

import (
	"strings"
	"testing"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

func testRequest() Request {
	return Request{
		AgentName: "price-watcher",
		Namespace: "default",
		Goal:      "Watch competitor prices and alert on changes",
		Models:    []string{"gpt-4o-mini"},
		Tools: []ToolCatalogEntry{
			{
				Name: "web-scraper",
				Functions: []tesserav1alpha1.ToolFunction{
					{
						Name:        "fetch_page",
						Description: "Fetch a web page",
						Parameters: []tesserav1alpha1.ToolParameter{
							{Name: "url", Type: "string", Required: true, Description: "Page URL"},
							{Name: "timeout", Type: "integer", Example: "30"},
						},
					},
				},
			},
		},
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	req := testRequest()

	first, err := buildPrompt(req)
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := buildPrompt(req)
		if err != nil {
			t.Fatalf("buildPrompt: %v", err)
		}
		if next != first {
			t.Fatal("identical requests must render identical prompts")
		}
	}
}

func TestBuildPromptContents(t *testing.T) {
	prompt, err := buildPrompt(testRequest())
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}

	for _, want := range []string{
		"price-watcher",
		"Watch competitor prices",
		"fetch_page",
		"`url`: string (required)",
		"gpt-4o-mini",
		"continuous",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "RETRY ATTEMPT") {
		t.Error("non-retry prompt must not contain the retry section")
	}
}

func TestBuildPromptRetrySection(t *testing.T) {
	req := testRequest()
	req.IsRetry = true
	req.AttemptNumber = 2
	req.MaxAttempts = 5
	req.FailureSignatures = []string{"NoMethodError: undefined method fetch_pricing", "exit status 1"}
	req.PreviousCode = `agent "price-watcher" do
end`

	prompt, err := buildPrompt(req)
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}

	for _, want := range []string{
		"RETRY ATTEMPT 2 of 5",
		"NoMethodError: undefined method fetch_pricing",
		"exit status 1",
		"Previous code",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("retry prompt missing %q", want)
		}
	}
}

func TestBuildPromptScheduledIntent(t *testing.T) {
	req := testRequest()
	req.Goal = "Send a daily summary of price changes"

	prompt, err := buildPrompt(req)
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	if !strings.Contains(prompt, "scheduled") {
		t.Error("prompt should carry the detected scheduled intent")
	}
	if !strings.Contains(prompt, "Recurring schedule detected") {
		t.Error("prompt should include schedule-specific rules")
	}
}

func TestFormatToolCatalogEmpty(t *testing.T) {
	if got := formatToolCatalog(nil); got != "None" {
		t.Errorf("empty catalog = %q, want None", got)
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			"labelled fence",
			"Here you go:\n```ruby\nagent \"x\" do\nend\n```\nDone.",
			"agent \"x\" do\nend",
		},
		{
			"plain fence",
			"```\nagent \"x\" do\nend\n```",
			"agent \"x\" do\nend",
		},
		{
			"no fence",
			"agent \"x\" do\nend",
			"agent \"x\" do\nend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.content); got != tt.want {
				t.Errorf("ExtractCode = %q, want %q", got, tt.want)
			}
		})
	}
}
