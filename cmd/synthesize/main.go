// synthesize exercises agent code synthesis and validation locally, without
// a cluster. It talks to the same OpenAI-compatible endpoint the operator
// uses and runs the same validation passes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tessera-ai/tessera/pkg/codecheck"
	"github.com/tessera-ai/tessera/pkg/synthesis"
)

type output struct {
	Code            string   `json:"code"`
	TemporalIntent  string   `json:"temporal_intent"`
	Violations      []string `json:"violations,omitempty"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	Cost            float64  `json:"cost"`
	DurationSeconds float64  `json:"duration_seconds"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		file      string
		agentName string
		tools     []string
		models    []string
		jsonOut   bool
		timeout   time.Duration
	)

	root := &cobra.Command{
		Use:   "synthesize [goal]",
		Short: "Synthesize and validate agent code from a natural-language goal",
		Example: `  synthesize "report the weather in Oslo every morning"
  synthesize --agent-name monitor --tools web-tool "watch system health"
  synthesize --file goal.txt --json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := ""
			if len(args) > 0 {
				goal = args[0]
			}
			if file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read goal file: %w", err)
				}
				goal = string(content)
			}
			if strings.TrimSpace(goal) == "" {
				return fmt.Errorf("a goal is required, as an argument or via --file")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSynthesis(ctx, goal, agentName, tools, models, jsonOut)
		},
	}

	root.Flags().StringVar(&file, "file", "", "read the goal from a file")
	root.Flags().StringVar(&agentName, "agent-name", "test-agent", "agent name used in the prompt")
	root.Flags().StringSliceVar(&tools, "tools", nil, "tool names to offer the agent")
	root.Flags().StringSliceVar(&models, "models", nil, "model names to offer the agent")
	root.Flags().BoolVar(&jsonOut, "json", false, "emit JSON instead of text")
	root.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall synthesis timeout")

	root.AddCommand(newValidateCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Run schema and security validation on an agent code file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read code file: %w", err)
			}

			violations := codecheck.NewValidator().Validate(cmd.Context(), string(code))
			if len(violations) == 0 {
				fmt.Println("OK")
				return nil
			}
			for _, v := range violations {
				fmt.Fprintf(os.Stderr, "%s (line %d): %s\n", v.Kind, v.Line, v.Message)
			}
			return fmt.Errorf("%d violation(s)", len(violations))
		},
	}
}

func runSynthesis(ctx context.Context, goal, agentName string, tools, models []string, jsonOut bool) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	chatModel, modelName, err := chatModelFromEnv(ctx)
	if err != nil {
		return err
	}

	synthesizer := synthesis.NewSynthesizer(chatModel, nil, modelName, log)

	catalog := make([]synthesis.ToolCatalogEntry, 0, len(tools))
	for _, name := range tools {
		catalog = append(catalog, synthesis.ToolCatalogEntry{Name: name})
	}

	start := time.Now()
	result, err := synthesizer.Synthesize(ctx, synthesis.Request{
		AgentName: agentName,
		Namespace: "local",
		Goal:      goal,
		Tools:     catalog,
		Models:    models,
	})
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}

	violations := codecheck.NewValidator().Validate(ctx, result.Code)

	out := output{
		Code:            result.Code,
		TemporalIntent:  synthesis.DetectTemporalIntent(goal).String(),
		InputTokens:     result.Usage.InputTokens,
		OutputTokens:    result.Usage.OutputTokens,
		Cost:            result.Usage.Cost,
		DurationSeconds: time.Since(start).Seconds(),
	}
	for _, v := range violations {
		out.Violations = append(out.Violations, fmt.Sprintf("%s (line %d): %s", v.Kind, v.Line, v.Message))
	}

	if jsonOut {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	fmt.Printf("# Synthesized in %.2fs (%s intent)\n\n", out.DurationSeconds, out.TemporalIntent)
	fmt.Println(out.Code)
	if len(out.Violations) > 0 {
		fmt.Fprintln(os.Stderr, "\nValidation failed:")
		for _, v := range out.Violations {
			fmt.Fprintf(os.Stderr, "  - %s\n", v)
		}
		return fmt.Errorf("%d violation(s)", len(out.Violations))
	}
	return nil
}

func newLogger() (logr.Logger, error) {
	zapLog, err := zap.NewDevelopment()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zapLog), nil
}

func chatModelFromEnv(ctx context.Context) (synthesis.ChatModel, string, error) {
	apiKey := os.Getenv("SYNTHESIS_API_KEY")
	if apiKey == "" {
		return nil, "", fmt.Errorf("SYNTHESIS_API_KEY environment variable required")
	}
	modelName := os.Getenv("SYNTHESIS_MODEL")
	if modelName == "" {
		modelName = "gpt-4o"
	}

	config := &openai.ChatModelConfig{
		Model:  modelName,
		APIKey: apiKey,
	}
	if endpoint := os.Getenv("SYNTHESIS_ENDPOINT"); endpoint != "" {
		config.BaseURL = endpoint
	}

	chatModel, err := openai.NewChatModel(ctx, config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create LLM client: %w", err)
	}
	return chatModel, modelName, nil
}
