package synthesis

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

//go:embed prompt.tmpl
var synthesisTemplateText string

//go:embed persona.tmpl
var personaTemplateText string

var (
	synthesisTemplate = template.Must(template.New("synthesis").Parse(synthesisTemplateText))
	personaTemplate   = template.Must(template.New("persona").Parse(personaTemplateText))
)

// buildPrompt renders the synthesis prompt. The rendering is deterministic:
// the same request always produces byte-identical output, so prompt diffs
// across attempts reflect real input changes only.
func buildPrompt(req Request) (string, error) {
	intent := DetectTemporalIntent(req.Goal)

	data := map[string]interface{}{
		"Goal":               req.Goal,
		"ToolsList":          formatToolCatalog(req.Tools),
		"ModelsList":         formatModelList(req.Models),
		"AgentName":          req.AgentName,
		"TemporalIntent":     intent.String(),
		"PersonaSection":     req.PersonaText,
		"IsRetry":            req.IsRetry,
		"AttemptNumber":      req.AttemptNumber,
		"MaxAttempts":        req.MaxAttempts,
		"FailureSignatures":  req.FailureSignatures,
		"PreviousCode":       req.PreviousCode,
		"ConstraintsSection": constraintsSection(intent),
		"ScheduleRules":      scheduleRules(intent),
	}

	var buf bytes.Buffer
	if err := synthesisTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render synthesis prompt: %w", err)
	}
	return buf.String(), nil
}

func constraintsSection(intent TemporalIntent) string {
	switch intent {
	case OneShot:
		return `  constraints do
    max_iterations 10
    timeout_seconds 600
  end`
	default:
		return `  constraints do
    max_iterations 999999
    timeout_seconds 600
  end`
	}
}

func scheduleRules(intent TemporalIntent) string {
	switch intent {
	case OneShot:
		return `2. One-shot execution detected: the agent runs a bounded number of times.
3. Do NOT include a schedule block.
4. Use a low max_iterations ceiling.`
	case Scheduled:
		return `2. Recurring schedule detected in the goal.
3. The operator handles scheduling; generate the per-run logic only.
4. Use a high max_iterations ceiling for repeated runs.`
	default:
		return `2. No temporal intent detected: defaulting to continuous execution.
3. Do NOT include a schedule block.
4. Use a high max_iterations ceiling.`
	}
}

// formatToolCatalog renders discovered tool functions for the prompt.
// Functions and parameters are slices carried in declaration order, so the
// output is stable across renders.
func formatToolCatalog(tools []ToolCatalogEntry) string {
	if len(tools) == 0 {
		return "None"
	}

	var b strings.Builder
	for _, tool := range tools {
		for _, fn := range tool.Functions {
			fmt.Fprintf(&b, "### %s\n", fn.Name)
			if fn.Description != "" {
				fmt.Fprintf(&b, "%s\n", fn.Description)
			}
			if len(fn.Parameters) > 0 {
				b.WriteString("**Parameters:**\n")
				for _, p := range fn.Parameters {
					line := fmt.Sprintf("- `%s`: %s", p.Name, p.Type)
					if p.Required {
						line += " (required)"
					}
					if p.Description != "" {
						line += " - " + p.Description
					}
					if p.Example != "" {
						line += fmt.Sprintf(" (e.g., %s)", p.Example)
					}
					b.WriteString(line + "\n")
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatModelList(models []string) string {
	if len(models) == 0 {
		return "None"
	}
	var b strings.Builder
	for _, m := range models {
		fmt.Fprintf(&b, "  - %s\n", m)
	}
	return b.String()
}

// buildPersonaPrompt renders the persona distillation prompt.
func buildPersonaPrompt(persona *tesserav1alpha1.Persona, goal string, toolNames []string) (string, error) {
	data := map[string]interface{}{
		"PersonaName":         persona.Name,
		"PersonaDescription":  persona.Spec.Description,
		"PersonaSystemPrompt": persona.Spec.SystemPrompt,
		"PersonaTone":         persona.Spec.Tone,
		"PersonaLanguage":     persona.Spec.Language,
		"PersonaInstructions": persona.Spec.Instructions,
		"AgentGoal":           goal,
		"AgentTools":          strings.Join(toolNames, ", "),
	}

	var buf bytes.Buffer
	if err := personaTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render persona prompt: %w", err)
	}
	return buf.String(), nil
}

// ExtractCode strips markdown fences from a model response, preferring a
// labelled fence when one exists.
func ExtractCode(content string) string {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```"); idx != -1 {
		content = content[idx+3:]
		// Drop the language label on the fence line, if any.
		if nl := strings.Index(content, "\n"); nl != -1 && !strings.Contains(content[:nl], " ") {
			content = content[nl+1:]
		}
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
	}

	return strings.TrimSpace(content)
}
