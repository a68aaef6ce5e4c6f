/*
Copyright 2025 Tessera Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package synthesis turns a natural-language goal into candidate agent code
// by prompting a language model. Prompts are rendered deterministically from
// the request, retries fold prior failure context into the prompt, and
// every call reports usage metrics whether or not it succeeds.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

var tracer trace.Tracer = otel.Tracer("tessera-operator/synthesis")

// DefaultModelCallTimeout bounds a single model call when the caller's
// context carries no deadline. Reconcile contexts never do, and a stalled
// provider must not pin a worker.
const DefaultModelCallTimeout = 2 * time.Minute

// ChatModel is the language-model call surface (satisfied by eino models).
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ToolCatalogEntry is one Tool's discovered functions, supplied by the
// controller; the synthesizer does no discovery of its own.
type ToolCatalogEntry struct {
	Name      string
	Functions []tesserav1alpha1.ToolFunction
}

// Request carries everything a synthesis attempt needs.
type Request struct {
	AgentName   string
	Namespace   string
	Goal        string
	Tools       []ToolCatalogEntry
	Models      []string
	PersonaText string

	// Retry context, populated by the self-healing path.
	IsRetry           bool
	AttemptNumber     int32
	MaxAttempts       int32
	FailureSignatures []string
	PreviousCode      string
}

// Result is the outcome of one attempt. Usage is meaningful even when the
// attempt errored, so callers can account for failed calls.
type Result struct {
	Code  string
	Usage Usage
}

// Synthesizer generates agent code through a ChatModel.
type Synthesizer struct {
	chatModel ChatModel
	tracker   *CostTracker
	modelName string
	log       logr.Logger

	// Timeout overrides DefaultModelCallTimeout when positive. It applies
	// only when the incoming context has no deadline of its own.
	Timeout time.Duration
}

// NewSynthesizer wires a synthesizer around an existing ChatModel.
func NewSynthesizer(chatModel ChatModel, tracker *CostTracker, modelName string, log logr.Logger) *Synthesizer {
	if tracker == nil {
		tracker = NewCostTracker(nil)
	}
	return &Synthesizer{
		chatModel: chatModel,
		tracker:   tracker,
		modelName: modelName,
		log:       log,
		Timeout:   DefaultModelCallTimeout,
	}
}

// callContext returns a context with a deadline for one model call,
// deferring to any deadline the caller already set.
func (s *Synthesizer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultModelCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// NewSynthesizerFromModel builds a synthesizer from a Model resource,
// resolving its API key Secret and constructing an eino OpenAI-compatible
// chat model.
func NewSynthesizerFromModel(ctx context.Context, c client.Client, m *tesserav1alpha1.Model, log logr.Logger) (*Synthesizer, error) {
	apiKey := ""
	if ref := m.Spec.APIKeySecretRef; ref != nil {
		secretNamespace := ref.Namespace
		if secretNamespace == "" {
			secretNamespace = m.Namespace
		}
		secretKey := ref.Key
		if secretKey == "" {
			secretKey = "api-key"
		}

		secret := &corev1.Secret{}
		if err := c.Get(ctx, types.NamespacedName{Name: ref.Name, Namespace: secretNamespace}, secret); err != nil {
			return nil, fmt.Errorf("failed to get API key secret: %w", err)
		}
		apiKey = string(secret.Data[secretKey])
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in secret %s/%s at key %s", secretNamespace, ref.Name, secretKey)
		}
	}

	config := &openai.ChatModelConfig{
		Model:  m.Spec.ModelName,
		APIKey: apiKey,
	}

	if m.Spec.Endpoint != "" {
		endpoint := m.Spec.Endpoint
		// OpenAI-compatible providers expect the /v1 path prefix.
		if !strings.HasSuffix(endpoint, "/v1") && !strings.HasSuffix(endpoint, "/v1/") {
			endpoint = strings.TrimSuffix(endpoint, "/") + "/v1"
		}
		config.BaseURL = endpoint
	}

	if cfg := m.Spec.Config; cfg != nil {
		if cfg.Temperature != nil {
			temp := float32(*cfg.Temperature)
			config.Temperature = &temp
		}
		if cfg.MaxTokens != nil {
			maxTokens := int(*cfg.MaxTokens)
			config.MaxTokens = &maxTokens
		}
	} else {
		// Low temperature suits code generation.
		temp := float32(0.3)
		config.Temperature = &temp
		maxTokens := 8192
		config.MaxTokens = &maxTokens
	}

	chatModel, err := openai.NewChatModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return NewSynthesizer(chatModel, NewCostTracker(m), m.Spec.ModelName, log), nil
}

// Synthesize runs one attempt. The returned Result always carries usage
// metrics; on upstream model failure the error is surfaced as-is for the
// caller's retry policy, never swallowed into an empty candidate.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "synthesis.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("synthesis.agent", req.AgentName),
		attribute.String("synthesis.namespace", req.Namespace),
		attribute.Int("synthesis.tools", len(req.Tools)),
		attribute.Int("synthesis.models", len(req.Models)),
		attribute.Bool("synthesis.is_retry", req.IsRetry),
		attribute.Int("synthesis.attempt", int(req.AttemptNumber)),
	)

	start := time.Now()

	prompt, err := buildPrompt(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt rendering failed")
		return &Result{Usage: Usage{Model: s.modelName, Duration: time.Since(start)}}, err
	}

	s.log.Info("synthesizing agent code",
		"agent", req.AgentName,
		"namespace", req.Namespace,
		"attempt", req.AttemptNumber,
		"retry", req.IsRetry)

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	messages := []*schema.Message{{Role: schema.User, Content: prompt}}
	response, err := s.chatModel.Generate(callCtx, messages)

	usage := Usage{
		InputTokens: EstimateTokens(prompt),
		Model:       s.modelName,
		Duration:    time.Since(start),
	}

	if err != nil {
		usage.Cost, usage.Currency = s.tracker.Calculate(usage.InputTokens, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		recordSynthesisAttempt(req.Namespace, false, usage)
		return &Result{Usage: usage}, fmt.Errorf("model call failed: %w", err)
	}

	code := ExtractCode(response.Content)
	usage.OutputTokens = EstimateTokens(response.Content)
	usage.Cost, usage.Currency = s.tracker.Calculate(usage.InputTokens, usage.OutputTokens)
	usage.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("synthesis.input_tokens", usage.InputTokens),
		attribute.Int64("synthesis.output_tokens", usage.OutputTokens),
		attribute.Float64("synthesis.cost", usage.Cost),
		attribute.Int("synthesis.code_bytes", len(code)),
	)
	span.SetStatus(codes.Ok, "synthesis complete")
	recordSynthesisAttempt(req.Namespace, true, usage)

	s.log.Info("agent code synthesized",
		"agent", req.AgentName,
		"codeBytes", len(code),
		"usage", usage.String())

	return &Result{Code: code, Usage: usage}, nil
}

// DistillPersona condenses a Persona resource into a short paragraph that
// fits in the synthesis prompt.
func (s *Synthesizer) DistillPersona(ctx context.Context, persona *tesserav1alpha1.Persona, goal string, toolNames []string) (string, error) {
	ctx, span := tracer.Start(ctx, "synthesis.distill_persona")
	defer span.End()

	span.SetAttributes(attribute.String("synthesis.persona", persona.Name))

	prompt, err := buildPersonaPrompt(persona, goal, toolNames)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	messages := []*schema.Message{{Role: schema.User, Content: prompt}}
	response, err := s.chatModel.Generate(callCtx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return "", fmt.Errorf("persona distillation failed: %w", err)
	}

	span.SetStatus(codes.Ok, "persona distilled")
	return strings.TrimSpace(response.Content), nil
}
