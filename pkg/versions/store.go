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

// Package versions persists synthesized agent code as immutable, numbered
// ConfigMap records. Versions are strictly monotonic per agent, and version
// 1 (the initial synthesis) survives every retention policy.
package versions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

var tracer trace.Tracer = otel.Tracer("tessera-operator/versions")

const (
	// CodeKey is the ConfigMap data key holding the agent source.
	CodeKey = "agent.dsl"

	labelAgent     = "tessera.io/agent"
	labelVersion   = "tessera.io/version"
	labelType      = "tessera.io/synthesis-type"
	labelComponent = "tessera.io/component"

	componentValue = "agent-code"

	annoCreatedAt      = "tessera.io/created-at"
	annoFailureSummary = "tessera.io/failure-summary"
)

// Synthesis types recorded on stored versions.
const (
	TypeInitial    = "initial"
	TypeSelfHealed = "self-healed"
	TypeManual     = "manual"
)

// Metadata describes how a version came to be.
type Metadata struct {
	// SynthesisType is one of TypeInitial, TypeSelfHealed, TypeManual.
	SynthesisType string
	// FailureSummary records the failure that triggered a self-healed
	// version. Already redacted by the caller.
	FailureSummary string
}

// RetentionPolicy controls pruning. Version 1 is exempt regardless of
// settings.
type RetentionPolicy struct {
	// KeepLast retains at most N most recent versions (0 = unlimited).
	KeepLast int32
	// MaxAge deletes versions older than this (0 = never).
	MaxAge time.Duration
}

// Version is one stored code record.
type Version struct {
	Number         int32
	Name           string
	SynthesisType  string
	FailureSummary string
	CreatedAt      time.Time
}

// Store appends and retrieves versioned agent code.
type Store struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger

	// appendMu serializes Append per agent so concurrent appends still get
	// gap-free, duplicate-free version numbers.
	mu       sync.Mutex
	appendMu map[string]*sync.Mutex
}

// NewStore creates a version store backed by the given client.
func NewStore(c client.Client, scheme *runtime.Scheme, log logr.Logger) *Store {
	return &Store{
		Client:   c,
		Scheme:   scheme,
		Log:      log,
		appendMu: make(map[string]*sync.Mutex),
	}
}

func (s *Store) agentLock(agent *tesserav1alpha1.Agent) *sync.Mutex {
	key := agent.Namespace + "/" + agent.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if mu, ok := s.appendMu[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.appendMu[key] = mu
	return mu
}

func versionName(agent *tesserav1alpha1.Agent, version int32) string {
	return fmt.Sprintf("%s-code-v%d", agent.Name, version)
}

// Append stores code as the next version for the agent and returns the
// assigned version number. The stored ConfigMap is owned by the agent, so
// deleting the agent garbage-collects its history.
func (s *Store) Append(ctx context.Context, agent *tesserav1alpha1.Agent, code string, meta Metadata) (int32, error) {
	ctx, span := tracer.Start(ctx, "versions.append")
	defer span.End()

	lock := s.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	latest, err := s.Latest(ctx, agent)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	next := latest + 1

	synthType := meta.SynthesisType
	if synthType == "" {
		synthType = TypeInitial
	}

	annotations := map[string]string{
		annoCreatedAt: time.Now().Format(time.RFC3339),
	}
	if meta.FailureSummary != "" {
		annotations[annoFailureSummary] = meta.FailureSummary
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      versionName(agent, next),
			Namespace: agent.Namespace,
			Labels: map[string]string{
				labelAgent:     agent.Name,
				labelVersion:   strconv.Itoa(int(next)),
				labelType:      synthType,
				labelComponent: componentValue,
			},
			Annotations: annotations,
		},
		Data: map[string]string{CodeKey: code},
	}

	if err := controllerutil.SetControllerReference(agent, cm, s.Scheme); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to set controller reference: %w", err)
	}

	if err := s.Create(ctx, cm); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to create code version %s: %w", cm.Name, err)
	}

	span.SetAttributes(
		attribute.Int("versions.number", int(next)),
		attribute.String("versions.synthesis_type", synthType),
	)
	s.Log.Info("stored code version",
		"agent", agent.Name, "version", next, "type", synthType)

	return next, nil
}

// Get retrieves a stored version's code.
func (s *Store) Get(ctx context.Context, agent *tesserav1alpha1.Agent, version int32) (string, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Name: versionName(agent, version), Namespace: agent.Namespace}
	if err := s.Client.Get(ctx, key, cm); err != nil {
		return "", fmt.Errorf("failed to get code version %d for agent %s: %w", version, agent.Name, err)
	}

	code, ok := cm.Data[CodeKey]
	if !ok {
		return "", fmt.Errorf("code version %s has no %s key", cm.Name, CodeKey)
	}
	return code, nil
}

// Latest returns the highest stored version number, or 0 when none exist.
func (s *Store) Latest(ctx context.Context, agent *tesserav1alpha1.Agent) (int32, error) {
	versions, err := s.List(ctx, agent)
	if err != nil {
		return 0, err
	}

	var max int32
	for _, v := range versions {
		if v.Number > max {
			max = v.Number
		}
	}
	return max, nil
}

// List returns all stored versions for the agent, newest first.
func (s *Store) List(ctx context.Context, agent *tesserav1alpha1.Agent) ([]Version, error) {
	cmList := &corev1.ConfigMapList{}
	selector := labels.SelectorFromSet(map[string]string{
		labelAgent:     agent.Name,
		labelComponent: componentValue,
	})
	opts := []client.ListOption{
		client.InNamespace(agent.Namespace),
		client.MatchingLabelsSelector{Selector: selector},
	}
	if err := s.Client.List(ctx, cmList, opts...); err != nil {
		return nil, fmt.Errorf("failed to list code versions for agent %s: %w", agent.Name, err)
	}

	var versions []Version
	for i := range cmList.Items {
		cm := &cmList.Items[i]
		v, err := parseVersion(cm)
		if err != nil {
			s.Log.Error(err, "skipping unparseable code version", "configmap", cm.Name)
			continue
		}
		versions = append(versions, v)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Number > versions[j].Number })
	return versions, nil
}

func parseVersion(cm *corev1.ConfigMap) (Version, error) {
	raw, ok := cm.Labels[labelVersion]
	if !ok {
		return Version{}, fmt.Errorf("ConfigMap %s missing version label", cm.Name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version label on ConfigMap %s: %q", cm.Name, raw)
	}

	v := Version{
		Number:         int32(n),
		Name:           cm.Name,
		SynthesisType:  cm.Labels[labelType],
		FailureSummary: cm.Annotations[annoFailureSummary],
		CreatedAt:      cm.CreationTimestamp.Time,
	}
	if raw, ok := cm.Annotations[annoCreatedAt]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			v.CreatedAt = t
		}
	}
	return v, nil
}

// Prune deletes versions outside the retention policy. Version 1 is never
// deleted: it is the baseline for diagnosing everything that came after.
func (s *Store) Prune(ctx context.Context, agent *tesserav1alpha1.Agent, policy RetentionPolicy) error {
	ctx, span := tracer.Start(ctx, "versions.prune")
	defer span.End()

	versions, err := s.List(ctx, agent)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := time.Now()
	deleted := 0

	for i, v := range versions {
		if v.Number == 1 {
			continue
		}

		drop := false
		if policy.KeepLast > 0 && int32(i) >= policy.KeepLast {
			drop = true
		}
		if policy.MaxAge > 0 && now.Sub(v.CreatedAt) > policy.MaxAge {
			drop = true
		}
		if !drop {
			continue
		}

		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: v.Name, Namespace: agent.Namespace}}
		if err := s.Delete(ctx, cm); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			s.Log.Error(err, "failed to prune code version", "configmap", v.Name)
			continue
		}
		deleted++
	}

	span.SetAttributes(
		attribute.Int("versions.total", len(versions)),
		attribute.Int("versions.pruned", deleted),
	)
	if deleted > 0 {
		s.Log.Info("pruned code versions", "agent", agent.Name, "deleted", deleted)
	}
	return nil
}

// PolicyFromSpec converts an agent's retention spec into a store policy.
func PolicyFromSpec(spec *tesserav1alpha1.RetentionSpec) RetentionPolicy {
	if spec == nil {
		return RetentionPolicy{}
	}
	return RetentionPolicy{
		KeepLast: spec.KeepLast,
		MaxAge:   time.Duration(spec.MaxAgeDays) * 24 * time.Hour,
	}
}
