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

package controllers

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

const (
	// FinalizerName is attached to resources needing teardown work.
	FinalizerName = "tessera.io/finalizer"

	// TracerName is the shared instrumentation scope for all controllers.
	TracerName = "tessera-operator/controllers"
)

// Condition types surfaced on resource status.
const (
	ConditionSynthesized = "Synthesized"
	ConditionValidated   = "Validated"
	ConditionDeployed    = "Deployed"
	ConditionExhausted   = "Exhausted"
	ConditionReady       = "Ready"
)

// Agent phases.
const (
	PhasePending         = "Pending"
	PhaseSynthesizing    = "Synthesizing"
	PhaseRunning         = "Running"
	PhaseSynthesisFailed = "SynthesisFailed"
	PhaseExhausted       = "Exhausted"
	PhaseReady           = "Ready"
	PhaseError           = "Error"
)

// Self-healing phases tracked under status.healing.phase.
const (
	HealingPhaseHealthy      = "Healthy"
	HealingPhaseDetecting    = "Detecting"
	HealingPhaseSynthesizing = "Synthesizing"
	HealingPhaseValidating   = "Validating"
	HealingPhaseDeployed     = "Deployed"
	HealingPhaseExhausted    = "Exhausted"
)

// requeueOnThrottle spaces retries when synthesis is rate limited or over
// quota.
const requeueOnThrottle = 2 * time.Minute

// SetCondition updates or adds a condition, reporting whether anything
// changed. LastTransitionTime only moves when the status flips, so condition
// timestamps stay meaningful across no-op reconciles.
func SetCondition(conditions *[]metav1.Condition, conditionType string, status metav1.ConditionStatus, reason, message string, generation int64) bool {
	condition := metav1.Condition{
		Type:               conditionType,
		Status:             status,
		ObservedGeneration: generation,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	}

	for i, existing := range *conditions {
		if existing.Type != conditionType {
			continue
		}
		if existing.Status == status &&
			existing.Reason == reason &&
			existing.Message == message &&
			existing.ObservedGeneration == generation {
			return false
		}
		if existing.Status == status {
			condition.LastTransitionTime = existing.LastTransitionTime
		}
		(*conditions)[i] = condition
		return true
	}

	*conditions = append(*conditions, condition)
	return true
}

// CreateOrUpdateConfigMap writes a ConfigMap owned by the given resource.
func CreateOrUpdateConfigMap(ctx context.Context, c client.Client, scheme *runtime.Scheme, owner client.Object, name, namespace string, data map[string]string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, c, cm, func() error {
		if err := controllerutil.SetControllerReference(owner, cm, scheme); err != nil {
			return err
		}
		cm.Data = data
		return nil
	})
	return err
}

// CommonLabels returns the standard label set for managed workloads.
func CommonLabels(resourceName, kind string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       resourceName,
		"app.kubernetes.io/managed-by": "tessera-operator",
		"tessera.io/kind":              kind,
	}
}

// workloadName is the name used for an agent's Deployment or CronJob.
func workloadName(agentName string) string {
	return fmt.Sprintf("%s-agent", agentName)
}
