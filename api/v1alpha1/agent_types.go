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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AgentSpec defines the desired state of an Agent. The goal is free-form
// natural language; the operator synthesizes runnable agent code from it.
type AgentSpec struct {
	// Goal describes, in natural language, what the agent should accomplish.
	// +kubebuilder:validation:MinLength=1
	Goal string `json:"goal"`

	// Tools references Tool resources the agent may use.
	// +optional
	Tools []string `json:"tools,omitempty"`

	// Models references Model resources available to the agent. The first
	// ready model is also used for code synthesis.
	// +optional
	Models []string `json:"models,omitempty"`

	// PersonaRef references a Persona resource shaping the agent's voice.
	// +optional
	PersonaRef string `json:"personaRef,omitempty"`

	// FleetRef references a Fleet providing defaults for this agent.
	// +optional
	FleetRef string `json:"fleetRef,omitempty"`

	// ExecutionMode controls the workload shape.
	// +kubebuilder:validation:Enum=continuous;scheduled;oneshot
	// +kubebuilder:default=continuous
	// +optional
	ExecutionMode string `json:"executionMode,omitempty"`

	// Schedule is a cron expression, required when ExecutionMode is "scheduled".
	// +optional
	Schedule string `json:"schedule,omitempty"`

	// Image overrides the default agent runtime image. The image registry
	// must be on the operator allow-list.
	// +optional
	Image string `json:"image,omitempty"`

	// SelfHealing configures automatic re-synthesis after runtime failures.
	// +optional
	SelfHealing *SelfHealingSpec `json:"selfHealing,omitempty"`

	// Retention configures cleanup of old synthesized code versions.
	// +optional
	Retention *RetentionSpec `json:"retention,omitempty"`
}

// SelfHealingSpec bounds the automatic repair loop.
type SelfHealingSpec struct {
	// +kubebuilder:default=true
	// +optional
	Enabled *bool `json:"enabled,omitempty"`

	// MaxAttempts caps re-synthesis attempts for the current spec generation.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=5
	// +optional
	MaxAttempts int32 `json:"maxAttempts,omitempty"`

	// FailureThreshold is how many runtime failures must be observed within
	// FailureWindow before healing triggers.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=3
	// +optional
	FailureThreshold int32 `json:"failureThreshold,omitempty"`

	// FailureWindow is the observation window for FailureThreshold.
	// +kubebuilder:default="10m"
	// +optional
	FailureWindow *metav1.Duration `json:"failureWindow,omitempty"`

	// BackoffMin is the delay before the first retry; it doubles per attempt.
	// +kubebuilder:default="30s"
	// +optional
	BackoffMin *metav1.Duration `json:"backoffMin,omitempty"`

	// BackoffMax caps the retry delay.
	// +kubebuilder:default="10m"
	// +optional
	BackoffMax *metav1.Duration `json:"backoffMax,omitempty"`
}

// RetentionSpec controls pruning of stored code versions. Version 1 is never
// pruned regardless of policy.
type RetentionSpec struct {
	// KeepLast retains at most N most recent versions (0 = unlimited).
	// +kubebuilder:validation:Minimum=0
	// +optional
	KeepLast int32 `json:"keepLast,omitempty"`

	// MaxAgeDays deletes versions older than N days (0 = never).
	// +kubebuilder:validation:Minimum=0
	// +optional
	MaxAgeDays int32 `json:"maxAgeDays,omitempty"`
}

// HealingState is the persisted self-healing state machine position. Keeping
// it in status means the attempt bound survives operator restarts.
type HealingState struct {
	// Phase is one of Healthy, Detecting, Synthesizing, Validating, Deployed, Exhausted.
	// +optional
	Phase string `json:"phase,omitempty"`

	// Attempts counts synthesis attempts for the current spec generation.
	// +optional
	Attempts int32 `json:"attempts,omitempty"`

	// ObservedSpecGeneration is the generation Attempts applies to; a user
	// edit bumps the generation and resets the counter.
	// +optional
	ObservedSpecGeneration int64 `json:"observedSpecGeneration,omitempty"`

	// LastFailureSignatures holds redacted error patterns extracted from the
	// failing workload, most recent first.
	// +optional
	LastFailureSignatures []string `json:"lastFailureSignatures,omitempty"`

	// LastAttemptTime is when the last re-synthesis was attempted.
	// +optional
	LastAttemptTime *metav1.Time `json:"lastAttemptTime,omitempty"`

	// NextRetryTime is the earliest time another attempt may run.
	// +optional
	NextRetryTime *metav1.Time `json:"nextRetryTime,omitempty"`
}

// CostMetrics accumulates language model usage across synthesis attempts.
type CostMetrics struct {
	// +optional
	InputTokens int64 `json:"inputTokens,omitempty"`
	// +optional
	OutputTokens int64 `json:"outputTokens,omitempty"`
	// TotalCost is the accumulated cost as a decimal string, e.g. "0.0342".
	// +optional
	TotalCost string `json:"totalCost,omitempty"`
	// +optional
	Currency string `json:"currency,omitempty"`
}

// AgentStatus defines the observed state of an Agent
type AgentStatus struct {
	// Phase is a coarse summary: Pending, Synthesizing, Running,
	// SynthesisFailed, Exhausted.
	// +optional
	Phase string `json:"phase,omitempty"`

	// UUID identifies this agent instance across redeployments.
	// +optional
	UUID string `json:"uuid,omitempty"`

	// CodeVersion is the currently deployed code version number.
	// +optional
	CodeVersion int32 `json:"codeVersion,omitempty"`

	// SynthesizedGeneration is the spec generation the deployed code was
	// synthesized from.
	// +optional
	SynthesizedGeneration int64 `json:"synthesizedGeneration,omitempty"`

	// +optional
	Healing HealingState `json:"healing,omitempty"`

	// +optional
	Cost CostMetrics `json:"cost,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="Version",type=integer,JSONPath=`.status.codeVersion`
//+kubebuilder:printcolumn:name="Attempts",type=integer,JSONPath=`.status.healing.attempts`
//+kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Agent is the Schema for the agents API
type Agent struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AgentSpec   `json:"spec,omitempty"`
	Status AgentStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// AgentList contains a list of Agent
type AgentList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Agent `json:"items"`
}

// SelfHealingEnabled reports whether the repair loop is active for this agent.
func (a *Agent) SelfHealingEnabled() bool {
	if a.Spec.SelfHealing == nil || a.Spec.SelfHealing.Enabled == nil {
		return true
	}
	return *a.Spec.SelfHealing.Enabled
}

func init() {
	SchemeBuilder.Register(&Agent{}, &AgentList{})
}
