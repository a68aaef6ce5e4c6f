package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PersonaSpec defines a reusable voice and behavioral profile for agents.
type PersonaSpec struct {
	// +optional
	Description string `json:"description,omitempty"`

	// SystemPrompt is prepended to the agent's goal at runtime and distilled
	// into the synthesis prompt.
	// +optional
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// +optional
	Tone string `json:"tone,omitempty"`

	// +optional
	Language string `json:"language,omitempty"`

	// Instructions are additional behavioral guidelines.
	// +optional
	Instructions []string `json:"instructions,omitempty"`
}

// PersonaStatus defines the observed state of a Persona
type PersonaStatus struct {
	// +optional
	Phase string `json:"phase,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// Persona is the Schema for the personas API
type Persona struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PersonaSpec   `json:"spec,omitempty"`
	Status PersonaStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// PersonaList contains a list of Persona
type PersonaList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Persona `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Persona{}, &PersonaList{})
}
