package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// FleetSpec groups agents and supplies shared defaults.
type FleetSpec struct {
	// DefaultModels are used by member agents that list no models.
	// +optional
	DefaultModels []string `json:"defaultModels,omitempty"`

	// DefaultTools are merged into member agents' tool lists.
	// +optional
	DefaultTools []string `json:"defaultTools,omitempty"`

	// MaxAgents limits fleet membership (0 = unlimited).
	// +kubebuilder:validation:Minimum=0
	// +optional
	MaxAgents int32 `json:"maxAgents,omitempty"`
}

// FleetStatus defines the observed state of a Fleet
type FleetStatus struct {
	// +optional
	Phase string `json:"phase,omitempty"`

	// AgentCount is the number of agents referencing this fleet.
	// +optional
	AgentCount int32 `json:"agentCount,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Agents",type=integer,JSONPath=`.status.agentCount`
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`

// Fleet is the Schema for the fleets API
type Fleet struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   FleetSpec   `json:"spec,omitempty"`
	Status FleetStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// FleetList contains a list of Fleet
type FleetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Fleet `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Fleet{}, &FleetList{})
}
