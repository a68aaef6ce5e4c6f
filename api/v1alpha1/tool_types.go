package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ToolSpec defines an external capability agents may call.
type ToolSpec struct {
	// Endpoint is the base URL of the tool server (MCP-style JSON-RPC).
	// +optional
	Endpoint string `json:"endpoint,omitempty"`

	// Image deploys a bundled tool server. The image registry must be on
	// the operator allow-list.
	// +optional
	Image string `json:"image,omitempty"`

	// +optional
	Description string `json:"description,omitempty"`
}

// ToolParameter describes one typed input of a tool function.
type ToolParameter struct {
	Name string `json:"name"`

	// Type is a JSON-schema primitive: string, integer, number, boolean,
	// array, object.
	Type string `json:"type"`

	// +optional
	Description string `json:"description,omitempty"`

	// +optional
	Required bool `json:"required,omitempty"`

	// +optional
	Example string `json:"example,omitempty"`
}

// ToolFunction is one callable function discovered on the tool server.
type ToolFunction struct {
	Name string `json:"name"`

	// +optional
	Description string `json:"description,omitempty"`

	// +optional
	Parameters []ToolParameter `json:"parameters,omitempty"`
}

// ToolStatus defines the observed state of a Tool
type ToolStatus struct {
	// +optional
	Phase string `json:"phase,omitempty"`

	// Functions is the discovered tool catalog consumed by the synthesizer.
	// +optional
	Functions []ToolFunction `json:"functions,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="Functions",type=integer,JSONPath=`.status.functions[*].name`

// Tool is the Schema for the tools API
type Tool struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ToolSpec   `json:"spec,omitempty"`
	Status ToolStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ToolList contains a list of Tool
type ToolList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Tool `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Tool{}, &ToolList{})
}
