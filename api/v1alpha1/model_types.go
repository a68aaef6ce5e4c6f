package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SecretKeyRef points at a key inside a Secret.
type SecretKeyRef struct {
	Name string `json:"name"`

	// Namespace defaults to the referencing resource's namespace.
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// Key defaults to "api-key".
	// +optional
	Key string `json:"key,omitempty"`
}

// ModelConfig tunes generation parameters for synthesis calls.
type ModelConfig struct {
	// +optional
	Temperature *float64 `json:"temperature,omitempty"`
	// +optional
	MaxTokens *int32 `json:"maxTokens,omitempty"`
}

// ModelPricing drives cost accounting, expressed in USD per million tokens.
type ModelPricing struct {
	// +optional
	InputPerMillionTokens string `json:"inputPerMillionTokens,omitempty"`
	// +optional
	OutputPerMillionTokens string `json:"outputPerMillionTokens,omitempty"`
}

// ModelSpec defines an OpenAI-compatible language model endpoint.
type ModelSpec struct {
	// ModelName is the provider-side model identifier.
	// +kubebuilder:validation:MinLength=1
	ModelName string `json:"modelName"`

	// Endpoint is the base URL of an OpenAI-compatible API. Empty means the
	// provider default.
	// +optional
	Endpoint string `json:"endpoint,omitempty"`

	// APIKeySecretRef locates the API key for the endpoint.
	// +optional
	APIKeySecretRef *SecretKeyRef `json:"apiKeySecretRef,omitempty"`

	// +optional
	Config *ModelConfig `json:"config,omitempty"`

	// +optional
	Pricing *ModelPricing `json:"pricing,omitempty"`
}

// ModelStatus defines the observed state of a Model
type ModelStatus struct {
	// +optional
	Phase string `json:"phase,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Model",type=string,JSONPath=`.spec.modelName`
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`

// Model is the Schema for the models API
type Model struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ModelSpec   `json:"spec,omitempty"`
	Status ModelStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ModelList contains a list of Model
type ModelList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Model `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Model{}, &ModelList{})
}
