package reconcile

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := tesserav1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("failed to add scheme: %v", err)
	}
	return scheme
}

func TestStartReconcileFetchesResource(t *testing.T) {
	scheme := newTestScheme(t)
	agent := &tesserav1alpha1.Agent{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "weather-bot",
			Namespace:  "default",
			Generation: 3,
		},
		Spec: tesserav1alpha1.AgentSpec{Goal: "report the weather"},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(agent).Build()

	h := &Helper[*tesserav1alpha1.Agent]{
		Client:     c,
		TracerName: "test",
		Kind:       "agent",
	}

	req := ctrl.Request{NamespacedName: types.NamespacedName{Name: "weather-bot", Namespace: "default"}}
	pass, err := h.StartReconcile(context.Background(), req, &tesserav1alpha1.Agent{})
	if err != nil {
		t.Fatalf("StartReconcile returned error: %v", err)
	}
	if pass == nil {
		t.Fatal("expected a pass for an existing resource")
	}
	defer pass.Complete(nil)

	if pass.Resource.Spec.Goal != "report the weather" {
		t.Errorf("unexpected goal: %q", pass.Resource.Spec.Goal)
	}
	if pass.Resource.Generation != 3 {
		t.Errorf("expected generation 3, got %d", pass.Resource.Generation)
	}
}

func TestStartReconcileNotFound(t *testing.T) {
	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()

	h := &Helper[*tesserav1alpha1.Agent]{
		Client:     c,
		TracerName: "test",
		Kind:       "agent",
	}

	req := ctrl.Request{NamespacedName: types.NamespacedName{Name: "missing", Namespace: "default"}}
	pass, err := h.StartReconcile(context.Background(), req, &tesserav1alpha1.Agent{})
	if err != nil {
		t.Fatalf("not-found should not be an error, got: %v", err)
	}
	if pass != nil {
		t.Fatal("expected nil pass for a deleted resource")
	}
}

func TestCompleteIsSafeWithNilSpan(t *testing.T) {
	p := &Pass[*tesserav1alpha1.Agent]{}
	// Must not panic.
	p.Complete(nil)
}
