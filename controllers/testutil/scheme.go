// Package testutil holds helpers shared by controller tests.
package testutil

import (
	"testing"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

// SetupTestScheme builds a scheme with core and tessera types registered.
func SetupTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("failed to add client-go scheme: %v", err)
	}
	if err := tesserav1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("failed to add tessera scheme: %v", err)
	}
	return scheme
}
