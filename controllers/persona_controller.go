package controllers

import (
	"context"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/reconcile"
)

// PersonaReconciler validates personas referenced by agents.
type PersonaReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger

	helper reconcile.Helper[*tesserav1alpha1.Persona]
}

//+kubebuilder:rbac:groups=tessera.io,resources=personas,verbs=get;list;watch
//+kubebuilder:rbac:groups=tessera.io,resources=personas/status,verbs=get;update;patch

func (r *PersonaReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Persona{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	persona := pass.Resource

	if !persona.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	if persona.Spec.Description == "" && persona.Spec.SystemPrompt == "" {
		SetCondition(&persona.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"Empty", "persona needs a description or a system prompt", persona.Generation)
		persona.Status.Phase = PhaseError
	} else {
		SetCondition(&persona.Status.Conditions, ConditionReady, metav1.ConditionTrue,
			"Valid", "persona is usable", persona.Generation)
		persona.Status.Phase = PhaseReady
	}

	return ctrl.Result{}, r.Status().Update(ctx, persona)
}

func (r *PersonaReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Persona]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "persona",
	}
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Persona{}).
		Complete(r)
}
