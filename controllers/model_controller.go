package controllers

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/reconcile"
)

// ModelReconciler verifies that a Model's credentials resolve before agents
// try to synthesize against it.
type ModelReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger

	helper reconcile.Helper[*tesserav1alpha1.Model]
}

//+kubebuilder:rbac:groups=tessera.io,resources=models,verbs=get;list;watch
//+kubebuilder:rbac:groups=tessera.io,resources=models/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch

func (r *ModelReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Model{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	model := pass.Resource

	if !model.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	ref := model.Spec.APIKeySecretRef
	if ref == nil {
		SetCondition(&model.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"NoSecretRef", "model has no API key secret reference", model.Generation)
		model.Status.Phase = PhaseError
		return ctrl.Result{}, r.Status().Update(ctx, model)
	}
	namespace := ref.Namespace
	if namespace == "" {
		namespace = model.Namespace
	}
	key := ref.Key
	if key == "" {
		key = "api-key"
	}

	secret := &corev1.Secret{}
	err = r.Get(ctx, types.NamespacedName{Name: ref.Name, Namespace: namespace}, secret)
	switch {
	case err != nil:
		SetCondition(&model.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"SecretNotFound", fmt.Sprintf("secret %s/%s not found", namespace, ref.Name), model.Generation)
		model.Status.Phase = PhaseError
	case len(secret.Data[key]) == 0:
		SetCondition(&model.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"KeyMissing", fmt.Sprintf("secret %s/%s has no %q key", namespace, ref.Name, key), model.Generation)
		model.Status.Phase = PhaseError
	default:
		SetCondition(&model.Status.Conditions, ConditionReady, metav1.ConditionTrue,
			"CredentialsResolved", "API key secret resolved", model.Generation)
		model.Status.Phase = PhaseReady
	}
	err = nil

	if statusErr := r.Status().Update(ctx, model); statusErr != nil {
		return ctrl.Result{}, statusErr
	}
	return ctrl.Result{}, nil
}

func (r *ModelReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Model]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "model",
	}
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Model{}).
		Complete(r)
}
