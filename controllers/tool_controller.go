package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/reconcile"
)

// toolRediscoveryInterval is how often a tool's function catalog is
// refreshed from its server.
const toolRediscoveryInterval = 10 * time.Minute

// FunctionLister discovers the function catalog a tool server exposes.
type FunctionLister interface {
	ListFunctions(ctx context.Context, endpoint string) ([]tesserav1alpha1.ToolFunction, error)
}

// ToolReconciler probes tool servers and publishes their function catalogs
// on status, where the synthesizer picks them up.
type ToolReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger

	Discovery FunctionLister

	helper reconcile.Helper[*tesserav1alpha1.Tool]
}

//+kubebuilder:rbac:groups=tessera.io,resources=tools,verbs=get;list;watch
//+kubebuilder:rbac:groups=tessera.io,resources=tools/status,verbs=get;update;patch

func (r *ToolReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Tool{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	tool := pass.Resource
	logger := pass.Log

	if !tool.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	if tool.Spec.Endpoint == "" {
		SetCondition(&tool.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"NoEndpoint", "tool has no endpoint to discover functions from", tool.Generation)
		tool.Status.Phase = PhaseError
		return ctrl.Result{}, r.Status().Update(ctx, tool)
	}

	functions, discoverErr := r.Discovery.ListFunctions(ctx, tool.Spec.Endpoint)
	if discoverErr != nil {
		logger.Error(discoverErr, "tool discovery failed", "tool", tool.Name)
		SetCondition(&tool.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"DiscoveryFailed", discoverErr.Error(), tool.Generation)
		tool.Status.Phase = PhaseError
		if err = r.Status().Update(ctx, tool); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: time.Minute}, nil
	}

	tool.Status.Functions = functions
	tool.Status.Phase = PhaseReady
	SetCondition(&tool.Status.Conditions, ConditionReady, metav1.ConditionTrue,
		"FunctionsDiscovered", "tool catalog discovered", tool.Generation)
	if err = r.Status().Update(ctx, tool); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{RequeueAfter: toolRediscoveryInterval}, nil
}

func (r *ToolReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Tool]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "tool",
	}
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Tool{}).
		Complete(r)
}
