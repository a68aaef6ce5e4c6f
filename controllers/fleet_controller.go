package controllers

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/reconcile"
)

// FleetReconciler tracks fleet membership and enforces the member ceiling.
type FleetReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger

	helper reconcile.Helper[*tesserav1alpha1.Fleet]
}

//+kubebuilder:rbac:groups=tessera.io,resources=fleets,verbs=get;list;watch
//+kubebuilder:rbac:groups=tessera.io,resources=fleets/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=tessera.io,resources=agents,verbs=get;list;watch

func (r *FleetReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Fleet{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	fleet := pass.Resource

	if !fleet.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	agentList := &tesserav1alpha1.AgentList{}
	if err = r.List(ctx, agentList, client.InNamespace(fleet.Namespace)); err != nil {
		return ctrl.Result{}, err
	}

	var count int32
	for _, agent := range agentList.Items {
		if agent.Spec.FleetRef == fleet.Name {
			count++
		}
	}

	fleet.Status.AgentCount = count
	if fleet.Spec.MaxAgents > 0 && count > fleet.Spec.MaxAgents {
		SetCondition(&fleet.Status.Conditions, ConditionReady, metav1.ConditionFalse,
			"OverCapacity", fmt.Sprintf("%d agents reference this fleet, limit is %d", count, fleet.Spec.MaxAgents),
			fleet.Generation)
		fleet.Status.Phase = PhaseError
	} else {
		SetCondition(&fleet.Status.Conditions, ConditionReady, metav1.ConditionTrue,
			"WithinCapacity", "fleet membership within limits", fleet.Generation)
		fleet.Status.Phase = PhaseReady
	}

	return ctrl.Result{}, r.Status().Update(ctx, fleet)
}

func (r *FleetReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Fleet]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "fleet",
	}
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Fleet{}).
		Watches(&tesserav1alpha1.Agent{}, handler.EnqueueRequestsFromMapFunc(r.mapAgentToFleet)).
		Complete(r)
}

func (r *FleetReconciler) mapAgentToFleet(_ context.Context, obj client.Object) []ctrl.Request {
	agent, ok := obj.(*tesserav1alpha1.Agent)
	if !ok || agent.Spec.FleetRef == "" {
		return nil
	}
	return []ctrl.Request{{NamespacedName: types.NamespacedName{
		Name:      agent.Spec.FleetRef,
		Namespace: agent.Namespace,
	}}}
}
