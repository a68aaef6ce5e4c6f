/*
Copyright 2025 Tessera Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/codecheck"
	"github.com/tessera-ai/tessera/pkg/reconcile"
	"github.com/tessera-ai/tessera/pkg/synthesis"
	"github.com/tessera-ai/tessera/pkg/versions"
)

// DefaultAgentImage runs synthesized agent code when the spec names no
// override.
const DefaultAgentImage = "ghcr.io/tessera-ai/agent-runtime:latest"

// ImagePolicy gates container images against the registry allow-list.
type ImagePolicy interface {
	CheckImage(image string) error
}

// CodeSynthesizer is the synthesis surface the controller depends on,
// narrow enough to fake in tests.
type CodeSynthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
	DistillPersona(ctx context.Context, persona *tesserav1alpha1.Persona, goal string, toolNames []string) (string, error)
}

// SynthesizerFactory builds a synthesizer for a resolved Model.
type SynthesizerFactory func(ctx context.Context, c client.Client, m *tesserav1alpha1.Model, log logr.Logger) (CodeSynthesizer, error)

// AgentReconciler drives an Agent from goal text to a running workload:
// synthesize, validate, store a version, deploy.
type AgentReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Log      logr.Logger
	Recorder record.EventRecorder

	Registry       ImagePolicy
	Validator      *codecheck.Validator
	Versions       *versions.Store
	RateLimiter    *synthesis.RateLimiter
	Quotas         *synthesis.QuotaManager
	NewSynthesizer SynthesizerFactory

	helper reconcile.Helper[*tesserav1alpha1.Agent]
}

//+kubebuilder:rbac:groups=tessera.io,resources=agents,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=tessera.io,resources=agents/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=tessera.io,resources=agents/finalizers,verbs=update
//+kubebuilder:rbac:groups=tessera.io,resources=models;tools;personas;fleets,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=configmaps;secrets,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=batch,resources=jobs;cronjobs,verbs=get;list;watch;create;update;patch;delete

func (r *AgentReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Agent{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	agent := pass.Resource
	logger := pass.Log

	if !agent.DeletionTimestamp.IsZero() {
		if controllerutil.ContainsFinalizer(agent, FinalizerName) {
			controllerutil.RemoveFinalizer(agent, FinalizerName)
			if err = r.Update(ctx, agent); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(agent, FinalizerName) {
		controllerutil.AddFinalizer(agent, FinalizerName)
		if err = r.Update(ctx, agent); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	if agent.Status.UUID == "" {
		agent.Status.UUID = uuid.NewString()
		agent.Status.Phase = PhasePending
		if err = r.Status().Update(ctx, agent); err != nil {
			return ctrl.Result{}, err
		}
	}

	// A user edit resets the healing counter: the declaration changed, so
	// the old failure history no longer applies.
	if agent.Status.Healing.ObservedSpecGeneration != agent.Generation {
		agent.Status.Healing = tesserav1alpha1.HealingState{
			Phase:                  HealingPhaseHealthy,
			ObservedSpecGeneration: agent.Generation,
		}
	}

	if agent.Status.SynthesizedGeneration != agent.Generation || agent.Status.CodeVersion == 0 {
		var result ctrl.Result
		result, err = r.synthesizeAndStore(ctx, agent, logger)
		if err != nil || !result.IsZero() {
			return result, err
		}
		if agent.Status.SynthesizedGeneration != agent.Generation {
			// Synthesis did not yield deployable code; status carries the
			// reason and nothing gets deployed.
			return ctrl.Result{}, nil
		}
	}

	if err = r.deployWorkload(ctx, agent, logger); err != nil {
		return ctrl.Result{}, err
	}

	if spec := agent.Spec.Retention; spec != nil {
		if err = r.Versions.Prune(ctx, agent, versions.PolicyFromSpec(spec)); err != nil {
			logger.Error(err, "retention pruning failed")
			err = nil // pruning is best-effort, never blocks the deploy
		}
	}

	agent.Status.Phase = PhaseRunning
	SetCondition(&agent.Status.Conditions, ConditionDeployed, metav1.ConditionTrue,
		"WorkloadReady", fmt.Sprintf("code version %d deployed", agent.Status.CodeVersion), agent.Generation)
	if err = r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// synthesizeAndStore runs one synthesis pass for the current generation and
// persists the result. A validation failure is structural: it is surfaced
// on status and not retried blindly.
func (r *AgentReconciler) synthesizeAndStore(ctx context.Context, agent *tesserav1alpha1.Agent, logger logr.Logger) (ctrl.Result, error) {
	agent.Status.Phase = PhaseSynthesizing
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	modelNames, toolNames, err := r.resolveFleetDefaults(ctx, agent)
	if err != nil {
		return ctrl.Result{}, err
	}
	if len(modelNames) == 0 {
		SetCondition(&agent.Status.Conditions, ConditionSynthesized, metav1.ConditionFalse,
			"NoModel", "agent references no Model and its fleet provides no default", agent.Generation)
		agent.Status.Phase = PhaseSynthesisFailed
		return ctrl.Result{}, r.Status().Update(ctx, agent)
	}

	model := &tesserav1alpha1.Model{}
	if err := r.Get(ctx, types.NamespacedName{Name: modelNames[0], Namespace: agent.Namespace}, model); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to get model %s: %w", modelNames[0], err)
	}

	if r.RateLimiter != nil {
		if err := r.RateLimiter.Allow(agent.Namespace); err != nil {
			synthesis.RecordThrottled(agent.Namespace, "rate_limit")
			logger.Info("synthesis deferred", "reason", err.Error())
			return ctrl.Result{RequeueAfter: requeueOnThrottle}, nil
		}
	}
	if r.Quotas != nil {
		if err := r.Quotas.Check(agent.Namespace, 0); err != nil {
			synthesis.RecordThrottled(agent.Namespace, "quota")
			SetCondition(&agent.Status.Conditions, ConditionSynthesized, metav1.ConditionFalse,
				"QuotaExceeded", err.Error(), agent.Generation)
			agent.Status.Phase = PhaseSynthesisFailed
			return ctrl.Result{RequeueAfter: requeueOnThrottle}, r.Status().Update(ctx, agent)
		}
	}

	synthesizer, err := r.NewSynthesizer(ctx, r.Client, model, logger)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to build synthesizer: %w", err)
	}

	toolCatalog, err := r.collectToolCatalog(ctx, agent.Namespace, toolNames)
	if err != nil {
		return ctrl.Result{}, err
	}

	personaText := ""
	if agent.Spec.PersonaRef != "" {
		persona := &tesserav1alpha1.Persona{}
		if err := r.Get(ctx, types.NamespacedName{Name: agent.Spec.PersonaRef, Namespace: agent.Namespace}, persona); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to get persona %s: %w", agent.Spec.PersonaRef, err)
		}
		personaText, err = synthesizer.DistillPersona(ctx, persona, agent.Spec.Goal, toolNames)
		if err != nil {
			logger.Error(err, "persona distillation failed, continuing without persona")
			personaText = ""
		}
	}

	result, err := synthesizer.Synthesize(ctx, synthesis.Request{
		AgentName:   agent.Name,
		Namespace:   agent.Namespace,
		Goal:        agent.Spec.Goal,
		Tools:       toolCatalog,
		Models:      modelNames,
		PersonaText: personaText,
	})
	if result != nil {
		synthesis.AccumulateCost(&agent.Status.Cost, result.Usage)
		if r.Quotas != nil {
			r.Quotas.Record(agent.Namespace, result.Usage)
		}
	}
	if err != nil {
		// Transient upstream failure: surface it and let the scheduler's
		// backoff drive the retry.
		SetCondition(&agent.Status.Conditions, ConditionSynthesized, metav1.ConditionFalse,
			"ModelCallFailed", err.Error(), agent.Generation)
		agent.Status.Phase = PhaseSynthesisFailed
		if statusErr := r.Status().Update(ctx, agent); statusErr != nil {
			return ctrl.Result{}, statusErr
		}
		return ctrl.Result{}, err
	}

	violations := r.Validator.Validate(ctx, result.Code)
	if len(violations) > 0 {
		SetCondition(&agent.Status.Conditions, ConditionValidated, metav1.ConditionFalse,
			"ValidationFailed", summarizeViolations(violations), agent.Generation)
		agent.Status.Phase = PhaseSynthesisFailed
		logger.Info("synthesized code failed validation",
			"agent", agent.Name, "violations", len(violations))
		if r.Recorder != nil {
			r.Recorder.Event(agent, corev1.EventTypeWarning, "ValidationFailed", summarizeViolations(violations))
		}
		return ctrl.Result{}, r.Status().Update(ctx, agent)
	}
	SetCondition(&agent.Status.Conditions, ConditionValidated, metav1.ConditionTrue,
		"ValidationPassed", "candidate passed schema and security validation", agent.Generation)

	version, err := r.Versions.Append(ctx, agent, result.Code, versions.Metadata{SynthesisType: versions.TypeInitial})
	if err != nil {
		return ctrl.Result{}, err
	}

	agent.Status.CodeVersion = version
	agent.Status.SynthesizedGeneration = agent.Generation
	SetCondition(&agent.Status.Conditions, ConditionSynthesized, metav1.ConditionTrue,
		"SynthesisSucceeded", fmt.Sprintf("stored code version %d", version), agent.Generation)
	if r.Recorder != nil {
		r.Recorder.Eventf(agent, corev1.EventTypeNormal, "Synthesized", "stored code version %d", version)
	}
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// resolveFleetDefaults merges the agent's model/tool references with its
// fleet's defaults. Agent-level references win.
func (r *AgentReconciler) resolveFleetDefaults(ctx context.Context, agent *tesserav1alpha1.Agent) (models, tools []string, err error) {
	models = agent.Spec.Models
	tools = agent.Spec.Tools

	if agent.Spec.FleetRef == "" {
		return models, tools, nil
	}

	fleet := &tesserav1alpha1.Fleet{}
	if err := r.Get(ctx, types.NamespacedName{Name: agent.Spec.FleetRef, Namespace: agent.Namespace}, fleet); err != nil {
		return nil, nil, fmt.Errorf("failed to get fleet %s: %w", agent.Spec.FleetRef, err)
	}

	if len(models) == 0 {
		models = fleet.Spec.DefaultModels
	}
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		seen[t] = true
	}
	for _, t := range fleet.Spec.DefaultTools {
		if !seen[t] {
			tools = append(tools, t)
		}
	}
	return models, tools, nil
}

// collectToolCatalog gathers discovered functions from referenced Tools.
// The synthesizer consumes this catalog as-is; it does no discovery itself.
func (r *AgentReconciler) collectToolCatalog(ctx context.Context, namespace string, toolNames []string) ([]synthesis.ToolCatalogEntry, error) {
	var catalog []synthesis.ToolCatalogEntry
	for _, name := range toolNames {
		tool := &tesserav1alpha1.Tool{}
		if err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, tool); err != nil {
			return nil, fmt.Errorf("failed to get tool %s: %w", name, err)
		}
		catalog = append(catalog, synthesis.ToolCatalogEntry{
			Name:      tool.Name,
			Functions: tool.Status.Functions,
		})
	}
	return catalog, nil
}

// deployWorkload shapes the workload by execution mode and points it at the
// current code version. The image is gated against the registry allow-list
// before anything is created.
func (r *AgentReconciler) deployWorkload(ctx context.Context, agent *tesserav1alpha1.Agent, logger logr.Logger) error {
	image := agent.Spec.Image
	if image == "" {
		image = DefaultAgentImage
	}
	if err := r.Registry.CheckImage(image); err != nil {
		SetCondition(&agent.Status.Conditions, ConditionDeployed, metav1.ConditionFalse,
			"ImageNotAllowed", err.Error(), agent.Generation)
		agent.Status.Phase = PhaseError
		if statusErr := r.Status().Update(ctx, agent); statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("image rejected by allow-list: %w", err)
	}

	podSpec := r.agentPodSpec(agent, image)

	switch agent.Spec.ExecutionMode {
	case "scheduled":
		return r.deployCronJob(ctx, agent, podSpec)
	case "oneshot":
		return r.deployJob(ctx, agent, podSpec)
	default:
		return r.deployDeployment(ctx, agent, podSpec)
	}
}

func (r *AgentReconciler) agentPodSpec(agent *tesserav1alpha1.Agent, image string) corev1.PodSpec {
	codeConfigMap := fmt.Sprintf("%s-code-v%d", agent.Name, agent.Status.CodeVersion)

	return corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers: []corev1.Container{
			{
				Name:  "agent",
				Image: image,
				Env: []corev1.EnvVar{
					{Name: "AGENT_NAME", Value: agent.Name},
					{Name: "AGENT_UUID", Value: agent.Status.UUID},
					{Name: "AGENT_CODE_PATH", Value: "/etc/tessera/agent.dsl"},
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "agent-code", MountPath: "/etc/tessera", ReadOnly: true},
				},
			},
		},
		Volumes: []corev1.Volume{
			{
				Name: "agent-code",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: codeConfigMap},
					},
				},
			},
		},
	}
}

func (r *AgentReconciler) deployDeployment(ctx context.Context, agent *tesserav1alpha1.Agent, podSpec corev1.PodSpec) error {
	labels := CommonLabels(agent.Name, "agent")
	podSpec.RestartPolicy = corev1.RestartPolicyAlways

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: workloadName(agent.Name), Namespace: agent.Namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, deploy, func() error {
		if err := controllerutil.SetControllerReference(agent, deploy, r.Scheme); err != nil {
			return err
		}
		deploy.Labels = labels
		deploy.Spec = appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		}
		return nil
	})
	return err
}

func (r *AgentReconciler) deployCronJob(ctx context.Context, agent *tesserav1alpha1.Agent, podSpec corev1.PodSpec) error {
	if agent.Spec.Schedule == "" {
		return fmt.Errorf("scheduled agent %s has no schedule expression", agent.Name)
	}
	labels := CommonLabels(agent.Name, "agent")

	cron := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: workloadName(agent.Name), Namespace: agent.Namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, cron, func() error {
		if err := controllerutil.SetControllerReference(agent, cron, r.Scheme); err != nil {
			return err
		}
		cron.Labels = labels
		cron.Spec = batchv1.CronJobSpec{
			Schedule:          agent.Spec.Schedule,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec:       podSpec,
					},
				},
			},
		}
		return nil
	})
	return err
}

func (r *AgentReconciler) deployJob(ctx context.Context, agent *tesserav1alpha1.Agent, podSpec corev1.PodSpec) error {
	labels := CommonLabels(agent.Name, "agent")

	// Jobs are immutable once created; one job per code version.
	jobName := fmt.Sprintf("%s-run-v%d", agent.Name, agent.Status.CodeVersion)
	job := &batchv1.Job{}
	err := r.Get(ctx, types.NamespacedName{Name: jobName, Namespace: agent.Namespace}, job)
	if err == nil {
		return nil
	}
	if client.IgnoreNotFound(err) != nil {
		return err
	}

	job = &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: agent.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(2)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if err := controllerutil.SetControllerReference(agent, job, r.Scheme); err != nil {
		return err
	}
	return r.Create(ctx, job)
}

// summarizeViolations renders violations for a status condition. Messages
// are generic by construction, so this is safe to persist.
func summarizeViolations(violations []codecheck.Violation) string {
	const limit = 5
	var parts []string
	for i, v := range violations {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(violations)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%s (line %d): %s", v.Kind, v.Line, v.Message))
	}
	return strings.Join(parts, "; ")
}

// SetupWithManager registers the controller.
func (r *AgentReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Agent]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "agent",
	}
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Agent{}).
		Owns(&appsv1.Deployment{}).
		Owns(&batchv1.CronJob{}).
		Owns(&batchv1.Job{}).
		Complete(r)
}
