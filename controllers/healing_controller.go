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
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/source"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/pkg/codecheck"
	"github.com/tessera-ai/tessera/pkg/reconcile"
	"github.com/tessera-ai/tessera/pkg/synthesis"
	"github.com/tessera-ai/tessera/pkg/versions"
)

const (
	// maxFailureSignatures bounds what gets persisted on status; signatures
	// beyond this are dropped, not merged.
	maxFailureSignatures = 5

	// maxSignatureLength truncates individual signatures before they land
	// in status or a synthesis prompt.
	maxSignatureLength = 200

	// logTailLines is how much of a crashed container's output is scanned
	// for signatures.
	logTailLines = 40

	healthyProbeInterval = time.Minute
)

// HealingReconciler watches the pods behind deployed agents and, when a
// workload keeps failing, re-synthesizes the agent's code with the failure
// context folded into the prompt. Attempts, backoff, and signatures live on
// the Agent's status so the bound holds across operator restarts.
type HealingReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Log      logr.Logger
	Recorder record.EventRecorder

	// Clientset reads pod logs; the controller-runtime client has no log
	// subresource access.
	Clientset      kubernetes.Interface
	Validator      *codecheck.Validator
	Versions       *versions.Store
	NewSynthesizer SynthesizerFactory

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time

	helper   reconcile.Helper[*tesserav1alpha1.Agent]
	failures failureLog
}

//+kubebuilder:rbac:groups=tessera.io,resources=agents,verbs=get;list;watch
//+kubebuilder:rbac:groups=tessera.io,resources=agents/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=pods/log,verbs=get

func (r *HealingReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	pass, err := r.helper.StartReconcile(ctx, req, &tesserav1alpha1.Agent{})
	if err != nil || pass == nil {
		return ctrl.Result{}, err
	}
	defer func() { pass.Complete(err) }()

	ctx = pass.Ctx
	agent := pass.Resource
	logger := pass.Log

	if !agent.DeletionTimestamp.IsZero() || !agent.SelfHealingEnabled() {
		return ctrl.Result{}, nil
	}
	if agent.Status.CodeVersion == 0 {
		// Nothing deployed yet; the agent controller owns this stretch.
		return ctrl.Result{}, nil
	}

	// A spec edit starts a fresh healing budget.
	if agent.Status.Healing.ObservedSpecGeneration != agent.Generation {
		return ctrl.Result{}, nil
	}

	var res ctrl.Result
	switch agent.Status.Healing.Phase {
	case HealingPhaseExhausted:
		return ctrl.Result{}, nil
	case HealingPhaseDetecting, HealingPhaseSynthesizing:
		res, err = r.attemptHeal(ctx, agent, logger)
	default:
		res, err = r.observe(ctx, agent, logger)
	}
	return res, err
}

// observe inspects the agent's pods and decides whether the workload has
// crossed the failure threshold within the detection window.
func (r *HealingReconciler) observe(ctx context.Context, agent *tesserav1alpha1.Agent, logger logr.Logger) (ctrl.Result, error) {
	healing := agent.Spec.SelfHealing
	pods, err := r.agentPods(ctx, agent)
	if err != nil {
		return ctrl.Result{}, err
	}

	failing := failingPods(pods)
	key := types.NamespacedName{Name: agent.Name, Namespace: agent.Namespace}
	r.failures.record(key, pods, r.now())

	if len(failing) == 0 {
		if agent.Status.Healing.Phase != HealingPhaseHealthy && agent.Status.Healing.Phase != "" {
			agent.Status.Healing.Phase = HealingPhaseHealthy
			if err := r.Status().Update(ctx, agent); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{RequeueAfter: healthyProbeInterval}, nil
	}

	threshold := failureThreshold(healing)
	window := failureWindow(healing)
	if r.failures.countWithin(key, window, r.now()) < threshold {
		return ctrl.Result{RequeueAfter: healthyProbeInterval}, nil
	}

	if agent.Status.Healing.Attempts >= maxAttempts(healing) {
		return ctrl.Result{}, r.markExhausted(ctx, agent, logger)
	}

	signatures := r.collectSignatures(ctx, failing)
	backoff := backoffFor(agent.Status.Healing.Attempts, healing)

	agent.Status.Healing.Phase = HealingPhaseDetecting
	agent.Status.Healing.LastFailureSignatures = signatures
	agent.Status.Healing.NextRetryTime = ptr.To(metav1.NewTime(r.now().Add(backoff)))
	agent.Status.Phase = PhaseError
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("agent workload failing, healing scheduled",
		"agent", agent.Name, "attempt", agent.Status.Healing.Attempts+1, "backoff", backoff.String())
	if r.Recorder != nil {
		r.Recorder.Eventf(agent, corev1.EventTypeWarning, "HealingScheduled",
			"workload failing, re-synthesis in %s", backoff)
	}
	return ctrl.Result{RequeueAfter: backoff}, nil
}

// attemptHeal runs one re-synthesis attempt once the backoff deadline has
// passed. A validation failure burns the attempt but never deploys; the next
// attempt gets a longer backoff.
func (r *HealingReconciler) attemptHeal(ctx context.Context, agent *tesserav1alpha1.Agent, logger logr.Logger) (ctrl.Result, error) {
	healing := agent.Spec.SelfHealing

	if next := agent.Status.Healing.NextRetryTime; next != nil {
		if wait := next.Time.Sub(r.now()); wait > 0 {
			return ctrl.Result{RequeueAfter: wait}, nil
		}
	}
	if agent.Status.Healing.Attempts >= maxAttempts(healing) {
		return ctrl.Result{}, r.markExhausted(ctx, agent, logger)
	}

	agent.Status.Healing.Phase = HealingPhaseSynthesizing
	agent.Status.Healing.Attempts++
	agent.Status.Healing.LastAttemptTime = ptr.To(metav1.NewTime(r.now()))
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	previousCode, err := r.Versions.Get(ctx, agent, agent.Status.CodeVersion)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to load current code version: %w", err)
	}

	modelName := ""
	if len(agent.Spec.Models) > 0 {
		modelName = agent.Spec.Models[0]
	}
	if modelName == "" {
		return ctrl.Result{}, r.markExhausted(ctx, agent, logger)
	}
	model := &tesserav1alpha1.Model{}
	if err := r.Get(ctx, types.NamespacedName{Name: modelName, Namespace: agent.Namespace}, model); err != nil {
		return ctrl.Result{}, err
	}
	synthesizer, err := r.NewSynthesizer(ctx, r.Client, model, logger)
	if err != nil {
		return ctrl.Result{}, err
	}

	result, err := synthesizer.Synthesize(ctx, synthesis.Request{
		AgentName:         agent.Name,
		Namespace:         agent.Namespace,
		Goal:              agent.Spec.Goal,
		Models:            agent.Spec.Models,
		IsRetry:           true,
		AttemptNumber:     agent.Status.Healing.Attempts,
		MaxAttempts:       maxAttempts(healing),
		FailureSignatures: agent.Status.Healing.LastFailureSignatures,
		PreviousCode:      previousCode,
	})
	if result != nil {
		synthesis.AccumulateCost(&agent.Status.Cost, result.Usage)
	}
	if err != nil {
		return r.deferRetry(ctx, agent, healing, logger, "model call failed")
	}

	agent.Status.Healing.Phase = HealingPhaseValidating
	violations := r.Validator.Validate(ctx, result.Code)
	if len(violations) > 0 {
		logger.Info("healed candidate failed validation, will retry",
			"agent", agent.Name, "violations", len(violations))
		return r.deferRetry(ctx, agent, healing, logger, summarizeViolations(violations))
	}

	version, err := r.Versions.Append(ctx, agent, result.Code, versions.Metadata{
		SynthesisType:  versions.TypeSelfHealed,
		FailureSummary: strings.Join(agent.Status.Healing.LastFailureSignatures, "; "),
	})
	if err != nil {
		return ctrl.Result{}, err
	}

	// Bumping CodeVersion on status is the hand-off: the agent controller
	// rolls the workload to the new ConfigMap.
	agent.Status.CodeVersion = version
	agent.Status.Healing.Phase = HealingPhaseDeployed
	agent.Status.Healing.NextRetryTime = nil
	agent.Status.Phase = PhaseRunning
	SetCondition(&agent.Status.Conditions, ConditionValidated, metav1.ConditionTrue,
		"HealedCandidateValidated", fmt.Sprintf("self-healed code version %d passed validation", version), agent.Generation)
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}

	r.failures.reset(types.NamespacedName{Name: agent.Name, Namespace: agent.Namespace})
	logger.Info("self-healing deployed new code version",
		"agent", agent.Name, "version", version, "attempt", agent.Status.Healing.Attempts)
	if r.Recorder != nil {
		r.Recorder.Eventf(agent, corev1.EventTypeNormal, "Healed",
			"self-healed code version %d deployed on attempt %d", version, agent.Status.Healing.Attempts)
	}
	return ctrl.Result{RequeueAfter: healthyProbeInterval}, nil
}

// deferRetry schedules the next attempt after a failed one, or marks the
// agent exhausted when the budget is spent.
func (r *HealingReconciler) deferRetry(ctx context.Context, agent *tesserav1alpha1.Agent, healing *tesserav1alpha1.SelfHealingSpec, logger logr.Logger, reason string) (ctrl.Result, error) {
	if agent.Status.Healing.Attempts >= maxAttempts(healing) {
		return ctrl.Result{}, r.markExhausted(ctx, agent, logger)
	}
	backoff := backoffFor(agent.Status.Healing.Attempts, healing)
	agent.Status.Healing.Phase = HealingPhaseSynthesizing
	agent.Status.Healing.NextRetryTime = ptr.To(metav1.NewTime(r.now().Add(backoff)))
	SetCondition(&agent.Status.Conditions, ConditionValidated, metav1.ConditionFalse,
		"HealingAttemptFailed", reason, agent.Generation)
	if err := r.Status().Update(ctx, agent); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: backoff}, nil
}

func (r *HealingReconciler) markExhausted(ctx context.Context, agent *tesserav1alpha1.Agent, logger logr.Logger) error {
	agent.Status.Healing.Phase = HealingPhaseExhausted
	agent.Status.Healing.NextRetryTime = nil
	agent.Status.Phase = PhaseExhausted
	SetCondition(&agent.Status.Conditions, ConditionExhausted, metav1.ConditionTrue,
		"HealingBudgetSpent", fmt.Sprintf("gave up after %d healing attempts; edit the agent spec to retry", agent.Status.Healing.Attempts),
		agent.Generation)
	logger.Info("self-healing exhausted, operator intervention required", "agent", agent.Name)
	if r.Recorder != nil {
		r.Recorder.Eventf(agent, corev1.EventTypeWarning, "HealingExhausted",
			"gave up after %d attempts; edit the agent spec to retry", agent.Status.Healing.Attempts)
	}
	return r.Status().Update(ctx, agent)
}

func (r *HealingReconciler) agentPods(ctx context.Context, agent *tesserav1alpha1.Agent) ([]corev1.Pod, error) {
	podList := &corev1.PodList{}
	err := r.List(ctx, podList,
		client.InNamespace(agent.Namespace),
		client.MatchingLabels(CommonLabels(agent.Name, "agent")))
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}

// collectSignatures distills failing pods into a bounded set of distinct,
// redacted signatures suitable for status and for the retry prompt.
func (r *HealingReconciler) collectSignatures(ctx context.Context, failing []corev1.Pod) []string {
	seen := make(map[string]bool)
	var signatures []string
	add := func(s string) {
		s = redactSecrets(truncate(strings.TrimSpace(s), maxSignatureLength))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		signatures = append(signatures, s)
	}

	for _, pod := range failing {
		for _, cs := range pod.Status.ContainerStatuses {
			if term := terminatedState(cs); term != nil {
				add(fmt.Sprintf("container %s exited with code %d (%s): %s",
					cs.Name, term.ExitCode, term.Reason, term.Message))
			} else if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
				add(fmt.Sprintf("container %s in CrashLoopBackOff", cs.Name))
			}
			for _, line := range r.errorLinesFromLogs(ctx, pod, cs.Name) {
				add(line)
			}
			if len(signatures) >= maxFailureSignatures {
				return signatures
			}
		}
	}
	return signatures
}

var errorLineRe = regexp.MustCompile(`(?i)\b(error|exception|fatal|panic|traceback|failed)\b`)

func (r *HealingReconciler) errorLinesFromLogs(ctx context.Context, pod corev1.Pod, container string) []string {
	if r.Clientset == nil {
		return nil
	}
	req := r.Clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: container,
		Previous:  true,
		TailLines: ptr.To(int64(logTailLines)),
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		// Fall back to the current container's output; the previous
		// instance may already be gone.
		req = r.Clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container: container,
			TailLines: ptr.To(int64(logTailLines)),
		})
		stream, err = req.Stream(ctx)
		if err != nil {
			return nil
		}
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		if errorLineRe.MatchString(line) {
			lines = append(lines, line)
		}
	}
	return lines
}

func terminatedState(cs corev1.ContainerStatus) *corev1.ContainerStateTerminated {
	if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
		return cs.State.Terminated
	}
	if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.ExitCode != 0 {
		return cs.LastTerminationState.Terminated
	}
	return nil
}

func failingPods(pods []corev1.Pod) []corev1.Pod {
	var failing []corev1.Pod
	for _, pod := range pods {
		if pod.Status.Phase == corev1.PodFailed {
			failing = append(failing, pod)
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if terminatedState(cs) != nil ||
				(cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff") {
				failing = append(failing, pod)
				break
			}
		}
	}
	return failing
}

var (
	bearerRe    = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
	secretKVRe  = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|authorization)(["']?\s*[:=]\s*)\S+`)
	rawTokenRes = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{20,}\b`),
	}
)

// redactSecrets scrubs secret-shaped substrings before a signature is
// persisted or sent to a model.
func redactSecrets(s string) string {
	s = bearerRe.ReplaceAllString(s, "[REDACTED]")
	s = secretKVRe.ReplaceAllString(s, "${1}${2}[REDACTED]")
	for _, re := range rawTokenRes {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// failureLog tracks restart deltas per agent so the threshold applies to a
// sliding window rather than the workload's lifetime restart count.
type failureLog struct {
	mu       sync.Mutex
	events   map[types.NamespacedName][]time.Time
	restarts map[types.NamespacedName]map[string]int32
}

func (f *failureLog) record(key types.NamespacedName, pods []corev1.Pod, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[types.NamespacedName][]time.Time)
		f.restarts = make(map[types.NamespacedName]map[string]int32)
	}
	counts := f.restarts[key]
	if counts == nil {
		counts = make(map[string]int32)
		f.restarts[key] = counts
	}
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			ref := pod.Name + "/" + cs.Name
			observed := cs.RestartCount
			if terminatedState(cs) != nil && observed == counts[ref] {
				// A terminal failure with no restart (one-shot jobs)
				// still counts once.
				observed++
			}
			for i := counts[ref]; i < observed; i++ {
				f.events[key] = append(f.events[key], now)
			}
			if observed > counts[ref] {
				counts[ref] = observed
			}
		}
	}
}

func (f *failureLog) countWithin(key types.NamespacedName, window time.Duration, now time.Time) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-window)
	var kept []time.Time
	var count int32
	for _, t := range f.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	if f.events != nil {
		f.events[key] = kept
	}
	return count
}

func (f *failureLog) reset(key types.NamespacedName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, key)
}

func (r *HealingReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func failureThreshold(s *tesserav1alpha1.SelfHealingSpec) int32 {
	if s != nil && s.FailureThreshold > 0 {
		return s.FailureThreshold
	}
	return 3
}

func failureWindow(s *tesserav1alpha1.SelfHealingSpec) time.Duration {
	if s != nil && s.FailureWindow != nil {
		return s.FailureWindow.Duration
	}
	return 10 * time.Minute
}

func maxAttempts(s *tesserav1alpha1.SelfHealingSpec) int32 {
	if s != nil && s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}

// backoffFor doubles from the configured floor per attempt, capped at the
// ceiling.
func backoffFor(attempts int32, s *tesserav1alpha1.SelfHealingSpec) time.Duration {
	min := 30 * time.Second
	max := 10 * time.Minute
	if s != nil && s.BackoffMin != nil {
		min = s.BackoffMin.Duration
	}
	if s != nil && s.BackoffMax != nil {
		max = s.BackoffMax.Duration
	}
	backoff := min
	for i := int32(0); i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// SetupWithManager registers the controller, mapping pod events back to the
// owning agent so crashes surface promptly.
func (r *HealingReconciler) SetupWithManager(mgr ctrl.Manager, concurrency int) error {
	r.helper = reconcile.Helper[*tesserav1alpha1.Agent]{
		Client:     r.Client,
		TracerName: TracerName,
		Kind:       "agent",
	}
	return ctrl.NewControllerManagedBy(mgr).
		Named("healing").
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrency}).
		For(&tesserav1alpha1.Agent{}).
		WatchesRawSource(
			source.Kind(mgr.GetCache(), &corev1.Pod{}),
			handler.EnqueueRequestsFromMapFunc(r.mapPodToAgent),
		).
		Complete(r)
}

func (r *HealingReconciler) mapPodToAgent(_ context.Context, obj client.Object) []ctrl.Request {
	labels := obj.GetLabels()
	if labels["app.kubernetes.io/managed-by"] != "tessera-operator" || labels["tessera.io/kind"] != "agent" {
		return nil
	}
	name := labels["app.kubernetes.io/name"]
	if name == "" {
		return nil
	}
	return []ctrl.Request{{NamespacedName: types.NamespacedName{
		Name:      name,
		Namespace: obj.GetNamespace(),
	}}}
}
