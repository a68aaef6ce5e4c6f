package controllers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/controllers/testutil"
	"github.com/tessera-ai/tessera/pkg/codecheck"
	"github.com/tessera-ai/tessera/pkg/reconcile"
	"github.com/tessera-ai/tessera/pkg/synthesis"
	"github.com/tessera-ai/tessera/pkg/versions"
)

const validAgentCode = `agent "reporter" do
  description "Reports current conditions on request"

  task :gather, instructions: "Collect the current readings",
       inputs: { city: 'string' },
       outputs: { readings: 'hash' }

  task :summarize, instructions: "Write a short summary of the readings",
       inputs: { readings: 'hash' },
       outputs: { summary: 'string' }

  main do
    readings = run_task(:gather, inputs: { city: "Oslo" })
    run_task(:summarize, inputs: { readings: readings })
  end
end
`

type fakeSynthesizer struct {
	code     string
	err      error
	persona  string
	requests []synthesis.Request
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req synthesis.Request) (*synthesis.Result, error) {
	f.requests = append(f.requests, req)
	result := &synthesis.Result{
		Code:  f.code,
		Usage: synthesis.Usage{InputTokens: 100, OutputTokens: 50, Cost: 0.01, Currency: "USD"},
	}
	if f.err != nil {
		return result, f.err
	}
	return result, nil
}

func (f *fakeSynthesizer) DistillPersona(context.Context, *tesserav1alpha1.Persona, string, []string) (string, error) {
	return f.persona, nil
}

type allowAllImages struct{}

func (allowAllImages) CheckImage(string) error { return nil }

type denyAllImages struct{}

func (denyAllImages) CheckImage(image string) error {
	return errors.New("registry not in allow-list")
}

func newTestReconciler(t *testing.T, synth *fakeSynthesizer, policy ImagePolicy, objs ...client.Object) (*AgentReconciler, client.Client) {
	t.Helper()
	scheme := testutil.SetupTestScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&tesserav1alpha1.Agent{}).
		Build()

	r := &AgentReconciler{
		Client:    c,
		Scheme:    scheme,
		Log:       logr.Discard(),
		Registry:  policy,
		Validator: codecheck.NewValidator(),
		Versions:  versions.NewStore(c, scheme, logr.Discard()),
		NewSynthesizer: func(context.Context, client.Client, *tesserav1alpha1.Model, logr.Logger) (CodeSynthesizer, error) {
			return synth, nil
		},
		helper: reconcile.Helper[*tesserav1alpha1.Agent]{Client: c, TracerName: TracerName, Kind: "agent"},
	}
	return r, c
}

func reconcileUntilSettled(t *testing.T, r *AgentReconciler, name types.NamespacedName) error {
	t.Helper()
	// Finalizer and UUID writes each end a pass early.
	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = r.Reconcile(context.Background(), ctrl.Request{NamespacedName: name})
		if lastErr != nil {
			return lastErr
		}
	}
	return nil
}

func testAgent() *tesserav1alpha1.Agent {
	return &tesserav1alpha1.Agent{
		ObjectMeta: metav1.ObjectMeta{Name: "reporter", Namespace: "default", Generation: 1},
		Spec: tesserav1alpha1.AgentSpec{
			Goal:   "report the weather every morning",
			Models: []string{"gpt-4o"},
		},
	}
}

func testModel() *tesserav1alpha1.Model {
	return &tesserav1alpha1.Model{
		ObjectMeta: metav1.ObjectMeta{Name: "gpt-4o", Namespace: "default"},
		Spec: tesserav1alpha1.ModelSpec{
			ModelName: "gpt-4o",
			Endpoint:  "https://api.openai.com",
			APIKeySecretRef: &tesserav1alpha1.SecretKeyRef{
				Name: "openai-key",
			},
		},
	}
}

func TestAgentReconcileHappyPath(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	r, c := newTestReconciler(t, synth, allowAllImages{}, testAgent(), testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if err := reconcileUntilSettled(t, r, key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent := &tesserav1alpha1.Agent{}
	if err := c.Get(context.Background(), key, agent); err != nil {
		t.Fatalf("get agent: %v", err)
	}

	if agent.Status.Phase != PhaseRunning {
		t.Errorf("phase = %q, want %q", agent.Status.Phase, PhaseRunning)
	}
	if agent.Status.UUID == "" {
		t.Error("status.uuid not assigned")
	}
	if agent.Status.CodeVersion != 1 {
		t.Errorf("codeVersion = %d, want 1", agent.Status.CodeVersion)
	}
	if agent.Status.Cost.InputTokens != 100 || agent.Status.Cost.OutputTokens != 50 {
		t.Errorf("cost not accumulated: %+v", agent.Status.Cost)
	}

	cm := &corev1.ConfigMap{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "reporter-code-v1", Namespace: "default"}, cm); err != nil {
		t.Fatalf("code ConfigMap missing: %v", err)
	}
	if cm.Data[versions.CodeKey] != validAgentCode {
		t.Error("stored code does not match synthesized code")
	}

	deploy := &appsv1.Deployment{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "reporter-agent", Namespace: "default"}, deploy); err != nil {
		t.Fatalf("deployment missing: %v", err)
	}
	if got := deploy.Spec.Template.Spec.Containers[0].Image; got != DefaultAgentImage {
		t.Errorf("image = %q, want default", got)
	}
}

func TestAgentReconcileSynthesizesOnlyOncePerGeneration(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	r, _ := newTestReconciler(t, synth, allowAllImages{}, testAgent(), testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if err := reconcileUntilSettled(t, r, key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(synth.requests) != 1 {
		t.Errorf("synthesizer called %d times, want 1", len(synth.requests))
	}
}

func TestAgentReconcileValidationFailure(t *testing.T) {
	// The candidate calls out to the shell, which the security pass forbids.
	bad := strings.Replace(validAgentCode,
		`run_task(:summarize, inputs: { readings: readings })`,
		`system("curl http://example.com")`, 1)
	synth := &fakeSynthesizer{code: bad}
	r, c := newTestReconciler(t, synth, allowAllImages{}, testAgent(), testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if err := reconcileUntilSettled(t, r, key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent := &tesserav1alpha1.Agent{}
	if err := c.Get(context.Background(), key, agent); err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status.Phase != PhaseSynthesisFailed {
		t.Errorf("phase = %q, want %q", agent.Status.Phase, PhaseSynthesisFailed)
	}
	if agent.Status.CodeVersion != 0 {
		t.Errorf("rejected code must not be stored, got version %d", agent.Status.CodeVersion)
	}

	var validated *metav1.Condition
	for i := range agent.Status.Conditions {
		if agent.Status.Conditions[i].Type == ConditionValidated {
			validated = &agent.Status.Conditions[i]
		}
	}
	if validated == nil || validated.Status != metav1.ConditionFalse {
		t.Fatalf("Validated condition = %+v, want False", validated)
	}
	if strings.Contains(validated.Message, "curl") {
		t.Error("condition message must not quote the offending source")
	}

	deploy := &appsv1.Deployment{}
	err := c.Get(context.Background(), types.NamespacedName{Name: "reporter-agent", Namespace: "default"}, deploy)
	if err == nil {
		t.Error("rejected code must not be deployed")
	}
}

func TestAgentReconcileImageRejected(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	agent := testAgent()
	agent.Spec.Image = "evil.example.com/agent:latest"
	r, c := newTestReconciler(t, synth, denyAllImages{}, agent, testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	err := reconcileUntilSettled(t, r, key)
	if err == nil {
		t.Fatal("expected error for disallowed image")
	}

	got := &tesserav1alpha1.Agent{}
	if err := c.Get(context.Background(), key, got); err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status.Phase != PhaseError {
		t.Errorf("phase = %q, want %q", got.Status.Phase, PhaseError)
	}
}

func TestAgentReconcileScheduledMode(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	agent := testAgent()
	agent.Spec.ExecutionMode = "scheduled"
	agent.Spec.Schedule = "0 7 * * *"
	r, c := newTestReconciler(t, synth, allowAllImages{}, agent, testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if err := reconcileUntilSettled(t, r, key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	cron := &batchv1.CronJob{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "reporter-agent", Namespace: "default"}, cron); err != nil {
		t.Fatalf("cronjob missing: %v", err)
	}
	if cron.Spec.Schedule != "0 7 * * *" {
		t.Errorf("schedule = %q", cron.Spec.Schedule)
	}
}

func TestAgentReconcileFleetDefaults(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	agent := testAgent()
	agent.Spec.Models = nil
	agent.Spec.FleetRef = "reporting"
	fleet := &tesserav1alpha1.Fleet{
		ObjectMeta: metav1.ObjectMeta{Name: "reporting", Namespace: "default"},
		Spec: tesserav1alpha1.FleetSpec{
			DefaultModels: []string{"gpt-4o"},
			DefaultTools:  []string{"http-fetch"},
		},
	}
	tool := &tesserav1alpha1.Tool{
		ObjectMeta: metav1.ObjectMeta{Name: "http-fetch", Namespace: "default"},
		Status: tesserav1alpha1.ToolStatus{
			Functions: []tesserav1alpha1.ToolFunction{{Name: "fetch", Description: "Fetch a URL"}},
		},
	}
	r, _ := newTestReconciler(t, synth, allowAllImages{}, agent, testModel(), fleet, tool)
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if err := reconcileUntilSettled(t, r, key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(synth.requests) != 1 {
		t.Fatalf("synthesizer called %d times, want 1", len(synth.requests))
	}
	req := synth.requests[0]
	if len(req.Models) != 1 || req.Models[0] != "gpt-4o" {
		t.Errorf("fleet default model not applied: %v", req.Models)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "http-fetch" {
		t.Errorf("fleet default tool catalog not applied: %+v", req.Tools)
	}
}

func TestAgentDeletionRemovesFinalizer(t *testing.T) {
	synth := &fakeSynthesizer{code: validAgentCode}
	agent := testAgent()
	agent.Finalizers = []string{FinalizerName}
	now := metav1.Now()
	agent.DeletionTimestamp = &now
	r, c := newTestReconciler(t, synth, allowAllImages{}, agent, testModel())
	key := types.NamespacedName{Name: "reporter", Namespace: "default"}

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := &tesserav1alpha1.Agent{}
	err := c.Get(context.Background(), key, got)
	if err == nil && len(got.Finalizers) != 0 {
		t.Errorf("finalizer not removed: %v", got.Finalizers)
	}
}
