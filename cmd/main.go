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

package main

import (
	"context"
	"flag"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
	"github.com/tessera-ai/tessera/controllers"
	"github.com/tessera-ai/tessera/pkg/codecheck"
	"github.com/tessera-ai/tessera/pkg/mcp"
	"github.com/tessera-ai/tessera/pkg/registry"
	"github.com/tessera-ai/tessera/pkg/synthesis"
	"github.com/tessera-ai/tessera/pkg/telemetry"
	"github.com/tessera-ai/tessera/pkg/versions"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(tesserav1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var syncPeriod time.Duration
	var concurrency int
	var maxSynthesisPerHour int
	var maxCostPerDay float64
	var maxAttemptsPerDay int

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.DurationVar(&syncPeriod, "sync-period", 10*time.Minute, "The resync period for controllers.")
	flag.IntVar(&concurrency, "concurrency", 5, "The number of concurrent reconciles per controller.")
	flag.IntVar(&maxSynthesisPerHour, "max-synthesis-per-hour", 10,
		"Synthesis attempts allowed per namespace per hour.")
	flag.Float64Var(&maxCostPerDay, "max-cost-per-day", 10.0,
		"Synthesis spend allowed per namespace per day, in the model's currency. 0 disables the ceiling.")
	flag.IntVar(&maxAttemptsPerDay, "max-attempts-per-day", 100,
		"Synthesis attempts allowed per namespace per day. 0 disables the ceiling.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	ctx := context.Background()
	tracerProvider, err := telemetry.InitTracer(ctx)
	if err != nil {
		setupLog.Error(err, "failed to initialize OpenTelemetry, tracing disabled")
	} else if tracerProvider != nil {
		setupLog.Info("OpenTelemetry tracing enabled")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx, tracerProvider); err != nil {
				setupLog.Error(err, "failed to shut down OpenTelemetry TracerProvider")
			}
		}()
	} else {
		setupLog.Info("OpenTelemetry tracing disabled (OTEL_EXPORTER_OTLP_ENDPOINT not set)")
	}

	config := ctrl.GetConfigOrDie()
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes clientset")
		os.Exit(1)
	}

	// The registry allow-list hot-reloads from the operator ConfigMap; bad
	// updates keep the previous list.
	registryManager := registry.NewManager(clientset)
	if err := registryManager.Start(ctx); err != nil {
		setupLog.Error(err, "unable to start registry allow-list watcher")
		os.Exit(1)
	}
	defer registryManager.Stop()
	setupLog.Info("registry allow-list loaded", "registries", registryManager.Allowed())

	mgr, err := ctrl.NewManager(config, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "tessera.io",
		Cache: cache.Options{
			SyncPeriod: &syncPeriod,
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	validator := codecheck.NewValidator()
	versionStore := versions.NewStore(mgr.GetClient(), mgr.GetScheme(), ctrl.Log.WithName("versions"))
	rateLimiter := synthesis.NewRateLimiter(maxSynthesisPerHour, ctrl.Log.WithName("rate-limiter"))
	quotaManager := synthesis.NewQuotaManager(maxCostPerDay, maxAttemptsPerDay, ctrl.Log.WithName("quota-manager"))

	synthesizerFactory := func(ctx context.Context, c client.Client, m *tesserav1alpha1.Model, log logr.Logger) (controllers.CodeSynthesizer, error) {
		return synthesis.NewSynthesizerFromModel(ctx, c, m, log)
	}

	if err = (&controllers.AgentReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		Log:            ctrl.Log.WithName("controllers").WithName("Agent"),
		Recorder:       mgr.GetEventRecorderFor("agent-controller"),
		Registry:       registryManager,
		Validator:      validator,
		Versions:       versionStore,
		RateLimiter:    rateLimiter,
		Quotas:         quotaManager,
		NewSynthesizer: synthesizerFactory,
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Agent")
		os.Exit(1)
	}

	if err = (&controllers.HealingReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		Log:            ctrl.Log.WithName("controllers").WithName("Healing"),
		Recorder:       mgr.GetEventRecorderFor("healing-controller"),
		Clientset:      clientset,
		Validator:      validator,
		Versions:       versionStore,
		NewSynthesizer: synthesizerFactory,
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Healing")
		os.Exit(1)
	}

	if err = (&controllers.ModelReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Log:    ctrl.Log.WithName("controllers").WithName("Model"),
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Model")
		os.Exit(1)
	}

	if err = (&controllers.ToolReconciler{
		Client:    mgr.GetClient(),
		Scheme:    mgr.GetScheme(),
		Log:       ctrl.Log.WithName("controllers").WithName("Tool"),
		Discovery: mcp.NewClient(),
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Tool")
		os.Exit(1)
	}

	if err = (&controllers.PersonaReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Log:    ctrl.Log.WithName("controllers").WithName("Persona"),
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Persona")
		os.Exit(1)
	}

	if err = (&controllers.FleetReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Log:    ctrl.Log.WithName("controllers").WithName("Fleet"),
	}).SetupWithManager(mgr, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Fleet")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
