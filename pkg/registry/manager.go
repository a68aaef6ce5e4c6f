package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// ConfigMapName is the operator configuration ConfigMap watched for
	// allow-list changes.
	ConfigMapName = "tessera-operator-config"

	// RegistriesKey holds the newline-separated registry patterns.
	RegistriesKey = "allowed-registries"
)

// Manager holds the live registry allow-list, kept current by an informer on
// the operator configuration ConfigMap. Reads vastly outnumber writes, so a
// RWMutex guards the slice.
type Manager struct {
	clientset kubernetes.Interface
	namespace string
	allowed   []string
	mu        sync.RWMutex
	informer  cache.Controller
	stopCh    chan struct{}
}

// NewManager creates a Manager seeded with the default allow-list. The
// operator namespace comes from OPERATOR_NAMESPACE, defaulting to
// tessera-system.
func NewManager(clientset kubernetes.Interface) *Manager {
	namespace := os.Getenv("OPERATOR_NAMESPACE")
	if namespace == "" {
		namespace = "tessera-system"
	}

	return &Manager{
		clientset: clientset,
		namespace: namespace,
		allowed:   defaultAllowList(),
		stopCh:    make(chan struct{}),
	}
}

// Allowed returns a copy of the current allow-list.
func (m *Manager) Allowed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.allowed))
	copy(out, m.allowed)
	return out
}

// CheckImage validates an image reference against the live allow-list.
func (m *Manager) CheckImage(image string) error {
	return CheckImage(image, m.Allowed())
}

// Start loads the initial allow-list and begins watching the operator
// ConfigMap for changes. The watch runs until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("registry-allowlist")

	if err := m.load(ctx); err != nil {
		logger.Info("initial allow-list load failed, using defaults", "error", err.Error())
	}

	listWatch := cache.NewListWatchFromClient(
		m.clientset.CoreV1().RESTClient(),
		"configmaps",
		m.namespace,
		fields.OneTermEqualSelector("metadata.name", ConfigMapName),
	)

	_, controller := cache.NewInformer(
		listWatch,
		&v1.ConfigMap{},
		30*time.Second,
		cache.ResourceEventHandlerFuncs{
			AddFunc: func(obj interface{}) {
				if cm, ok := obj.(*v1.ConfigMap); ok {
					m.applyConfigMap(ctx, cm)
				}
			},
			UpdateFunc: func(oldObj, newObj interface{}) {
				if cm, ok := newObj.(*v1.ConfigMap); ok {
					m.applyConfigMap(ctx, cm)
				}
			},
			DeleteFunc: func(obj interface{}) {
				logger.Info("operator config deleted, reverting to default allow-list")
				m.resetToDefaults()
			},
		},
	)

	m.informer = controller

	go func() {
		logger.Info("starting allow-list watcher", "namespace", m.namespace)
		defer runtime.HandleCrash()
		m.informer.Run(m.stopCh)
	}()

	go func() {
		if !cache.WaitForCacheSync(m.stopCh, m.informer.HasSynced) {
			logger.Error(fmt.Errorf("cache sync failed"), "allow-list watcher did not sync")
		}
	}()

	return nil
}

// Stop terminates the watcher.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Manager) load(ctx context.Context) error {
	cm, err := m.clientset.CoreV1().ConfigMaps(m.namespace).Get(ctx, ConfigMapName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get %s ConfigMap: %w", ConfigMapName, err)
	}

	registries, err := parseConfigMap(cm.Data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.allowed = registries
	m.mu.Unlock()

	log.FromContext(ctx).WithName("registry-allowlist").Info("allow-list loaded",
		"count", len(registries), "registries", registries)
	return nil
}

// applyConfigMap swaps in a new allow-list from a watch event. A malformed
// ConfigMap leaves the previous list untouched: serving a stale list is
// safer than serving an empty one.
func (m *Manager) applyConfigMap(ctx context.Context, cm *v1.ConfigMap) {
	logger := log.FromContext(ctx).WithName("registry-allowlist")

	registries, err := parseConfigMap(cm.Data)
	if err != nil {
		logger.Error(err, "ignoring invalid operator config update")
		return
	}

	m.mu.Lock()
	oldCount := len(m.allowed)
	m.allowed = registries
	m.mu.Unlock()

	logger.Info("allow-list updated", "oldCount", oldCount, "newCount", len(registries))
}

func (m *Manager) resetToDefaults() {
	defaults := defaultAllowList()
	m.mu.Lock()
	m.allowed = defaults
	m.mu.Unlock()
}

// parseConfigMap validates the ConfigMap schema and extracts the registry
// list. Unknown keys are rejected outright so a typo like
// "allowed-registry" surfaces as an error instead of silently loosening
// nothing.
func parseConfigMap(data map[string]string) ([]string, error) {
	for key := range data {
		if key != RegistriesKey {
			return nil, fmt.Errorf("unknown field in ConfigMap: %s", key)
		}
	}

	raw, ok := data[RegistriesKey]
	if !ok {
		return nil, fmt.Errorf("%s key not found in ConfigMap", RegistriesKey)
	}

	var registries []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			registries = append(registries, line)
		}
	}

	if len(registries) == 0 {
		return nil, fmt.Errorf("no registries found")
	}

	return registries, nil
}

// defaultAllowList is the fallback when no operator config exists.
func defaultAllowList() []string {
	return []string{
		"docker.io",
		"gcr.io",
		"*.gcr.io",
		"quay.io",
		"ghcr.io",
		"registry.k8s.io",
	}
}
