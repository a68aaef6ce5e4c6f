package synthesis

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// QuotaManager enforces daily per-namespace ceilings on synthesis spend and
// attempt count. Counters reset on a rolling 24h boundary.
type QuotaManager struct {
	mu            sync.Mutex
	quotas        map[string]*namespaceQuota
	maxCostPerDay float64
	maxPerDay     int
	log           logr.Logger
}

type namespaceQuota struct {
	cost     float64
	attempts int
	resetAt  time.Time
}

// NewQuotaManager creates a quota manager. Zero values disable the
// corresponding ceiling.
func NewQuotaManager(maxCostPerDay float64, maxAttemptsPerDay int, log logr.Logger) *QuotaManager {
	return &QuotaManager{
		quotas:        make(map[string]*namespaceQuota),
		maxCostPerDay: maxCostPerDay,
		maxPerDay:     maxAttemptsPerDay,
		log:           log,
	}
}

// Check verifies that one more attempt with the estimated cost stays inside
// the namespace's daily quotas.
func (qm *QuotaManager) Check(namespace string, estimatedCost float64) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	q := qm.quota(namespace)

	if qm.maxPerDay > 0 && q.attempts >= qm.maxPerDay {
		return fmt.Errorf("daily synthesis quota exhausted for namespace %s: %d attempts", namespace, qm.maxPerDay)
	}
	if qm.maxCostPerDay > 0 && q.cost+estimatedCost > qm.maxCostPerDay {
		return fmt.Errorf("daily synthesis cost quota would be exceeded for namespace %s: spent %.4f of %.4f",
			namespace, q.cost, qm.maxCostPerDay)
	}
	return nil
}

// Record books a completed attempt against the namespace's quotas.
func (qm *QuotaManager) Record(namespace string, usage Usage) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	q := qm.quota(namespace)
	q.attempts++
	q.cost += usage.Cost

	qm.log.V(1).Info("synthesis quota updated",
		"namespace", namespace, "dailyAttempts", q.attempts, "dailyCost", q.cost)
}

// quota returns the namespace record, rolling the window if it expired.
// Caller holds qm.mu.
func (qm *QuotaManager) quota(namespace string) *namespaceQuota {
	q, ok := qm.quotas[namespace]
	if !ok || time.Now().After(q.resetAt) {
		q = &namespaceQuota{resetAt: time.Now().Add(24 * time.Hour)}
		qm.quotas[namespace] = q
	}
	return q
}
