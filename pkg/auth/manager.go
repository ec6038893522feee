package auth

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// Manager owns the driver registry, the token store, and the live policy
// enforcer. The enforcer is swapped atomically on reload so in-flight
// requests always see a complete, verified policy set.
type Manager struct {
	store    TokenStore
	policies *rbac.Store
	drivers  map[string]Driver
	order    []string
	enforcer atomic.Pointer[rbac.Enforcer]
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewManager creates an auth manager
func NewManager(store TokenStore, policies *rbac.Store, metrics *observability.Metrics, logger *observability.Logger) *Manager {
	return &Manager{
		store:    store,
		policies: policies,
		drivers:  make(map[string]Driver),
		metrics:  metrics,
		logger:   logger,
	}
}

// AddDriver registers a driver. Registering a name twice replaces the
// earlier driver, with a warning: the last configuration wins.
func (m *Manager) AddDriver(driver Driver) {
	name := driver.Name()
	if _, exists := m.drivers[name]; exists {
		m.logger.WithField("driver", name).Warn("driver configured twice, keeping the last configuration")
	} else {
		m.order = append(m.order, name)
	}
	m.drivers[name] = driver
}

// Driver returns a registered driver by name
func (m *Manager) Driver(name string) (Driver, bool) {
	driver, ok := m.drivers[name]
	return driver, ok
}

// Drivers returns the registered drivers in registration order
func (m *Manager) Drivers() []Driver {
	drivers := make([]Driver, 0, len(m.order))
	for _, name := range m.order {
		drivers = append(drivers, m.drivers[name])
	}
	return drivers
}

// TokenStore returns the configured token backend
func (m *Manager) TokenStore() TokenStore {
	return m.store
}

// ReloadPolicies rebuilds the enforcer from persisted policies and swaps it
// in. On any compile or verification error the previous enforcer stays live.
func (m *Manager) ReloadPolicies(ctx context.Context) error {
	policies, err := m.policies.ListPolicies(ctx)
	if err != nil {
		m.metrics.PolicyReloadsTotal.WithLabelValues("false", "error").Inc()
		return fmt.Errorf("failed to load policies: %w", err)
	}
	enforcer, err := rbac.NewEnforcer(policies)
	if err != nil {
		m.metrics.PolicyReloadsTotal.WithLabelValues("false", "error").Inc()
		return err
	}
	m.enforcer.Store(enforcer)
	m.metrics.PolicyReloadsTotal.WithLabelValues("false", "success").Inc()
	m.logger.WithField("policies", enforcer.Len()).Info("policies loaded")
	return nil
}

// DryRunPolicies compiles a candidate policy set without swapping it in
func (m *Manager) DryRunPolicies(policies []rbac.Policy) error {
	if _, err := rbac.NewEnforcer(policies); err != nil {
		m.metrics.PolicyReloadsTotal.WithLabelValues("true", "error").Inc()
		return err
	}
	m.metrics.PolicyReloadsTotal.WithLabelValues("true", "success").Inc()
	return nil
}

// Enforce evaluates the named policy against the requester. With no enforcer
// loaded every decision is a deny.
func (m *Manager) Enforce(policy string, target map[string]string, creds rbac.Credentials) bool {
	enforcer := m.enforcer.Load()
	if enforcer == nil {
		m.metrics.PolicyDecisionsTotal.WithLabelValues(policy, "deny").Inc()
		return false
	}
	allowed := enforcer.Enforce(policy, target, creds)
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.metrics.PolicyDecisionsTotal.WithLabelValues(policy, decision).Inc()
	return allowed
}
