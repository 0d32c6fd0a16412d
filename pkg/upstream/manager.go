// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"

	"github.com/elizaOS/mcp-gateway/pkg/config"
)

// Manager owns every upstream session. All map mutation is serialized
// behind mu; readers obtain snapshots and must not retain them across a
// CloseAll.
type Manager struct {
	factory TransportMaker
	logger  *slog.Logger

	maxConcurrent int

	// OnHealthPass, when set, runs after each health-check pass so the
	// registry can rebuild. Set before Initialize.
	OnHealthPass func()

	mu       sync.Mutex
	sessions map[string]*slot

	// order holds upstream ids in first-seen (config) order so snapshots
	// are deterministic; conflict resolution depends on it.
	order []string
}

// slot tracks one configured upstream across connect attempts. A slot with
// a nil session is parked in Disconnected or Error.
type slot struct {
	spec              *config.ServerSpec
	session           *Session
	state             State
	lastErr           error
	lastHealthCheckAt time.Time
}

// NewManager builds a manager. maxConcurrent caps parallel probes and
// reconnects; zero or negative means the default of 10.
func NewManager(factory TransportMaker, maxConcurrent int, logger *slog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrentConnections
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:       factory,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sessions:      make(map[string]*slot),
	}
}

// Initialize connects every enabled spec in parallel. Individual upstream
// failures park that upstream in Error without failing the gateway.
func (m *Manager) Initialize(ctx context.Context, specs []*config.ServerSpec) {
	var wg sync.WaitGroup
	for _, spec := range specs {
		if !spec.IsEnabled() {
			m.logger.Info("Skipping disabled upstream", "upstream", spec.ID)
			continue
		}
		m.setSlot(spec, nil, StateConnecting, nil)

		wg.Add(1)
		go func(spec *config.ServerSpec) {
			defer wg.Done()
			m.connectWithRetry(ctx, spec)
		}(spec)
	}
	wg.Wait()
}

// connectWithRetry dials with a constant-interval retry budget. Only
// transient failures are retried.
func (m *Manager) connectWithRetry(ctx context.Context, spec *config.ServerSpec) {
	attempts := spec.RetryAttempts
	if attempts <= 0 {
		attempts = config.DefaultRetryAttempts
	}
	delay := time.Duration(spec.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Duration(config.DefaultRetryDelayMs) * time.Millisecond
	}

	var session *Session
	op := func() error {
		s, err := connect(ctx, m.factory, spec, m.logger)
		if err != nil {
			var ue *UpstreamError
			if errors.As(err, &ue) && !ue.Transient {
				return backoff.Permanent(err)
			}
			m.logger.Warn("Upstream connect attempt failed", "upstream", spec.ID, "error", err)
			return err
		}
		session = s
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		m.logger.Error("Upstream connect failed", "upstream", spec.ID, "error", err)
		m.setSlot(spec, nil, StateError, err)
		return
	}

	m.logger.Info("Upstream connected",
		"upstream", spec.ID,
		"tools", session.caps.Tools,
		"resources", session.caps.Resources,
		"prompts", session.caps.Prompts)
	m.setSlot(spec, session, StateConnected, nil)
}

// HealthCheck probes connected sessions and reconnects parked ones, with
// the configured fan-out cap. Runs OnHealthPass afterward.
func (m *Manager) HealthCheck(ctx context.Context) {
	pool := pond.NewPool(m.maxConcurrent)
	group := pool.NewGroup()

	for _, sl := range m.snapshotSlots() {
		sl := sl
		switch sl.state {
		case StateConnected:
			group.Submit(func() {
				if err := sl.session.Probe(ctx); err != nil {
					m.logger.Warn("Upstream probe failed", "upstream", sl.spec.ID, "error", err)
					_ = sl.session.Close()
					m.setSlot(sl.spec, nil, StateDisconnected, err)
				}
				m.stampHealthCheck(sl.spec.ID)
			})
		case StateDisconnected, StateError:
			group.Submit(func() {
				m.connectWithRetry(ctx, sl.spec)
				m.stampHealthCheck(sl.spec.ID)
			})
		}
	}

	_ = group.Wait()
	pool.StopAndWait()

	if m.OnHealthPass != nil {
		m.OnHealthPass()
	}
}

// CloseAll closes every session best-effort. Errors are logged only.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sl := range m.sessions {
		if sl.session != nil {
			if err := sl.session.Close(); err != nil {
				m.logger.Warn("Failed to close upstream session", "upstream", id, "error", err)
			}
			sl.session = nil
		}
		sl.state = StateDisconnected
	}
}

// GetConnected returns a snapshot of sessions currently in Connected
// state, in config order.
func (m *Manager) GetConnected() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, id := range m.order {
		if sl := m.sessions[id]; sl.state == StateConnected && sl.session != nil {
			out = append(out, sl.session)
		}
	}
	return out
}

// Get returns the connected session for an upstream id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sl, ok := m.sessions[id]; ok && sl.state == StateConnected {
		return sl.session
	}
	return nil
}

// Stats summarizes per-upstream connection state.
func (m *Manager) Stats() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.sessions))
	for id, sl := range m.sessions {
		out[id] = string(sl.state)
	}
	return out
}

func (m *Manager) setSlot(spec *config.ServerSpec, session *Session, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.sessions[spec.ID]
	if !ok {
		sl = &slot{spec: spec}
		m.sessions[spec.ID] = sl
		m.order = append(m.order, spec.ID)
	}
	// Replacing a live session closes the old one first.
	if sl.session != nil && sl.session != session {
		_ = sl.session.Close()
	}
	sl.session = session
	sl.state = state
	sl.lastErr = err
	if session != nil {
		session.setState(state)
	}
}

func (m *Manager) stampHealthCheck(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sl, ok := m.sessions[id]; ok {
		sl.lastHealthCheckAt = time.Now()
	}
}

func (m *Manager) snapshotSlots() []*slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*slot, 0, len(m.sessions))
	for _, id := range m.order {
		sl := m.sessions[id]
		out = append(out, &slot{
			spec:    sl.spec,
			session: sl.session,
			state:   sl.state,
		})
	}
	return out
}
