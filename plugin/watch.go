// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import "sort"

// Subscription delivers plugin state transitions. C receives an
// initial snapshot event per registered plugin, then every transition
// as it happens. The channel closes when the subscription or the
// manager closes.
type Subscription struct {
	C <-chan Event

	id      int
	manager *Manager
}

// watchBuffer bounds a subscriber's backlog. A subscriber that falls
// this far behind loses events; List recovers current state.
const watchBuffer = 128

// Watch subscribes to plugin state transitions.
func (m *Manager) Watch() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	channel := make(chan Event, watchBuffer)
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = channel

	// Seed with current state so the subscriber needs no separate
	// List-then-Watch dance.
	ids := make([]string, 0, len(m.plugins))
	for pluginID := range m.plugins {
		ids = append(ids, pluginID)
	}
	sort.Strings(ids)
	for _, pluginID := range ids {
		rec := m.plugins[pluginID]
		channel <- Event{PluginID: pluginID, State: rec.state, Error: rec.err}
	}

	return &Subscription{C: channel, id: id, manager: m}
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	if channel, ok := s.manager.watchers[s.id]; ok {
		delete(s.manager.watchers, s.id)
		close(channel)
	}
}

// emitLocked fans an event out to every subscriber. Sends never block:
// the manager's lifecycle must not hang on a stuck observer.
func (m *Manager) emitLocked(event Event) {
	for id, channel := range m.watchers {
		select {
		case channel <- event:
		default:
			m.logger.Warn("watch subscriber lagging, event dropped",
				"subscriber", id, "plugin", event.PluginID)
		}
	}
}
