// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "errors"

// Triggers adapts application events to coordinator runs. Every event maps
// to TriggerNow; the coordinator coalesces bursts.
type Triggers struct {
	c *Coordinator
}

// NewTriggers returns the event adapters of c.
func NewTriggers(c *Coordinator) *Triggers {
	return &Triggers{c: c}
}

// ConnectivityRestored syncs every category after the network came back.
func (t *Triggers) ConnectivityRestored(ownerID string) {
	t.fire("connectivity_restored", ownerID)
}

// LocalMutation syncs the category of a record that was just written locally.
// Its signature matches the store mutation hook.
func (t *Triggers) LocalMutation(ownerID string, category Category) {
	t.fire("local_mutation", ownerID, category)
}

// UserRefresh syncs every category on explicit user request.
func (t *Triggers) UserRefresh(ownerID string) {
	t.fire("user_refresh", ownerID)
}

func (t *Triggers) fire(event, ownerID string, categories ...Category) {
	err := t.c.TriggerNow(ownerID, categories...)
	switch {
	case err == nil:
		t.c.logger.Debug("sync triggered", "event", event, "owner", ownerID)
	case errors.Is(err, ErrClosed):
	default:
		t.c.logger.Warn("sync trigger rejected", "event", event, "owner", ownerID, "error", err)
	}
}
