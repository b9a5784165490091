// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package memremote

import (
	"context"

	"github.com/Valentin5643/Liftrix/syncengine"
)

// FailPushes makes the next len(errs) push calls fail, in order, before they
// reach the store.
func (r *Remote) FailPushes(errs ...error) {
	r.mu.Lock()
	r.pushFailures = append(r.pushFailures, errs...)
	r.mu.Unlock()
}

// FailPulls makes the next len(errs) pull calls fail, in order.
func (r *Remote) FailPulls(errs ...error) {
	r.mu.Lock()
	r.pullFailures = append(r.pullFailures, errs...)
	r.mu.Unlock()
}

// Reject makes every push of ids fail with reason until cleared.
func (r *Remote) Reject(reason string, ids ...string) {
	r.mu.Lock()
	for _, id := range ids {
		r.rejections[id] = reason
	}
	r.mu.Unlock()
}

// ClearRejections removes all forced rejections.
func (r *Remote) ClearRejections() {
	r.mu.Lock()
	r.rejections = make(map[string]string)
	r.mu.Unlock()
}

// SetPushHook installs fn, called at the start of every push call outside the
// lock. A hook may block on ctx to simulate a slow network.
func (r *Remote) SetPushHook(fn func(ctx context.Context, category syncengine.Category) error) {
	r.mu.Lock()
	r.pushHook = fn
	r.mu.Unlock()
}

// PushCalls returns the number of push calls seen, failed ones included.
func (r *Remote) PushCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushCalls
}

// PullCalls returns the number of pull calls seen, failed ones included.
func (r *Remote) PullCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullCalls
}

func (r *Remote) beforePush(ctx context.Context, category syncengine.Category) error {
	r.mu.Lock()
	r.pushCalls++
	hook := r.pushHook
	var injected error
	if len(r.pushFailures) > 0 {
		injected = r.pushFailures[0]
		r.pushFailures = r.pushFailures[1:]
	}
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, category); err != nil {
			return err
		}
	}
	return injected
}

func (r *Remote) beforePull() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullCalls++
	if len(r.pullFailures) > 0 {
		err := r.pullFailures[0]
		r.pullFailures = r.pullFailures[1:]
		return err
	}
	return nil
}
