// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"time"
)

const (
	StagePullUnsynced = "pull_unsynced"
	StagePush         = "push"
	StagePullRemote   = "pull_remote"
	StageResolve      = "resolve"
	StageCommit       = "commit"
	StageRun          = "run"
)

type StageTiming struct {
	Category Category
	Stage    string
	Duration time.Duration
	Count    int
	Error    bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

type noopRecorder struct{}

func (noopRecorder) ObserveStage(context.Context, StageTiming) {}
