// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package memremote

import (
	"context"
	"errors"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/Valentin5643/Liftrix/syncserver"
)

// Gateway is a syncengine.Gateway talking to a Remote as one device.
type Gateway struct {
	r        *Remote
	deviceID string
}

var _ syncengine.Gateway = (*Gateway)(nil)

// Gateway returns a gateway authenticated as deviceID.
func (r *Remote) Gateway(deviceID string) *Gateway {
	return &Gateway{r: r, deviceID: deviceID}
}

func (g *Gateway) Push(ctx context.Context, ownerID string, category syncengine.Category, batch []syncengine.Record) ([]syncengine.PushResult, error) {
	if err := g.r.beforePush(ctx, category); err != nil {
		return nil, err
	}
	req := &syncserver.PushRequest{Category: string(category), Records: make([]syncserver.WireRecord, len(batch))}
	for i, rec := range batch {
		req.Records[i] = syncserver.FromRecord(rec)
	}
	resp, err := g.r.Push(ctx, ownerID, g.deviceID, req)
	if err != nil {
		return nil, classify("push", err)
	}
	out := make([]syncengine.PushResult, len(resp.Results))
	for i, res := range resp.Results {
		out[i] = res.ToPushResult(ownerID)
	}
	return out, nil
}

func (g *Gateway) PullSince(ctx context.Context, ownerID string, category syncengine.Category, since int64, limit int) (syncengine.Page, error) {
	if err := g.r.beforePull(); err != nil {
		return syncengine.Page{}, err
	}
	resp, err := g.r.Pull(ctx, ownerID, string(category), since, limit)
	if err != nil {
		return syncengine.Page{}, classify("pull", err)
	}
	return resp.ToPage(ownerID), nil
}

// classify maps backend errors the way an HTTP client would see them.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, syncserver.ErrUnregisteredCategory),
		errors.Is(err, syncserver.ErrBatchTooLarge),
		errors.Is(err, syncserver.ErrNoOwner):
		return syncengine.Permanent(op, err)
	default:
		return syncengine.Retryable(op, err)
	}
}
