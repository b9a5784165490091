// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"fmt"

	"github.com/Valentin5643/Liftrix/syncengine"
)

// Decision is the outcome of Decide for one pushed record.
type Decision struct {
	Accepted bool
	// Idempotent marks a replay of content the remote already stores; nothing
	// is written and NewVersion is the stored version.
	Idempotent bool
	NewVersion int64
	// Stored is the record to persist when Accepted and not Idempotent.
	Stored syncengine.Record

	Reason  string
	Message string
	// Current is the stored record returned with a version mismatch.
	Current *syncengine.Record
}

// Decide applies the remote acceptance rule to one pushed record. A record is
// accepted when its base SyncVersion is ahead of the stored one, or equal to
// it and the incoming write supersedes the stored one; the stored version
// becomes base+1. current is nil when the record does not exist yet.
//
// An equal base is ambiguous: it is either an edit on top of the stored
// version, or a local conflict win advanced to the same number another device
// was just given. Last-write-wins settles both cases, since an edit made on top
// of a version is always stamped later than it.
func Decide(category string, current *syncengine.Record, incoming syncengine.Record) Decision {
	switch {
	case incoming.ID == "":
		return reject(ReasonInvalidPayload, "missing id")
	case incoming.Category != "" && string(incoming.Category) != category:
		return reject(ReasonInvalidPayload, fmt.Sprintf("record category %q does not match batch category %q", incoming.Category, category))
	case !incoming.Deleted && !json.Valid(incoming.Payload):
		return reject(ReasonInvalidPayload, "payload is not valid JSON")
	case incoming.SyncVersion < 0:
		return reject(ReasonInvalidPayload, "negative sync version")
	}

	if current != nil {
		if string(current.Category) != category {
			return reject(ReasonInvalidPayload, fmt.Sprintf("id already used in category %q", current.Category))
		}
		if incoming.SyncVersion <= current.SyncVersion {
			if current.SameContent(incoming) {
				return Decision{Accepted: true, Idempotent: true, NewVersion: current.SyncVersion}
			}
			if incoming.SyncVersion < current.SyncVersion {
				return mismatch(current, fmt.Sprintf("base version %d is behind %d", incoming.SyncVersion, current.SyncVersion))
			}
			if !syncengine.Supersedes(incoming, *current) {
				return mismatch(current, fmt.Sprintf("version %d holds a later write", current.SyncVersion))
			}
		}
	}

	stored := incoming.Clone()
	stored.Category = syncengine.Category(category)
	stored.SyncVersion = incoming.SyncVersion + 1
	stored.SyncState = syncengine.StateSynced
	stored.Remote = nil
	stored.FailReason = ""
	return Decision{Accepted: true, NewVersion: stored.SyncVersion, Stored: stored}
}

func mismatch(current *syncengine.Record, msg string) Decision {
	cur := current.Clone()
	return Decision{Reason: ReasonVersionMismatch, Message: msg, Current: &cur}
}

func reject(reason, msg string) Decision {
	return Decision{Reason: reason, Message: msg}
}
