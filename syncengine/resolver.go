// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "bytes"

// Winner names the side chosen by Resolve.
type Winner int

const (
	RemoteWins Winner = iota
	LocalWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Winner Winner
	Record Record
}

// Resolve picks between two versions of the same record with last-write-wins:
// the later LastModified wins; on a tie the higher SyncVersion, then the
// greater OriginID, then the greater payload. The choice depends only on the
// two versions, never on which side is local, so every replica converges.
//
// A remote win is Synced. A local win is Pending with its SyncVersion
// advanced past the remote one, so the follow-up push is accepted without
// shadowing remote history. SyncVersion never goes down.
func Resolve(local, remote Record) Resolution {
	top := max(local.SyncVersion, remote.SyncVersion)

	if compareVersions(local, remote) > 0 {
		out := local.withoutSyncMeta()
		out.SyncVersion = top + 1
		out.SyncState = StatePending
		return Resolution{Winner: LocalWins, Record: out}
	}

	out := remote.withoutSyncMeta()
	out.OwnerID = local.OwnerID
	out.SyncVersion = top
	out.SyncState = StateSynced
	return Resolution{Winner: RemoteWins, Record: out}
}

// Supersedes reports whether a is the later write of the two versions under
// the same ordering Resolve uses.
func Supersedes(a, b Record) bool {
	return compareVersions(a, b) > 0
}

// compareVersions orders two versions of one record. Zero means they are
// indistinguishable and the remote is kept.
func compareVersions(a, b Record) int {
	switch {
	case a.LastModified > b.LastModified:
		return 1
	case a.LastModified < b.LastModified:
		return -1
	case a.SyncVersion > b.SyncVersion:
		return 1
	case a.SyncVersion < b.SyncVersion:
		return -1
	case a.OriginID > b.OriginID:
		return 1
	case a.OriginID < b.OriginID:
		return -1
	case a.Deleted != b.Deleted:
		// a tombstone beats a live version written at the same instant
		if a.Deleted {
			return 1
		}
		return -1
	}
	return bytes.Compare(a.Payload, b.Payload)
}
