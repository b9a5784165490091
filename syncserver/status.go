// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// statusAccepted creates a result for an accepted record with its new version
func statusAccepted(id string, newVer int64) PushResultDTO {
	return PushResultDTO{
		ID:         id,
		Status:     StAccepted,
		NewVersion: newVer,
	}
}

// ResultFromDecision maps a Decide outcome onto the wire result
func ResultFromDecision(id string, d Decision) PushResultDTO {
	if d.Accepted {
		return statusAccepted(id, d.NewVersion)
	}
	st := PushResultDTO{
		ID:      id,
		Status:  StRejected,
		Reason:  d.Reason,
		Message: d.Message,
	}
	if d.Current != nil {
		remote := FromRecord(*d.Current)
		st.Remote = &remote
	}
	return st
}

// statusInvalid creates a result for a record refused on validation
func statusInvalid(id, msg string) PushResultDTO {
	return PushResultDTO{
		ID:      id,
		Status:  StRejected,
		Reason:  ReasonInvalidPayload,
		Message: msg,
	}
}
