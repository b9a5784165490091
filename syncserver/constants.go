// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "github.com/Valentin5643/Liftrix/syncengine"

// Status constants for per-record push results
const (
	StAccepted = "accepted"
	StRejected = "rejected"
)

// Rejection reason constants, shared with clients
const (
	ReasonVersionMismatch      = syncengine.ReasonVersionMismatch
	ReasonInvalidPayload       = syncengine.ReasonInvalidPayload
	ReasonForbidden            = syncengine.ReasonForbidden
	ReasonUnregisteredCategory = syncengine.ReasonUnregisteredCategory
	ReasonTransient            = syncengine.ReasonTransient
)

// Error codes of ErrorResponse
const (
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeAuthenticationFailed = "authentication_failed"
	CodeInvalidRequest       = "invalid_request"
	CodeUnregisteredCategory = "unregistered_category"
	CodeBatchTooLarge        = "batch_too_large"
	CodeUnavailable          = "unavailable"
	CodePushFailed           = "push_failed"
	CodePullFailed           = "pull_failed"
)

const (
	DefaultPullLimit = 200
	MaxPullLimit     = 1000
)
