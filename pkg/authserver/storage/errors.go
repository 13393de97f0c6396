// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a requested record does not exist or has expired.
	ErrNotFound = httperr.WithCode(
		errors.New("record not found"),
		http.StatusNotFound,
	)

	// ErrAlreadyExists is returned when a record with the same key already exists.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("record already exists"),
		http.StatusConflict,
	)

	// ErrCodeReplayed is returned by ConsumeAuthorizationCode when the code was
	// already consumed. The consumed record is returned alongside it so the
	// caller can revoke tokens derived from it.
	ErrCodeReplayed = httperr.WithCode(
		errors.New("authorization code already consumed"),
		http.StatusBadRequest,
	)

	// ErrInvalidRecord is returned when a write is missing its key fields.
	ErrInvalidRecord = httperr.WithCode(
		errors.New("invalid record"),
		http.StatusBadRequest,
	)
)
