// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// errorBody is the RFC 6749 section 5.2 error response.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError writes err as an OAuth error response. Errors outside the
// taxonomy become server_error and their cause is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error, basicAttempted bool) {
	e := oautherrors.FromError(err)
	if e.Status >= http.StatusInternalServerError {
		logger.Errorw("request failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	if e.Kind == oautherrors.KindInvalidClient && basicAttempted {
		w.Header().Set("WWW-Authenticate", `Basic realm="tenantauth"`)
	}
	setNoStore(w)
	writeJSON(w, e.Status, errorBody{Error: e.Code, Description: e.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// Headers are already written, so an encoding error can only be logged.
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
