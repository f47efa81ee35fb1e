// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/model"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.ErrorEnvelope{
		Error:     msg,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGatewayError maps internal/gateway's error taxonomy onto the HTTP
// surface's status codes.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	switch err.(type) {
	case gateway.ErrValidation:
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	case gateway.ErrQuotaExceeded:
		writeError(w, r, http.StatusTooManyRequests, model.CodeQuotaExceeded, err.Error())
		return
	}
	if err == gateway.ErrTooManyDeltas {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.CodeBadRequest, err.Error())
		return
	}
	writeError(w, r, http.StatusInternalServerError, model.CodeInternalError, err.Error())
}
