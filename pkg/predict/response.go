package predict

import (
	"encoding/json"
	"errors"
	"net/http"

	smerrors "kubegems.io/smdeploy/pkg/errors"
)

func ResponseError(w http.ResponseWriter, err error) {
	info := smerrors.ErrorInfo{}
	if !errors.As(err, &info) {
		info = smerrors.ErrorInfo{
			HttpStatus: http.StatusBadGateway,
			Code:       smerrors.ErrCodeUnknow,
			Message:    err.Error(),
			Detail:     err.Error(),
		}
	}
	if info.HttpStatus == 0 {
		info.HttpStatus = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(info.HttpStatus)
	json.NewEncoder(w).Encode(info)
}

func ResponseOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
