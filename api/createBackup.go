package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fulldump/framedb/api/apitypesv1"
)

type createBackupRequest struct {
	Dir string `json:"dir"`
}

type createBackupResponse struct {
	Dir string `json:"dir"`
}

func createBackup(ctx context.Context, w http.ResponseWriter, input *createBackupRequest) (*createBackupResponse, error) {

	name := input.Dir
	if name == "" {
		name = time.Now().UTC().Format("20060102-150405")
	}

	dir, err := apitypesv1.GetServicer(ctx).RequestBackup(name)
	if err != nil {
		return nil, err
	}

	w.WriteHeader(http.StatusAccepted)

	return &createBackupResponse{
		Dir: dir,
	}, nil
}
