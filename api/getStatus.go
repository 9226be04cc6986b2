package api

import (
	"context"

	"github.com/fulldump/framedb/api/apitypesv1"
	"github.com/fulldump/framedb/service"
)

func getStatus(ctx context.Context) (*service.Status, error) {
	return apitypesv1.GetServicer(ctx).Status(), nil
}
