package apitypesv1

import (
	"context"

	"github.com/fulldump/framedb/database"
)

func listTypes(ctx context.Context) ([]database.TypeInfo, error) {
	return GetServicer(ctx).ListTypes(), nil
}
