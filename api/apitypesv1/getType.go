package apitypesv1

import (
	"context"

	"github.com/fulldump/box"

	"github.com/fulldump/framedb/database"
)

func getType(ctx context.Context) (*database.TypeInfo, error) {

	typeID := box.GetUrlParameter(ctx, "typeId")

	info, err := GetServicer(ctx).GetType(typeID)
	if err != nil {
		return nil, err
	}

	return &info, nil
}
