package apitypesv1

import (
	"context"

	"github.com/fulldump/framedb/service"
)

const ContextServicerKey = "5c1f3a52-7b9e-11ef-8f3e-2f6d0c9a4b11"

func SetServicer(ctx context.Context, s service.Servicer) context.Context {
	return context.WithValue(ctx, ContextServicerKey, s)
}

func GetServicer(ctx context.Context) service.Servicer {
	return ctx.Value(ContextServicerKey).(service.Servicer)
}
