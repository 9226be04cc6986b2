package api

import (
	"context"

	"github.com/fulldump/box"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fulldump/framedb/api/apitypesv1"
	"github.com/fulldump/framedb/service"
)

func Build(s service.Servicer) *box.B {

	b := box.NewBox()

	v1 := b.Resource("/v1")

	v1.Resource("/status").
		WithActions(
			box.Get(getStatus),
		)

	v1.Resource("/backups").
		WithActions(
			box.Post(createBackup),
		)

	apitypesv1.BuildV1Types(v1, s)

	v1.WithInterceptors(
		injectServicer(s),
	)

	b.Resource("/metrics").
		WithActions(
			box.Get(promhttp.Handler().ServeHTTP).WithName("metrics"),
		)

	return b
}

func injectServicer(s service.Servicer) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {
			next(apitypesv1.SetServicer(ctx, s))
		}
	}
}
