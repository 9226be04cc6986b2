package apitypesv1

import (
	"github.com/fulldump/box"

	"github.com/fulldump/framedb/service"
)

func BuildV1Types(v1 *box.R, s service.Servicer) *box.R {

	types := v1.Resource("/types").
		WithActions(
			box.Get(listTypes),
		)

	v1.Resource("/types/{typeId}").
		WithActions(
			box.Get(getType),
			box.ActionPost(find).WithName("find"),
		)

	return types
}
