package apitypesv1

import (
	"context"
	"io"
	"net/http"

	"github.com/fulldump/box"
	json2 "github.com/go-json-experiment/json"

	"github.com/fulldump/framedb/service"
)

// find streams the matching rows as one JSON object per line.
func find(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	requestBody, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	query := service.NewFindQuery()
	if len(requestBody) > 0 {
		err = json2.Unmarshal(requestBody, query)
		if err != nil {
			return err
		}
	}

	s := GetServicer(ctx)
	typeID := box.GetUrlParameter(ctx, "typeId")

	// resolve the type before the first row is written
	_, err = s.GetType(typeID)
	if err != nil {
		return err
	}

	return s.Find(typeID, query, writeRow(w))
}

func writeRow(w http.ResponseWriter) func(row service.JSON) error {
	return func(row service.JSON) error {
		data, err := json2.Marshal(row, json2.Deterministic(true))
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}
}
