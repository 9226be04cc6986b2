package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fulldump/box"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/fulldump/framedb/database"
	"github.com/fulldump/framedb/service"
)

type PrettyError struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

func writePrettyError(w http.ResponseWriter, status int, err error, description string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": PrettyError{
			Message:     err.Error(),
			Description: description,
		},
	})
}

func InterceptorUnavailable(db *database.Database) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {

			status := db.GetStatus()
			if status == database.StatusOpening {
				box.SetError(ctx, fmt.Errorf("temporary unavailable: opening: %w", database.ErrNotOpen))
				return
			}
			if status == database.StatusClosing {
				box.SetError(ctx, fmt.Errorf("temporary unavailable: closing: %w", database.ErrNotOpen))
				return
			}
			next(ctx)
		}
	}
}

func PrettyErrorInterceptor(next box.H) box.H {
	return func(ctx context.Context) {

		next(ctx)

		err := box.GetError(ctx)
		if err == nil {
			return
		}
		w := box.GetResponse(ctx)

		if errors.Is(err, database.ErrTypeNotFound) {
			writePrettyError(w, http.StatusNotFound, err, fmt.Sprintf("type '%s' not found", box.GetUrlParameter(ctx, "typeId")))
			return
		}

		if errors.Is(err, database.ErrIndexNotFound) {
			writePrettyError(w, http.StatusNotFound, err, "index not found")
			return
		}

		if errors.Is(err, database.ErrBadQuery) {
			writePrettyError(w, http.StatusBadRequest, err, "Bad query")
			return
		}

		if errors.Is(err, service.ErrorBackupInFlight) {
			writePrettyError(w, http.StatusConflict, err, "try again when the current backup finishes")
			return
		}

		if errors.Is(err, database.ErrNotOpen) {
			writePrettyError(w, http.StatusServiceUnavailable, err, "database is not operating")
			return
		}

		var syntaxError *json.SyntaxError
		var jsontextError *jsontext.SyntacticError
		if errors.As(err, &syntaxError) || errors.As(err, &jsontextError) {
			writePrettyError(w, http.StatusBadRequest, err, "Malformed JSON")
			return
		}

		writePrettyError(w, http.StatusInternalServerError, err, "Unexpected error")
	}
}
