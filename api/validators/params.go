package validators

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

// ParseUUIDParam reads a required uuid from the chi route.
func ParseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	return parseUUID(chi.URLParam(r, key), key)
}

// ParseUUIDQuery reads a required uuid from the query string.
func ParseUUIDQuery(r *http.Request, key string) (uuid.UUID, error) {
	return parseUUID(r.URL.Query().Get(key), key)
}

func parseUUID(raw, key string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "identifier is required").WithDetails(map[string]any{"field": key})
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "identifier must be a uuid").WithDetails(map[string]any{"field": key})
	}
	return id, nil
}
