package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/outpost/internal/model"
)

// schemaContextKey is the context key for the resolved model schema.
type schemaContextKey struct{}

// ErrNoSchemaInContext indicates no model schema was found in the context.
var ErrNoSchemaInContext = errors.New("no model schema in context")

// WithSchema returns a new context with the model schema attached.
func WithSchema(ctx context.Context, s model.ModelSchema) context.Context {
	return context.WithValue(ctx, schemaContextKey{}, s)
}

// SchemaFromContext extracts the model schema from the context.
func SchemaFromContext(ctx context.Context) (model.ModelSchema, error) {
	s, ok := ctx.Value(schemaContextKey{}).(model.ModelSchema)
	if !ok {
		return model.ModelSchema{}, ErrNoSchemaInContext
	}
	return s, nil
}

// MustSchemaFromContext extracts the schema or panics.
// Use only behind ModelMiddleware.
func MustSchemaFromContext(ctx context.Context) model.ModelSchema {
	s, err := SchemaFromContext(ctx)
	if err != nil {
		panic("model schema not in context: middleware misconfiguration")
	}
	return s
}

// ModelMiddleware resolves the {model} URL parameter against the registry.
// Unknown and system models get 404.
func ModelMiddleware(reg *model.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "model")
			s, ok := reg.Get(name)
			if !ok || model.IsSystemModel(name) {
				WriteProblem(w, r, http.StatusNotFound, "Unknown model: "+name)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSchema(r.Context(), s)))
		})
	}
}
