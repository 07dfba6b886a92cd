package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
)

var schemaKinds = map[string]func() any{
	"guard-rules": func() any { return &safety.GuardRules{} },
	"persona":     func() any { return &persona.Config{} },
}

// handleSchema serves JSON Schema for the guardian-editable config types so
// dashboards can build forms from them.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	newValue, ok := schemaKinds[chi.URLParam(r, "kind")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_schema", "schema kind must be guard-rules or persona")
		return
	}
	reflector := &jsonschema.Reflector{DoNotReference: true}
	respondJSON(w, http.StatusOK, reflector.Reflect(newValue()))
}
