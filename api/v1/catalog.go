package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"atelier/internal/errs"
	"atelier/internal/gateway/handlers"
)

// HandleGetCatalog returns the catalog delivery. Clients may send the last
// seen hash in If-None-Match to skip an unchanged catalog.
func (r *Router) HandleGetCatalog(w http.ResponseWriter, req *http.Request) {
	if r.catalogs == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Tool catalog not available")
		return
	}

	cat, err := r.catalogs.Get()
	if err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		return
	}

	d := cat.Delivery()
	etag := `"` + d.Hash + `"`
	w.Header().Set("ETag", etag)
	if req.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	warnings := make([]string, 0, len(cat.Warnings))
	for _, wn := range cat.Warnings {
		warnings = append(warnings, wn.String())
	}

	handlers.SendJSON(w, http.StatusOK, CatalogResponse{
		Version:        d.Version,
		Hash:           d.Hash,
		Count:          d.Count,
		PromptList:     d.PromptList,
		FunctionSchema: d.FunctionSchema,
		Warnings:       warnings,
		BuiltAt:        cat.BuiltAt,
	})
}

// HandleGetTool returns one tool of the current catalog.
func (r *Router) HandleGetTool(w http.ResponseWriter, req *http.Request) {
	if r.catalogs == nil {
		handlers.SendError(w, http.StatusNotFound, ErrCodeNotFound, "Tool catalog not available")
		return
	}
	cat, err := r.catalogs.Get()
	if err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		return
	}

	spec, ok := cat.Lookup(mux.Vars(req)["name"])
	if !ok {
		handlers.SendError(w, http.StatusNotFound, ErrCodeNotFound, "Tool not found")
		return
	}
	handlers.SendJSON(w, http.StatusOK, spec)
}

// HandleValidateTool checks arguments against a tool's schema without
// dispatching anything.
func (r *Router) HandleValidateTool(w http.ResponseWriter, req *http.Request) {
	if r.catalogs == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Tool catalog not available")
		return
	}
	cat, err := r.catalogs.Get()
	if err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		return
	}

	var body ValidateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if _, err := cat.ValidateRaw(mux.Vars(req)["name"], body.Args); err != nil {
		var valErr *errs.ValidationError
		if !errors.As(err, &valErr) {
			sendDomainError(w, err)
			return
		}
		handlers.SendJSON(w, http.StatusOK, ValidateResponse{
			Valid:      false,
			Reason:     valErr.Reason,
			Violations: valErr.Violations,
		})
		return
	}
	handlers.SendJSON(w, http.StatusOK, ValidateResponse{Valid: true})
}
