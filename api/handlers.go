package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/callback"
)

// DueInject summarizes one selected inject.
type DueInject struct {
	InjectID     string `json:"inject_id"`
	InjectorType string `json:"injector_type"`
	ExerciseID   string `json:"exercise_id,omitempty"`
	Atomic       bool   `json:"atomic"`
	Users        int    `json:"users"`
	Assets       int    `json:"assets"`
	AssetGroups  int    `json:"asset_groups"`
}

// BulkTestRequest is the body of POST /injects/test.
type BulkTestRequest struct {
	InjectIDs []string `json:"inject_ids"`
}

// CallbackResponse is the body returned by POST /callbacks.
type CallbackResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) postDue(w http.ResponseWriter, r *http.Request) {
	due, err := s.opts.Selector.InjectsToRun(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]DueInject, 0, len(due))
	for _, ei := range due {
		d := DueInject{
			InjectID:     ei.ID(),
			InjectorType: ei.InjectorType(),
			Atomic:       ei.Atomic,
			Users:        len(ei.Users),
			Assets:       len(ei.Assets),
			AssetGroups:  len(ei.AssetGroups),
		}
		if ei.Exercise != nil {
			d.ExerciseID = ei.Exercise.ID
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postTest(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Tester.Test(r.Context(), chi.URLParam(r, "injectID"))
	if err != nil && st == nil {
		s.writeError(w, r, err)
		return
	}
	// An executor failure is already recorded in the returned status.
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) postBulkTest(w http.ResponseWriter, r *http.Request) {
	var req BulkTestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, injector.NewValidationError("api.BulkTest", err))
		return
	}
	if len(req.InjectIDs) == 0 {
		s.writeError(w, r, injector.NewValidationError("api.BulkTest", errors.New("inject_ids is required")))
		return
	}
	statuses, err := s.opts.Tester.BulkTest(r.Context(), req.InjectIDs)
	if err != nil && len(statuses) == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("bulk test partially failed", "error", err)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) deleteTest(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Tester.DeleteTest(r.Context(), chi.URLParam(r, "statusID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postCallbacks(w http.ResponseWriter, r *http.Request) {
	cbs, err := callback.Decode(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes), r.Header.Get("Content-Encoding"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var resp CallbackResponse
	for _, cb := range cbs {
		if err := s.opts.Callbacks.Ingest(r.Context(), "http", cb); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Accepted++
	}

	code := http.StatusAccepted
	if resp.Accepted == 0 && resp.Rejected > 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: injector.KindOf(err)})
}

func statusCode(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, injector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, injector.ErrConflict):
		return http.StatusConflict
	}
	switch injector.KindOf(err) {
	case injector.KindValidation:
		return http.StatusBadRequest
	case injector.KindNotFound:
		return http.StatusNotFound
	case injector.KindConflict:
		return http.StatusConflict
	case injector.KindConfiguration:
		return http.StatusUnprocessableEntity
	case injector.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
