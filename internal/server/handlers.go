package server

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/model"
)

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.app.Status(r.Context())
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, s.app.Rotation.History())
	}
}

func (s *Server) handleBackends() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, s.app.Backends())
	}
}

type registerRequest struct {
	Label      string           `json:"label"`
	Descriptor model.Descriptor `json:"descriptor"`
}

func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		o, b := s.app.RegisterBackend(r.Context(), req.Label, req.Descriptor)
		if !o.Success {
			sendOutcome(w, o, nil)
			return
		}
		b.Descriptor = b.Descriptor.Redacted()
		sendJSON(w, http.StatusCreated, map[string]any{"outcome": o, "backend": b})
	}
}

func (s *Server) handleActivate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o := s.app.ActivateBackend(r.Context(), mux.Vars(r)["id"])
		sendOutcome(w, o, nil)
	}
}

func (s *Server) handleRemove() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retired, err := s.app.Rotation.RemoveBackend(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, map[string]any{"retired": retired})
	}
}

func (s *Server) handleRotate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, entry := s.app.ForceRotation(r.Context())
		sendOutcome(w, o, entry)
	}
}

func (s *Server) handleReplicate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, to := q.Get("from"), q.Get("to")
		if from == "" || to == "" {
			sendError(w, http.StatusBadRequest, "from and to are required")
			return
		}
		ctx, cancel := s.passContext(r)
		defer cancel()
		o, res := s.app.Replicate(ctx, from, to)
		sendOutcome(w, o, res)
	}
}

func (s *Server) handleDrain() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.passContext(r)
		defer cancel()
		res, started, err := s.app.Drainer.StartDrain(ctx)
		if err != nil {
			sendErr(w, err)
			return
		}
		if !started {
			sendJSON(w, http.StatusConflict, map[string]any{"started": false})
			return
		}
		sendJSON(w, http.StatusOK, map[string]any{"started": true, "result": res})
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		ctx, cancel := s.passContext(r)
		defer cancel()
		res, err := s.app.Bulk.PerformFullSync(ctx, force)
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var states []model.OpState
		for _, st := range r.URL.Query()["state"] {
			states = append(states, model.OpState(st))
		}
		ops, err := s.app.Store.ListOperations(r.Context(), states...)
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, ops)
	}
}

func (s *Server) handleCacheList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coll := mux.Vars(r)["collection"]
		q := r.URL.Query()
		var (
			recs []model.Record
			err  error
		)
		if field := q.Get("field"); field != "" {
			recs, err = s.app.Store.GetByIndex(r.Context(), coll, field, q.Get("value"))
		} else {
			recs, err = s.app.Store.GetAll(r.Context(), coll)
		}
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, recs)
	}
}

func (s *Server) handleCacheGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		rec, err := s.app.Store.Get(r.Context(), vars["collection"], vars["id"])
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleCacheClear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendOutcome(w, s.app.ClearCache(r.Context()), nil)
	}
}

func (s *Server) handleAdd() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		op, err := s.app.Writer.Add(r.Context(), vars["collection"], vars["id"], fields)
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusAccepted, op)
	}
}

func (s *Server) handleUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		op, err := s.app.Writer.Update(r.Context(), vars["collection"], vars["id"], fields)
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusAccepted, op)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		op, err := s.app.Writer.Delete(r.Context(), vars["collection"], vars["id"])
		if err != nil {
			sendErr(w, err)
			return
		}
		sendJSON(w, http.StatusAccepted, op)
	}
}

// handleConnectivity accepts platform online/offline notifications.
func (s *Server) handleConnectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online, err := strconv.ParseBool(r.URL.Query().Get("online"))
		if err != nil {
			sendError(w, http.StatusBadRequest, "online must be true or false")
			return
		}
		s.app.Monitor.Signal(online)
		sendJSON(w, http.StatusOK, s.app.Monitor.Status())
	}
}

// decodeFields reads a JSON object body, keeping numbers exact.
func decodeFields(w http.ResponseWriter, r *http.Request) (model.Fields, bool) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var fields model.Fields
	if err := dec.Decode(&fields); err != nil {
		sendError(w, http.StatusBadRequest, "invalid document body: "+err.Error())
		return nil, false
	}
	return fields, true
}

func sendOutcome(w http.ResponseWriter, o app.Outcome, data any) {
	status := http.StatusOK
	if !o.Success {
		status = statusFor(model.ErrorCode(o.Code))
	}
	if data == nil {
		sendJSON(w, status, o)
		return
	}
	sendJSON(w, status, map[string]any{"outcome": o, "result": data})
}

func sendErr(w http.ResponseWriter, err error) {
	code := model.CodeOf(err)
	sendJSON(w, statusFor(code), map[string]string{"error": err.Error(), "code": string(code)})
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.CodeNotFound, model.CodeUnknownBackend:
		return http.StatusNotFound
	case model.CodeInvalidArgument, model.CodeInvalidReplicationPair:
		return http.StatusBadRequest
	case model.CodeConnectionTestFailed, model.CodeRemoteUnreachable:
		return http.StatusBadGateway
	case model.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to marshal JSON"}`))
		return
	}
	w.WriteHeader(status)
	w.Write(body)
}
