package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/acces/alumni-chat/internal/chat"
	"github.com/acces/alumni-chat/internal/identity"
)

type errorBody struct {
	Detail string `json:"detail"`
}

// editRequest requires the text field to be present. Blank text is left to
// the store, which reports a missing or foreign message first.
type editRequest struct {
	Text *string `json:"text" validate:"required"`
}

type successBody struct {
	Success bool   `json:"success"`
	Deleted *int64 `json:"deleted,omitempty"`
}

type onlineBody struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type healthBody struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Uptime      string `json:"uptime"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok", Uptime: time.Since(a.started).Round(time.Second).String()}
	if a.deps.Sessions != nil {
		body.Connections = a.deps.Sessions.Count()
		body.Users = a.deps.Sessions.Users()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	limit := chat.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "limit must be an integer"})
			return
		}
		limit = n
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	msgs, err := a.deps.Store.ListRecent(ctx, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleEdit(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req editRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "text is required"})
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	msg, err := a.deps.Store.Edit(ctx, mux.Vars(r)["id"], *req.Text, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Publisher.PublishUpdated(publishContext(r), msg); err != nil {
		markDegraded(w, "edit", msg.ID, err)
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	ctx, cancel := a.requestContext(r)
	defer cancel()

	if err := a.deps.Store.Delete(ctx, id, user.ID, user.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Publisher.PublishDeleted(publishContext(r), id); err != nil {
		markDegraded(w, "delete", id, err)
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	ctx, cancel := a.requestContext(r)
	defer cancel()

	n, err := a.deps.Store.ClearAll(ctx, user.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Publisher.PublishCleared(publishContext(r)); err != nil {
		markDegraded(w, "clear", "*", err)
	}
	log.Printf("[http] history cleared by user=%s deleted=%d", user.ID, n)
	writeJSON(w, http.StatusOK, successBody{Success: true, Deleted: &n})
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	if a.deps.Presence == nil {
		writeJSON(w, http.StatusOK, onlineBody{Users: []string{}})
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	users, err := a.deps.Presence.Online(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, onlineBody{Users: users, Count: len(users)})
}

func (a *API) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.config.RequestTimeout)
}

// publishContext outlives the request: once a mutation has committed, its
// broadcast must not be abandoned because the caller went away. The
// Publisher bounds the call with its own timeout.
func publishContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// markDegraded flags a response whose mutation is committed but was not
// broadcast. The status code stays 200.
func markDegraded(w http.ResponseWriter, op, id string, err error) {
	log.Printf("[http] %s %s committed but not broadcast: %v", op, id, err)
	w.Header().Set("Warning", DegradedWarning)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrAuthRejected):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Could not validate credentials"})
	case errors.Is(err, chat.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "Invalid message"})
	case errors.Is(err, chat.ErrEditWindowExpired):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "Edit window expired"})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Message not found"})
	case errors.Is(err, chat.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Detail: "Not allowed"})
	default:
		log.Printf("[http] internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
	}
}
