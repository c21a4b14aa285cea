/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package remotetest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// NewHandler serves the service over the HTTP wire spoken by remote.HTTPStore
func NewHandler(s *Service) http.Handler {
	h := &handler{svc: s}

	r := mux.NewRouter()
	r.HandleFunc("/v1/version", h.checkVersion).Methods(http.MethodGet)
	r.HandleFunc("/v1/user", h.getUser).Methods(http.MethodGet)
	r.HandleFunc("/v1/limits", h.getLimits).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync/state", h.getSyncState).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync/chunk", h.getSyncChunk).Methods(http.MethodGet)
	r.HandleFunc("/v1/linked/{guid}/sync/state", h.getLinkedSyncState).Methods(http.MethodGet)
	r.HandleFunc("/v1/linked/{guid}/sync/chunk", h.getLinkedSyncChunk).Methods(http.MethodGet)
	r.HandleFunc("/v1/notes/{guid}", h.getNote).Methods(http.MethodGet)
	r.HandleFunc("/v1/resources/{guid}", h.getResource).Methods(http.MethodGet)
	r.HandleFunc("/v1/shared/auth", h.sharedAuth).Methods(http.MethodPost)

	r.HandleFunc("/v1/tags", h.createTag).Methods(http.MethodPost)
	r.HandleFunc("/v1/tags/{guid}", h.updateTag).Methods(http.MethodPatch)
	r.HandleFunc("/v1/searches", h.createSavedSearch).Methods(http.MethodPost)
	r.HandleFunc("/v1/searches/{guid}", h.updateSavedSearch).Methods(http.MethodPatch)
	r.HandleFunc("/v1/notebooks", h.createNotebook).Methods(http.MethodPost)
	r.HandleFunc("/v1/notebooks/{guid}", h.updateNotebook).Methods(http.MethodPatch)
	r.HandleFunc("/v1/notes", h.createNote).Methods(http.MethodPost)
	r.HandleFunc("/v1/notes/{guid}", h.updateNote).Methods(http.MethodPatch)

	return r
}

type handler struct {
	svc *Service
}

func authFromRequest(r *http.Request) remote.Auth {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return remote.Auth{Token: token}
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleError maps the store errors to status codes
func handleError(w http.ResponseWriter, err error) {
	if d, ok := remote.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.Seconds())))
		http.Error(w, "rate limit reached", http.StatusTooManyRequests)
		return
	}

	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		http.Error(w, "authentication expired", http.StatusUnauthorized)
	case errors.Is(err, remote.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "decoding payload")
	}

	return nil
}

func (h *handler) checkVersion(w http.ResponseWriter, r *http.Request) {
	major := int(queryInt(r, "major"))
	minor := int(queryInt(r, "minor"))

	ok, err := h.svc.CheckVersion(r.Context(), r.URL.Query().Get("client"), major, minor)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, remote.CheckVersionResp{Compatible: ok})
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetUser(r.Context(), authFromRequest(r))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, u)
}

func (h *handler) getLimits(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.GetAccountLimits(r.Context(), authFromRequest(r), r.URL.Query().Get("service_level"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, l)
}

func (h *handler) getSyncState(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSyncState(r.Context(), authFromRequest(r))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, s)
}

func (h *handler) getSyncChunk(w http.ResponseWriter, r *http.Request) {
	filter := remote.ParseChunkFilter(r.URL.Query())
	c, err := h.svc.GetSyncChunk(r.Context(), authFromRequest(r), queryInt(r, "after_usn"), int(queryInt(r, "max_entries")), filter)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, c)
}

func (h *handler) getLinkedSyncState(w http.ResponseWriter, r *http.Request) {
	ln := models.LinkedNotebook{SyncMeta: models.SyncMeta{GUID: mux.Vars(r)["guid"]}}

	s, err := h.svc.GetLinkedNotebookSyncState(r.Context(), authFromRequest(r), ln)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, s)
}

func (h *handler) getLinkedSyncChunk(w http.ResponseWriter, r *http.Request) {
	ln := models.LinkedNotebook{SyncMeta: models.SyncMeta{GUID: mux.Vars(r)["guid"]}}

	c, err := h.svc.GetLinkedNotebookSyncChunk(r.Context(), authFromRequest(r), ln, queryInt(r, "after_usn"), int(queryInt(r, "max_entries")), queryBool(r, "full_sync_only"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, c)
}

func (h *handler) getNote(w http.ResponseWriter, r *http.Request) {
	opts := remote.NoteOptions{
		WithContent:       queryBool(r, "with_content"),
		WithResourcesData: queryBool(r, "with_resources_data"),
	}

	n, err := h.svc.GetNote(r.Context(), authFromRequest(r), mux.Vars(r)["guid"], opts)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, n)
}

func (h *handler) getResource(w http.ResponseWriter, r *http.Request) {
	opts := remote.ResourceOptions{
		WithData:       queryBool(r, "with_data"),
		WithAttributes: queryBool(r, "with_attributes"),
	}

	res, err := h.svc.GetResource(r.Context(), authFromRequest(r), mux.Vars(r)["guid"], opts)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, res)
}

func (h *handler) sharedAuth(w http.ResponseWriter, r *http.Request) {
	var p remote.SharedAuthPayload
	if err := decode(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.AuthenticateToSharedNotebook(r.Context(), authFromRequest(r), p.ShareKey)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, res)
}

func (h *handler) createTag(w http.ResponseWriter, r *http.Request) {
	var t models.Tag
	if err := decode(r, &t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateTag(r.Context(), authFromRequest(r), t)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, created)
}

func (h *handler) updateTag(w http.ResponseWriter, r *http.Request) {
	var t models.Tag
	if err := decode(r, &t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t.GUID = mux.Vars(r)["guid"]

	usn, err := h.svc.UpdateTag(r.Context(), authFromRequest(r), t)
	h.respondUSN(w, usn, err)
}

func (h *handler) createSavedSearch(w http.ResponseWriter, r *http.Request) {
	var ss models.SavedSearch
	if err := decode(r, &ss); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateSavedSearch(r.Context(), authFromRequest(r), ss)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, created)
}

func (h *handler) updateSavedSearch(w http.ResponseWriter, r *http.Request) {
	var ss models.SavedSearch
	if err := decode(r, &ss); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ss.GUID = mux.Vars(r)["guid"]

	usn, err := h.svc.UpdateSavedSearch(r.Context(), authFromRequest(r), ss)
	h.respondUSN(w, usn, err)
}

func (h *handler) createNotebook(w http.ResponseWriter, r *http.Request) {
	var n models.Notebook
	if err := decode(r, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateNotebook(r.Context(), authFromRequest(r), n)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, created)
}

func (h *handler) updateNotebook(w http.ResponseWriter, r *http.Request) {
	var n models.Notebook
	if err := decode(r, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.GUID = mux.Vars(r)["guid"]

	usn, err := h.svc.UpdateNotebook(r.Context(), authFromRequest(r), n)
	h.respondUSN(w, usn, err)
}

func (h *handler) createNote(w http.ResponseWriter, r *http.Request) {
	var n models.Note
	if err := decode(r, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateNote(r.Context(), authFromRequest(r), n)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, created)
}

func (h *handler) updateNote(w http.ResponseWriter, r *http.Request) {
	var n models.Note
	if err := decode(r, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.GUID = mux.Vars(r)["guid"]

	usn, err := h.svc.UpdateNote(r.Context(), authFromRequest(r), n)
	h.respondUSN(w, usn, err)
}

func (h *handler) respondUSN(w http.ResponseWriter, usn int64, err error) {
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, remote.UpdateResp{USN: usn})
}

