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

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// clientRateLimitPerSecond is the max requests per second the client will make
	clientRateLimitPerSecond = 50
	// clientRateLimitBurst is the burst capacity for rate limiting
	clientRateLimitBurst = 100

	contentTypeApplicationJSON = "application/json"

	// HeaderClientVersion carries the version of the client making the request
	HeaderClientVersion = "Client-Version"
)

// rateLimitedTransport wraps an http.RoundTripper with rate limiting
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// NewRateLimitedHTTPClient creates an HTTP client with rate limiting
func NewRateLimitedHTTPClient() *http.Client {
	interval := time.Second / time.Duration(clientRateLimitPerSecond)

	transport := &rateLimitedTransport{
		transport: http.DefaultTransport,
		limiter:   rate.NewLimiter(rate.Every(interval), clientRateLimitBurst),
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Minute,
	}
}

// HTTPStore is a Store talking JSON over HTTP to the remote service
type HTTPStore struct {
	endpoint   string
	version    string
	httpClient *http.Client
}

// NewHTTPStore returns a store for the service at the given endpoint. A nil
// client is replaced by a rate limited one.
func NewHTTPStore(endpoint, version string, hc *http.Client) *HTTPStore {
	if hc == nil {
		hc = NewRateLimitedHTTPClient()
	}

	return &HTTPStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		version:    version,
		httpClient: hc,
	}
}

func (s *HTTPStore) getReq(ctx context.Context, auth Auth, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	base := s.endpoint
	if auth.NoteStoreURL != "" {
		base = strings.TrimRight(auth.NoteStoreURL, "/")
	}

	endpoint := fmt.Sprintf("%s%s", base, path)
	if len(query) > 0 {
		endpoint = fmt.Sprintf("%s?%s", endpoint, query.Encode())
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling payload")
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, errors.Wrap(err, "constructing http request")
	}

	req.Header.Set(HeaderClientVersion, s.version)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeApplicationJSON)
	}
	if auth.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", auth.Token))
	}

	return req, nil
}

// parseRetryAfter reads the Retry-After header as a number of seconds. A
// missing or malformed value yields zero.
func parseRetryAfter(res *http.Response) time.Duration {
	v := res.Header.Get("Retry-After")
	if v == "" {
		return 0
	}

	sec, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}

	return time.Duration(sec) * time.Second
}

// checkRespErr maps an error response to the error taxonomy of the store
func checkRespErr(res *http.Response) error {
	if res.StatusCode < 400 {
		return nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "server responded with %d but client could not read the response body", res.StatusCode)
	}
	msg := strings.TrimRight(string(body), "\n")

	switch res.StatusCode {
	case http.StatusTooManyRequests:
		return &RateLimitError{Duration: parseRetryAfter(res)}
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusConflict:
		return errors.Wrap(ErrConflict, msg)
	}

	return &HTTPError{
		StatusCode: res.StatusCode,
		Message:    msg,
	}
}

func checkContentType(res *http.Response) error {
	got := res.Header.Get("Content-Type")
	if !strings.HasPrefix(got, contentTypeApplicationJSON) {
		return errors.Wrapf(ErrContentTypeMismatch, "got: '%s' want: '%s'. Did you configure your endpoint correctly?", got, contentTypeApplicationJSON)
	}

	return nil
}

// doReq does a http request to the given path and decodes the JSON response into out
func (s *HTTPStore) doReq(ctx context.Context, auth Auth, method, path string, query url.Values, body, out interface{}) error {
	req, err := s.getReq(ctx, auth, method, path, query, body)
	if err != nil {
		return errors.Wrap(err, "getting request")
	}

	entry := log.WithFields(log.Fields{"method": method, "path": path})
	entry.Debug("HTTP request")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "making http request")
	}
	defer res.Body.Close()

	entry.WithFields(log.Fields{"status": res.StatusCode}).Debug("HTTP response")

	if err := checkRespErr(res); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := checkContentType(res); err != nil {
		return errors.Wrap(err, "unexpected Content-Type")
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "unmarshalling the payload")
	}

	return nil
}

func boolParam(b bool) string {
	return strconv.FormatBool(b)
}

func filterQuery(q url.Values, f ChunkFilter) {
	q.Set("include_tags", boolParam(f.IncludeTags))
	q.Set("include_notebooks", boolParam(f.IncludeNotebooks))
	q.Set("include_notes", boolParam(f.IncludeNotes))
	q.Set("include_searches", boolParam(f.IncludeSearches))
	q.Set("include_linked_notebooks", boolParam(f.IncludeLinkedNotebooks))
	q.Set("include_note_attributes", boolParam(f.IncludeNoteAttributes))
	q.Set("include_resources", boolParam(f.IncludeResources))
	q.Set("include_expunged", boolParam(f.IncludeExpunged))
}

// ParseChunkFilter reads a chunk filter from query parameters
func ParseChunkFilter(q url.Values) ChunkFilter {
	b := func(key string) bool {
		v, _ := strconv.ParseBool(q.Get(key))
		return v
	}

	return ChunkFilter{
		IncludeTags:            b("include_tags"),
		IncludeNotebooks:       b("include_notebooks"),
		IncludeNotes:           b("include_notes"),
		IncludeSearches:        b("include_searches"),
		IncludeLinkedNotebooks: b("include_linked_notebooks"),
		IncludeNoteAttributes:  b("include_note_attributes"),
		IncludeResources:       b("include_resources"),
		IncludeExpunged:        b("include_expunged"),
	}
}

// CheckVersionResp is the response of the version check endpoint
type CheckVersionResp struct {
	Compatible bool `json:"compatible"`
}

// CheckVersion tells whether the service accepts the client protocol version
func (s *HTTPStore) CheckVersion(ctx context.Context, clientName string, major, minor int) (bool, error) {
	q := url.Values{}
	q.Set("client", clientName)
	q.Set("major", strconv.Itoa(major))
	q.Set("minor", strconv.Itoa(minor))

	var resp CheckVersionResp
	if err := s.doReq(ctx, Auth{}, http.MethodGet, "/v1/version", q, nil, &resp); err != nil {
		return false, errors.Wrap(err, "checking version")
	}

	return resp.Compatible, nil
}

// GetUser fetches the authenticated user
func (s *HTTPStore) GetUser(ctx context.Context, auth Auth) (models.User, error) {
	var ret models.User
	if err := s.doReq(ctx, auth, http.MethodGet, "/v1/user", nil, nil, &ret); err != nil {
		return ret, errors.Wrap(err, "getting user")
	}

	return ret, nil
}

// GetAccountLimits fetches the limits of the given service level
func (s *HTTPStore) GetAccountLimits(ctx context.Context, auth Auth, serviceLevel string) (models.AccountLimits, error) {
	q := url.Values{}
	q.Set("service_level", serviceLevel)

	var ret models.AccountLimits
	if err := s.doReq(ctx, auth, http.MethodGet, "/v1/limits", q, nil, &ret); err != nil {
		return ret, errors.Wrap(err, "getting account limits")
	}

	return ret, nil
}

// GetSyncState gets the sync state of the own account
func (s *HTTPStore) GetSyncState(ctx context.Context, auth Auth) (models.SyncState, error) {
	var ret models.SyncState
	if err := s.doReq(ctx, auth, http.MethodGet, "/v1/sync/state", nil, nil, &ret); err != nil {
		return ret, errors.Wrap(err, "getting sync state")
	}

	return ret, nil
}

// GetSyncChunk gets a page of the own account's changelog
func (s *HTTPStore) GetSyncChunk(ctx context.Context, auth Auth, afterUSN int64, maxEntries int, filter ChunkFilter) (models.SyncChunk, error) {
	q := url.Values{}
	q.Set("after_usn", strconv.FormatInt(afterUSN, 10))
	q.Set("max_entries", strconv.Itoa(maxEntries))
	filterQuery(q, filter)

	var ret models.SyncChunk
	if err := s.doReq(ctx, auth, http.MethodGet, "/v1/sync/chunk", q, nil, &ret); err != nil {
		return ret, errors.Wrapf(err, "getting sync chunk after usn %d", afterUSN)
	}

	return ret, nil
}

// GetLinkedNotebookSyncState gets the sync state of a linked notebook
func (s *HTTPStore) GetLinkedNotebookSyncState(ctx context.Context, auth Auth, ln models.LinkedNotebook) (models.SyncState, error) {
	path := fmt.Sprintf("/v1/linked/%s/sync/state", url.PathEscape(ln.GUID))

	var ret models.SyncState
	if err := s.doReq(ctx, auth, http.MethodGet, path, nil, nil, &ret); err != nil {
		return ret, errors.Wrapf(err, "getting sync state of linked notebook %s", ln.GUID)
	}

	return ret, nil
}

// GetLinkedNotebookSyncChunk gets a page of a linked notebook's changelog
func (s *HTTPStore) GetLinkedNotebookSyncChunk(ctx context.Context, auth Auth, ln models.LinkedNotebook, afterUSN int64, maxEntries int, fullSyncOnly bool) (models.SyncChunk, error) {
	path := fmt.Sprintf("/v1/linked/%s/sync/chunk", url.PathEscape(ln.GUID))

	q := url.Values{}
	q.Set("after_usn", strconv.FormatInt(afterUSN, 10))
	q.Set("max_entries", strconv.Itoa(maxEntries))
	q.Set("full_sync_only", boolParam(fullSyncOnly))

	var ret models.SyncChunk
	if err := s.doReq(ctx, auth, http.MethodGet, path, q, nil, &ret); err != nil {
		return ret, errors.Wrapf(err, "getting sync chunk of linked notebook %s after usn %d", ln.GUID, afterUSN)
	}

	return ret, nil
}

// GetNote gets a note with its content
func (s *HTTPStore) GetNote(ctx context.Context, auth Auth, guid string, opts NoteOptions) (models.Note, error) {
	q := url.Values{}
	q.Set("with_content", boolParam(opts.WithContent))
	q.Set("with_resources_data", boolParam(opts.WithResourcesData))

	var ret models.Note
	if err := s.doReq(ctx, auth, http.MethodGet, fmt.Sprintf("/v1/notes/%s", url.PathEscape(guid)), q, nil, &ret); err != nil {
		return ret, errors.Wrapf(err, "getting note %s", guid)
	}

	return ret, nil
}

// GetResource gets a resource
func (s *HTTPStore) GetResource(ctx context.Context, auth Auth, guid string, opts ResourceOptions) (models.Resource, error) {
	q := url.Values{}
	q.Set("with_data", boolParam(opts.WithData))
	q.Set("with_attributes", boolParam(opts.WithAttributes))

	var ret models.Resource
	if err := s.doReq(ctx, auth, http.MethodGet, fmt.Sprintf("/v1/resources/%s", url.PathEscape(guid)), q, nil, &ret); err != nil {
		return ret, errors.Wrapf(err, "getting resource %s", guid)
	}

	return ret, nil
}

// SharedAuthPayload is the payload of the shared notebook authentication endpoint
type SharedAuthPayload struct {
	ShareKey string `json:"share_key"`
}

// AuthenticateToSharedNotebook obtains a token for a notebook shared by another account
func (s *HTTPStore) AuthenticateToSharedNotebook(ctx context.Context, auth Auth, shareKey string) (AuthResult, error) {
	var ret AuthResult
	payload := SharedAuthPayload{ShareKey: shareKey}
	if err := s.doReq(ctx, auth, http.MethodPost, "/v1/shared/auth", nil, payload, &ret); err != nil {
		return ret, errors.Wrap(err, "authenticating to shared notebook")
	}

	return ret, nil
}

// UpdateResp is the response of the update endpoints
type UpdateResp struct {
	USN int64 `json:"usn"`
}

func (s *HTTPStore) create(ctx context.Context, auth Auth, collection string, payload, out interface{}) error {
	return s.doReq(ctx, auth, http.MethodPost, fmt.Sprintf("/v1/%s", collection), nil, payload, out)
}

func (s *HTTPStore) update(ctx context.Context, auth Auth, collection, guid string, payload interface{}) (int64, error) {
	var resp UpdateResp
	path := fmt.Sprintf("/v1/%s/%s", collection, url.PathEscape(guid))
	if err := s.doReq(ctx, auth, http.MethodPatch, path, nil, payload, &resp); err != nil {
		return 0, err
	}

	return resp.USN, nil
}

// CreateTag uploads a new tag
func (s *HTTPStore) CreateTag(ctx context.Context, auth Auth, tag models.Tag) (models.Tag, error) {
	var ret models.Tag
	if err := s.create(ctx, auth, "tags", tag, &ret); err != nil {
		return ret, errors.Wrapf(err, "creating tag %s", tag.Name)
	}

	return ret, nil
}

// UpdateTag uploads a change to a tag and returns its new USN
func (s *HTTPStore) UpdateTag(ctx context.Context, auth Auth, tag models.Tag) (int64, error) {
	usn, err := s.update(ctx, auth, "tags", tag.GUID, tag)
	if err != nil {
		return 0, errors.Wrapf(err, "updating tag %s", tag.GUID)
	}

	return usn, nil
}

// CreateSavedSearch uploads a new saved search
func (s *HTTPStore) CreateSavedSearch(ctx context.Context, auth Auth, search models.SavedSearch) (models.SavedSearch, error) {
	var ret models.SavedSearch
	if err := s.create(ctx, auth, "searches", search, &ret); err != nil {
		return ret, errors.Wrapf(err, "creating saved search %s", search.Name)
	}

	return ret, nil
}

// UpdateSavedSearch uploads a change to a saved search and returns its new USN
func (s *HTTPStore) UpdateSavedSearch(ctx context.Context, auth Auth, search models.SavedSearch) (int64, error) {
	usn, err := s.update(ctx, auth, "searches", search.GUID, search)
	if err != nil {
		return 0, errors.Wrapf(err, "updating saved search %s", search.GUID)
	}

	return usn, nil
}

// CreateNotebook uploads a new notebook
func (s *HTTPStore) CreateNotebook(ctx context.Context, auth Auth, notebook models.Notebook) (models.Notebook, error) {
	var ret models.Notebook
	if err := s.create(ctx, auth, "notebooks", notebook, &ret); err != nil {
		return ret, errors.Wrapf(err, "creating notebook %s", notebook.Name)
	}

	return ret, nil
}

// UpdateNotebook uploads a change to a notebook and returns its new USN
func (s *HTTPStore) UpdateNotebook(ctx context.Context, auth Auth, notebook models.Notebook) (int64, error) {
	usn, err := s.update(ctx, auth, "notebooks", notebook.GUID, notebook)
	if err != nil {
		return 0, errors.Wrapf(err, "updating notebook %s", notebook.GUID)
	}

	return usn, nil
}

// CreateNote uploads a new note
func (s *HTTPStore) CreateNote(ctx context.Context, auth Auth, note models.Note) (models.Note, error) {
	var ret models.Note
	if err := s.create(ctx, auth, "notes", note, &ret); err != nil {
		return ret, errors.Wrapf(err, "creating note %s", note.Title)
	}

	return ret, nil
}

// UpdateNote uploads a change to a note and returns its new USN
func (s *HTTPStore) UpdateNote(ctx context.Context, auth Auth, note models.Note) (int64, error) {
	usn, err := s.update(ctx, auth, "notes", note.GUID, note)
	if err != nil {
		return 0, errors.Wrapf(err, "updating note %s", note.GUID)
	}

	return usn, nil
}
