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

// Package media downloads the rendered images of ink notes and the
// thumbnails of notes into a local cache directory
package media

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dnote/notesync/pkg/log"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// ThumbnailSize is the edge length of downloaded thumbnails in pixels
const ThumbnailSize = 300

// Request describes an image to download
type Request struct {
	NoteGUID     string
	ResourceGUID string
	ShardID      string
	// Token authenticates the download. It is empty for public notebooks.
	Token string
}

// Downloader fetches images over HTTP
type Downloader struct {
	client *resty.Client
	dir    string
}

// NewDownloader returns a downloader fetching from baseURL and writing into dir
func NewDownloader(baseURL, dir string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)

	return &Downloader{client: c, dir: dir}
}

func checkResp(resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(resp.StatusCode())
	}

	return errors.Errorf("http %d: %s", resp.StatusCode(), body)
}

// fetch downloads the path. Public images are fetched with GET; private ones
// are fetched with POST carrying the token in the form.
func (d *Downloader) fetch(ctx context.Context, path, token string, query map[string]string) ([]byte, error) {
	req := d.client.R().SetContext(ctx).SetQueryParams(query)

	var resp *resty.Response
	var err error
	if token == "" {
		resp, err = req.Get(path)
	} else {
		resp, err = req.SetFormData(map[string]string{"auth": token}).Post(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "making request")
	}
	if err := checkResp(resp); err != nil {
		return nil, err
	}

	return resp.Body(), nil
}

func (d *Downloader) save(sub, name string, data []byte) (string, error) {
	dir := filepath.Join(d.dir, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing %s", p)
	}

	return p, nil
}

// InkImage downloads the rendered image of an ink resource and returns the
// path of the written file
func (d *Downloader) InkImage(ctx context.Context, r Request) (string, error) {
	path := fmt.Sprintf("/shard/%s/res/%s.ink", r.ShardID, r.ResourceGUID)

	data, err := d.fetch(ctx, path, r.Token, map[string]string{"slice": "1"})
	if err != nil {
		return "", errors.Wrapf(err, "downloading ink image of resource %s", r.ResourceGUID)
	}

	p, err := d.save("ink", r.ResourceGUID+".png", data)
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"note_guid":     r.NoteGUID,
		"resource_guid": r.ResourceGUID,
		"bytes":         len(data),
	}).Debug("downloaded ink image")

	return p, nil
}

// Thumbnail downloads the thumbnail of a note and returns the path of the
// written file
func (d *Downloader) Thumbnail(ctx context.Context, r Request) (string, error) {
	path := fmt.Sprintf("/shard/%s/thm/note/%s", r.ShardID, r.NoteGUID)

	data, err := d.fetch(ctx, path, r.Token, map[string]string{"size": fmt.Sprintf("%d", ThumbnailSize)})
	if err != nil {
		return "", errors.Wrapf(err, "downloading thumbnail of note %s", r.NoteGUID)
	}

	p, err := d.save("thumbnails", r.NoteGUID+".png", data)
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"note_guid": r.NoteGUID,
		"bytes":     len(data),
	}).Debug("downloaded thumbnail")

	return p, nil
}
