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

package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/media"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
)

// fakeDownloader blocks ink image downloads until released, then fails them
type fakeDownloader struct {
	release chan struct{}
	started chan struct{}

	mu     gosync.Mutex
	inks   []media.Request
	thumbs map[string]media.Request
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		release: make(chan struct{}),
		started: make(chan struct{}, 10),
		thumbs:  map[string]media.Request{},
	}
}

func (d *fakeDownloader) InkImage(ctx context.Context, r media.Request) (string, error) {
	d.mu.Lock()
	d.inks = append(d.inks, r)
	d.mu.Unlock()

	d.started <- struct{}{}
	<-d.release

	return "", errors.New("connection reset by peer")
}

func (d *fakeDownloader) Thumbnail(ctx context.Context, r media.Request) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.thumbs[r.NoteGUID] = r
	return "/cache/" + r.NoteGUID + ".png", nil
}

func TestMediaDownloads(t *testing.T) {
	d := newFakeDownloader()
	env := newTestEnvWith(t, envOptions{
		cfg:        Config{PageSize: 50, DownloadInkImages: true, DownloadThumbnails: true},
		downloader: d,
	})

	acc := env.svc.Account()
	private := acc.PutNotebook(models.Notebook{Name: "inbox"})
	public := acc.PutNotebook(models.Notebook{Name: "blog", Published: true})
	drawing := acc.PutNote(models.Note{
		NotebookGUID: private.GUID,
		Title:        "sketch",
		Resources:    []models.Resource{{Mime: models.MimeInk, Data: []byte("ink")}},
	})
	post := acc.PutNote(models.Note{
		NotebookGUID: public.GUID,
		Title:        "post",
		Resources:    []models.Resource{{Mime: "image/png", Data: []byte("png")}},
	})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Run(context.Background(), Request{})
		done <- err
	}()

	select {
	case <-d.started:
	case <-time.After(5 * time.Second):
		t.Fatal("the ink image should be downloaded")
	}

	select {
	case err := <-done:
		t.Fatalf("the pass should wait for the download, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, env.engine.Active(), true, "engine should be active while downloading")

	close(d.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(errors.Wrap(err, "a failed download should not fail the pass"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	assert.Equal(t, len(d.inks), 1, "ink download count mismatch")
	assert.Equal(t, d.inks[0].NoteGUID, drawing.GUID, "ink note mismatch")
	assert.Equal(t, d.inks[0].ResourceGUID, drawing.Resources[0].GUID, "ink resource mismatch")
	assert.Equal(t, d.inks[0].Token, "account-1", "private notebooks should be fetched with the token")

	assert.Equal(t, len(d.thumbs), 2, "thumbnail count mismatch")
	assert.Equal(t, d.thumbs[drawing.GUID].Token, "account-1", "private thumbnail token mismatch")
	assert.Equal(t, d.thumbs[post.GUID].Token, "", "public notebooks should be fetched without a token")
	assert.Equal(t, d.thumbs[post.GUID].ShardID, "s1", "shard mismatch")
}

func TestMediaDownloadsDisabled(t *testing.T) {
	d := newFakeDownloader()
	env := newTestEnvWith(t, envOptions{cfg: Config{PageSize: 50}, downloader: d})

	acc := env.svc.Account()
	nb := acc.PutNotebook(models.Notebook{Name: "inbox"})
	acc.PutNote(models.Note{
		NotebookGUID: nb.GUID,
		Resources:    []models.Resource{{Mime: models.MimeInk, Data: []byte("ink")}},
	})

	env.run(t, Request{})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, len(d.inks), 0, "no ink image should be downloaded")
	assert.Equal(t, len(d.thumbs), 0, "no thumbnail should be downloaded")
}
