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
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/media"
	"github.com/dnote/notesync/pkg/models"
)

// downloadMedia fetches the ink images and the thumbnail of a note once its
// notebook is known. Failures are logged and never fail the pass.
func (s *session) downloadMedia(n models.Note) {
	d := s.e.downloader
	cfg := s.e.cfg
	if d == nil || n.GUID == "" {
		return
	}

	wantInk := cfg.DownloadInkImages && n.HasInkResource()
	wantThumb := cfg.DownloadThumbnails && (n.ThumbnailNeeded || len(n.Resources) > 0)
	if !wantInk && !wantThumb {
		return
	}

	ctx := s.ctx
	auth := s.auths[s.scope.cred]
	notebooks := s.e.storage.Notebooks

	s.spawn(workMediaDownload, func() func() {
		token := auth.Token

		nb, err := notebooks.FindByGUID(ctx, n.NotebookGUID)
		if err != nil {
			log.WithFields(log.Fields{
				"note_guid":     n.GUID,
				"notebook_guid": n.NotebookGUID,
			}).WarnWrap(err, "cannot resolve the notebook of a note, skipping its images")
			return nil
		}
		if nb.Published {
			token = ""
		}

		req := media.Request{NoteGUID: n.GUID, ShardID: auth.ShardID, Token: token}

		if wantInk {
			for _, r := range n.Resources {
				if !r.IsInk() {
					continue
				}

				req.ResourceGUID = r.GUID
				if _, err := d.InkImage(ctx, req); err != nil {
					log.WithFields(log.Fields{
						"note_guid":     n.GUID,
						"resource_guid": r.GUID,
					}).WarnWrap(err, "downloading ink image")
				}
			}
		}

		if wantThumb {
			req.ResourceGUID = ""
			if _, err := d.Thumbnail(ctx, req); err != nil {
				log.WithFields(log.Fields{"note_guid": n.GUID}).WarnWrap(err, "downloading thumbnail")
			}
		}

		return nil
	})
}
