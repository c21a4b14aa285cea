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

	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/models"
)

// Repository stores the entities of one kind. Lookups return
// database.ErrNotFound when nothing matches.
type Repository[T any] interface {
	FindByGUID(ctx context.Context, guid string) (*T, error)
	Add(ctx context.Context, e *T) error
	Update(ctx context.Context, e *T) error
	Expunge(ctx context.Context, guid string) error
}

// NamedRepository stores entities carrying a name unique within an account
// or a linked notebook
type NamedRepository[T any] interface {
	Repository[T]
	FindByName(ctx context.Context, name, linkedNotebookGUID string) (*T, error)
}

// Local holds the local storage operations not tied to a single kind
type Local interface {
	FindUser(ctx context.Context, id int64) (*models.User, error)
	AddUser(ctx context.Context, u models.User) error
	UpdateUser(ctx context.Context, u models.User) error
	AddConflict(ctx context.Context, c models.Conflict) error
	ListLinkedNotebooks(ctx context.Context) ([]models.LinkedNotebook, error)
	ExpungeNotelessLinkedNotebookTags(ctx context.Context) (int, error)
	Subscribe() (<-chan models.ChangeEvent, func())
}

// Storage is the local database as seen by the engine
type Storage struct {
	Tags            NamedRepository[models.Tag]
	SavedSearches   NamedRepository[models.SavedSearch]
	Notebooks       NamedRepository[models.Notebook]
	Notes           Repository[models.Note]
	Resources       Repository[models.Resource]
	LinkedNotebooks Repository[models.LinkedNotebook]
	Local           Local
}

// NewStorage returns the storage backed by the database
func NewStorage(db *database.DB) Storage {
	return Storage{
		Tags:            db.Tags(),
		SavedSearches:   db.SavedSearches(),
		Notebooks:       db.Notebooks(),
		Notes:           db.Notes(),
		Resources:       db.Resources(),
		LinkedNotebooks: db.LinkedNotebooks(),
		Local:           db,
	}
}
