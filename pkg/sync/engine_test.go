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
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/remote/remotetest"
	"github.com/pkg/errors"
)

type fakeCreds struct {
	mu          gosync.Mutex
	generation  int
	invalidated []credentials.Scope
}

func (c *fakeCreds) AccountAuth(ctx context.Context) (credentials.Auth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation == 0 {
		c.generation = 1
	}

	return credentials.Auth{Token: fmt.Sprintf("account-%d", c.generation), ShardID: "s1"}, nil
}

func (c *fakeCreds) LinkedNotebookAuth(ctx context.Context, refs []credentials.LinkedNotebookRef) (map[string]credentials.Auth, error) {
	ret := map[string]credentials.Auth{}
	for _, ref := range refs {
		ret[ref.GUID] = credentials.Auth{Token: "shared-" + ref.SharedNotebookGlobalID, ShardID: ref.ShardID}
	}

	return ret, nil
}

func (c *fakeCreds) Invalidate(scope credentials.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidated = append(c.invalidated, scope)
	if scope == credentials.AccountScope {
		c.generation++
	}

	return nil
}

type recorder struct {
	mu     gosync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ret []Event
	for _, e := range r.events {
		if e.Type == t {
			ret = append(ret, e)
		}
	}

	return ret
}

type testEnv struct {
	engine *Engine
	svc    *remotetest.Service
	db     *database.DB
	clock  *clock.Mock
	creds  *fakeCreds
}

// envOptions customizes the engine built by newTestEnvWith
type envOptions struct {
	cfg        Config
	downloader Downloader
	// store wraps the fake remote service
	store func(svc *remotetest.Service) remote.Store
	// storage wraps the local storage
	storage func(st Storage) Storage
}

func newTestEnv(t *testing.T, pageSize int) *testEnv {
	return newTestEnvWith(t, envOptions{cfg: Config{PageSize: pageSize}})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	c := clock.NewMock()
	svc := remotetest.NewService(c)
	db := database.InitTestMemoryDB(t)
	creds := &fakeCreds{}

	var store remote.Store = svc
	if opts.store != nil {
		store = opts.store(svc)
	}
	storage := NewStorage(db)
	if opts.storage != nil {
		storage = opts.storage(storage)
	}

	return &testEnv{
		engine: NewEngine(store, creds, storage, opts.downloader, c, opts.cfg),
		svc:    svc,
		db:     db,
		clock:  c,
		creds:  creds,
	}
}

func (env *testEnv) run(t *testing.T, req Request) Result {
	t.Helper()

	res, err := env.engine.Run(context.Background(), req)
	if err != nil {
		t.Fatal(errors.Wrap(err, "running the engine"))
	}

	return res
}

// next returns the request continuing from a previous result
func next(res Result) Request {
	return Request{Checkpoints: res.Checkpoints, FullSyncDone: res.FullSyncDone}
}

func afterUSNs(calls []remotetest.Call) []int64 {
	ret := []int64{}
	for _, c := range calls {
		ret = append(ret, c.AfterUSN)
	}

	return ret
}

func TestFullSync(t *testing.T) {
	env := newTestEnv(t, 2)
	acc := env.svc.Account()

	tag := acc.PutTag(models.Tag{Name: "work"})
	nb := acc.PutNotebook(models.Notebook{Name: "inbox"})
	acc.PutSavedSearch(models.SavedSearch{Name: "todo", Query: "tag:todo"})
	n := acc.PutNote(models.Note{
		NotebookGUID: nb.GUID,
		Title:        "hello",
		Content:      "line 1\nline 2\n",
		TagGUIDs:     []string{tag.GUID},
		Resources:    []models.Resource{{Mime: "image/png", Data: []byte("png")}},
	})

	rec := &recorder{}
	res := env.run(t, Request{Listener: rec.listen})

	assert.Equal(t, res.FullSync, true, "FullSync mismatch")
	assert.Equal(t, res.FullSyncDone.Account, true, "FullSyncDone mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(4), "update count mismatch")
	assert.Equal(t, res.Checkpoints.Account.UpdateCount, int64(4), "account update count mismatch")
	assert.Equal(t, res.User.Username, "user", "user mismatch")

	chunkCalls := env.svc.CallsTo(remotetest.MethodGetSyncChunk)
	assert.DeepEqual(t, afterUSNs(chunkCalls), []int64{0, 2}, "chunk pages mismatch")
	assert.Equal(t, chunkCalls[0].Filter.IncludeExpunged, false, "full sync should not request expunges")
	assert.Equal(t, chunkCalls[0].Token, "account-1", "token mismatch")

	ctx := context.Background()
	local, err := env.db.Notes().FindByGUID(ctx, n.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding note"))
	}
	assert.Equal(t, local.Content, "line 1\nline 2\n", "content mismatch")
	assert.Equal(t, local.Dirty, false, "note should not be dirty")
	assert.DeepEqual(t, local.TagGUIDs, []string{tag.GUID}, "tags mismatch")
	assert.Equal(t, len(local.Resources), 1, "resource count mismatch")
	assert.Equal(t, string(local.Resources[0].Data), "png", "resource data mismatch")

	for _, kind := range []string{"tags", "notebooks", "saved_searches"} {
		var count int
		database.MustScan(t, "counting "+kind, env.db.QueryRow(fmt.Sprintf("SELECT count(*) FROM %s", kind)), &count)
		assert.Equal(t, count, 1, kind+" count mismatch")
	}

	user, err := env.db.FindUser(ctx, 1)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding user"))
	}
	assert.Equal(t, user.Username, "user", "stored user mismatch")

	finished := rec.ofType(EventFinished)
	assert.Equal(t, len(finished), 1, "finished event count mismatch")
	assert.Equal(t, finished[0].Checkpoint.UpdateCount, int64(4), "finished checkpoint mismatch")
}

func TestIncrementalSync(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	acc.PutTag(models.Tag{Name: "a"})
	acc.PutTag(models.Tag{Name: "b"})

	first := env.run(t, Request{})

	t.Run("up to date", func(t *testing.T) {
		res := env.run(t, next(first))

		assert.Equal(t, res.FullSync, false, "FullSync mismatch")
		assert.Equal(t, res.Checkpoints.Account.UpdateCount, first.Checkpoints.Account.UpdateCount, "checkpoint should not move")
		assert.Equal(t, len(env.svc.CallsTo(remotetest.MethodGetSyncChunk)), 1, "no chunk should be downloaded")
		assert.Equal(t, len(env.svc.CallsTo(remotetest.MethodGetSyncState)), 1, "sync state should be checked")
	})

	t.Run("new changes", func(t *testing.T) {
		tag := acc.PutTag(models.Tag{Name: "c"})

		res := env.run(t, next(first))

		chunkCalls := env.svc.CallsTo(remotetest.MethodGetSyncChunk)
		last := chunkCalls[len(chunkCalls)-1]
		assert.Equal(t, last.AfterUSN, int64(2), "afterUSN mismatch")
		assert.Equal(t, last.Filter.IncludeExpunged, true, "incremental sync should request expunges")
		assert.Equal(t, res.Checkpoints.Account.UpdateCount, int64(3), "checkpoint mismatch")

		local, err := env.db.Tags().FindByGUID(context.Background(), tag.GUID)
		if err != nil {
			t.Fatal(errors.Wrap(err, "finding tag"))
		}
		assert.Equal(t, local.Name, "c", "tag name mismatch")
	})

	t.Run("replaying the same range", func(t *testing.T) {
		env.run(t, next(first))

		count, err := env.db.Tags().Count(context.Background())
		if err != nil {
			t.Fatal(errors.Wrap(err, "counting tags"))
		}
		assert.Equal(t, count, 3, "merging twice should not duplicate tags")
	})
}

func TestFullSyncBefore(t *testing.T) {
	env := newTestEnv(t, 50)
	env.svc.Account().PutTag(models.Tag{Name: "a"})

	first := env.run(t, Request{})

	env.clock.Advance(time.Hour)
	env.svc.Account().SetFullSyncBefore(env.clock.Now().UnixMilli())

	res := env.run(t, next(first))

	chunkCalls := env.svc.CallsTo(remotetest.MethodGetSyncChunk)
	assert.Equal(t, len(chunkCalls), 2, "chunk call count mismatch")
	assert.Equal(t, chunkCalls[1].AfterUSN, int64(0), "full sync should start from the beginning")
	assert.Equal(t, res.FullSync, true, "FullSync mismatch")
}

func TestForceFullSync(t *testing.T) {
	env := newTestEnv(t, 50)
	env.svc.Account().PutTag(models.Tag{Name: "a"})

	first := env.run(t, Request{})

	req := next(first)
	req.ForceFullSync = true
	res := env.run(t, req)

	chunkCalls := env.svc.CallsTo(remotetest.MethodGetSyncChunk)
	assert.Equal(t, chunkCalls[len(chunkCalls)-1].AfterUSN, int64(0), "forced sync should start from the beginning")
	assert.Equal(t, len(env.svc.CallsTo(remotetest.MethodGetSyncState)), 0, "forced sync should not check the sync state")
	assert.Equal(t, res.FullSync, true, "FullSync mismatch")
}

func TestConflictingNoteKeepsLocalCopy(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	nb := acc.PutNotebook(models.Notebook{Name: "inbox"})
	n := acc.PutNote(models.Note{NotebookGUID: nb.GUID, Title: "plan", Content: "a\nb\nc\n"})

	first := env.run(t, Request{})

	ctx := context.Background()
	local, err := env.db.Notes().FindByGUID(ctx, n.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding note"))
	}
	local.Content = "a\nlocal\nc\n"
	local.Dirty = true
	if err := env.db.Notes().Update(ctx, local); err != nil {
		t.Fatal(errors.Wrap(err, "updating note"))
	}

	n.Content = "a\nserver\nc\n"
	acc.PutNote(n)

	res := env.run(t, next(first))
	assert.Equal(t, res.Conflicts, 1, "conflict count mismatch")

	merged, err := env.db.Notes().FindByGUID(ctx, n.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding merged note"))
	}
	assert.Equal(t, merged.LocalID, local.LocalID, "the original should keep its local id")
	assert.Equal(t, merged.Content, "a\nserver\nc\n", "the original should hold the remote content")
	assert.Equal(t, merged.Dirty, false, "the original should not be dirty")

	dirty, err := env.db.Notes().ListDirty(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "listing dirty notes"))
	}
	assert.Equal(t, len(dirty), 1, "dirty note count mismatch")
	assert.Equal(t, dirty[0].GUID, "", "the copy should have no guid")
	assert.Equal(t, dirty[0].USN, int64(0), "the copy should have no usn")
	assert.Equal(t, dirty[0].Content, "a\nlocal\nc\n", "the copy should keep the local content")
	assert.Equal(t, dirty[0].Title, models.ConflictName(models.KindNote, "plan", env.clock.Now()), "copy title mismatch")

	conflicts, err := env.db.ListConflicts(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "listing conflicts"))
	}
	assert.Equal(t, len(conflicts), 1, "conflict record count mismatch")
	assert.Equal(t, conflicts[0].GUID, n.GUID, "conflict guid mismatch")
	assert.Equal(t, conflicts[0].ConflictLocalID, dirty[0].LocalID, "conflict copy id mismatch")
	assert.Equal(t, conflicts[0].Report, "a\n<<<<<<< Local\nlocal\n=======\nserver\n>>>>>>> Server\nc\n", "report mismatch")
}

func TestCleanLocalCopyIsOverwritten(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	tag := acc.PutTag(models.Tag{Name: "old"})

	first := env.run(t, Request{})

	tag.Name = "new"
	acc.PutTag(tag)

	res := env.run(t, next(first))
	assert.Equal(t, res.Conflicts, 0, "conflict count mismatch")

	local, err := env.db.Tags().FindByGUID(context.Background(), tag.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding tag"))
	}
	assert.Equal(t, local.Name, "new", "name mismatch")
	assert.Equal(t, local.USN, int64(2), "usn mismatch")
}

func TestDirtyTagNameClash(t *testing.T) {
	env := newTestEnv(t, 50)
	ctx := context.Background()

	mine := models.Tag{Name: "work", SyncMeta: models.SyncMeta{Dirty: true}}
	if err := env.db.Tags().Add(ctx, &mine); err != nil {
		t.Fatal(errors.Wrap(err, "adding local tag"))
	}

	theirs := env.svc.Account().PutTag(models.Tag{Name: "work"})

	res := env.run(t, Request{})
	assert.Equal(t, res.Conflicts, 1, "conflict count mismatch")

	remoteTag, err := env.db.Tags().FindByGUID(ctx, theirs.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding remote tag"))
	}
	assert.Equal(t, remoteTag.Name, "work", "remote tag name mismatch")
	assert.NotEqual(t, remoteTag.LocalID, mine.LocalID, "the remote tag should be a new row")

	renamed, err := env.db.Tags().FindByLocalID(ctx, mine.LocalID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding renamed tag"))
	}
	assert.Equal(t, renamed.Name, models.ConflictName(models.KindTag, "work", env.clock.Now()), "renamed tag name mismatch")
	assert.Equal(t, renamed.Dirty, true, "renamed tag should stay dirty")
}

func TestDirtyTagNameClashWithExistingConflictName(t *testing.T) {
	env := newTestEnv(t, 50)
	ctx := context.Background()

	mine := models.Tag{Name: "work", SyncMeta: models.SyncMeta{Dirty: true}}
	if err := env.db.Tags().Add(ctx, &mine); err != nil {
		t.Fatal(errors.Wrap(err, "adding local tag"))
	}
	taken := models.Tag{Name: models.ConflictName(models.KindTag, "work", env.clock.Now())}
	if err := env.db.Tags().Add(ctx, &taken); err != nil {
		t.Fatal(errors.Wrap(err, "adding tag holding the conflict name"))
	}

	env.svc.Account().PutTag(models.Tag{Name: "work"})
	env.run(t, Request{})

	renamed, err := env.db.Tags().FindByLocalID(ctx, mine.LocalID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding renamed tag"))
	}
	assert.Equal(t, renamed.Name, taken.Name+" 2", "renamed tag name mismatch")
}

func TestExpunge(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	nb := acc.PutNotebook(models.Notebook{Name: "inbox"})
	gone := acc.PutNote(models.Note{NotebookGUID: nb.GUID, Title: "gone"})
	back := acc.PutNote(models.Note{NotebookGUID: nb.GUID, Title: "back"})
	tag := acc.PutTag(models.Tag{Name: "obsolete"})

	first := env.run(t, Request{})

	acc.Expunge(models.KindNote, gone.GUID)
	acc.Expunge(models.KindNote, back.GUID)
	acc.Expunge(models.KindTag, tag.GUID)
	back.Title = "back again"
	acc.PutNote(back)

	rec := &recorder{}
	req := next(first)
	req.Listener = rec.listen
	env.run(t, req)

	ctx := context.Background()
	_, err := env.db.Notes().FindByGUID(ctx, gone.GUID)
	assert.ErrorIs(t, err, database.ErrNotFound, "expunged note should be removed")
	_, err = env.db.Tags().FindByGUID(ctx, tag.GUID)
	assert.ErrorIs(t, err, database.ErrNotFound, "expunged tag should be removed")

	readded, err := env.db.Notes().FindByGUID(ctx, back.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "a note expunged then added again should be kept"))
	}
	assert.Equal(t, readded.Title, "back again", "title mismatch")

	var last Event
	for _, e := range rec.ofType(EventProgress) {
		if e.Label == LabelExpunge {
			last = e
		}
	}
	assert.Equal(t, last.Fraction, float64(1), "expunge progress should complete")
}

func TestExpungeMissingLocally(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	acc.PutTag(models.Tag{Name: "a"})

	first := env.run(t, Request{})

	tag := acc.PutTag(models.Tag{Name: "short lived"})
	acc.Expunge(models.KindTag, tag.GUID)
	acc.Expunge(models.KindSavedSearch, "never-seen")

	res := env.run(t, next(first))
	assert.Equal(t, res.Checkpoints.Account.UpdateCount, int64(4), "checkpoint mismatch")

	_, err := env.db.Tags().FindByGUID(context.Background(), tag.GUID)
	assert.ErrorIs(t, err, database.ErrNotFound, "a tag expunged in the same page should not be stored")

	count, err := env.db.Tags().Count(context.Background())
	if err != nil {
		t.Fatal(errors.Wrap(err, "counting tags"))
	}
	assert.Equal(t, count, 1, "tag count mismatch")
}

func TestNoteReaddedInAnotherNotebook(t *testing.T) {
	env := newTestEnv(t, 1)
	acc := env.svc.Account()
	a := acc.PutNotebook(models.Notebook{Name: "a"})
	b := acc.PutNotebook(models.Notebook{Name: "b"})

	first := env.run(t, Request{})

	n := acc.PutNote(models.Note{NotebookGUID: a.GUID, Title: "moving"})
	acc.Expunge(models.KindNote, n.GUID)
	n.NotebookGUID = b.GUID
	acc.PutNote(n)

	res := env.run(t, next(first))

	assert.DeepEqual(t, afterUSNs(env.svc.CallsTo(remotetest.MethodGetSyncChunk)), []int64{0, 1, 2, 3, 4}, "each change should come in its own chunk")
	assert.Equal(t, res.Checkpoints.Account.UpdateCount, int64(5), "checkpoint mismatch")

	local, err := env.db.Notes().FindByGUID(context.Background(), n.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "a note added again after an expunge should be kept"))
	}
	assert.Equal(t, local.NotebookGUID, b.GUID, "the note should be in the notebook it was added to last")
}

// stallingStore serves the first page, then pages that do not move past
// the requested usn
type stallingStore struct {
	*remotetest.Service
}

func (s stallingStore) GetSyncChunk(ctx context.Context, auth remote.Auth, afterUSN int64, maxEntries int, f remote.ChunkFilter) (models.SyncChunk, error) {
	chunk, err := s.Service.GetSyncChunk(ctx, auth, afterUSN, maxEntries, f)
	if err != nil || afterUSN == 0 {
		return chunk, err
	}

	return models.SyncChunk{HighUSN: afterUSN, UpdateCount: chunk.UpdateCount, CurrentTime: chunk.CurrentTime}, nil
}

func TestChunkNotAdvancingFails(t *testing.T) {
	env := newTestEnvWith(t, envOptions{
		cfg:   Config{PageSize: 2},
		store: func(svc *remotetest.Service) remote.Store { return stallingStore{svc} },
	})
	for i := 0; i < 10; i++ {
		env.svc.Account().PutTag(models.Tag{Name: fmt.Sprintf("tag %d", i)})
	}

	rec := &recorder{}
	res, err := env.engine.Run(context.Background(), Request{Listener: rec.listen})

	assert.ErrorIs(t, err, ErrMalformedChunk, "error mismatch")
	var fe *FailureError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a failure error, got %v", err)
	}
	assert.Equal(t, fe.Phase, PhaseDownload, "phase mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(0), "the checkpoint should not advance")
	assert.Equal(t, len(rec.ofType(EventFinished)), 0, "a failed pass should not finish")
	assert.Equal(t, len(rec.ofType(EventFailure)), 1, "failure event count mismatch")

	count, err := env.db.Tags().Count(context.Background())
	if err != nil {
		t.Fatal(errors.Wrap(err, "counting tags"))
	}
	assert.Equal(t, count, 0, "nothing should be merged")
}

// blankGUIDStore strips the guid of the first tag of every chunk
type blankGUIDStore struct {
	*remotetest.Service
}

func (s blankGUIDStore) GetSyncChunk(ctx context.Context, auth remote.Auth, afterUSN int64, maxEntries int, f remote.ChunkFilter) (models.SyncChunk, error) {
	chunk, err := s.Service.GetSyncChunk(ctx, auth, afterUSN, maxEntries, f)
	if err != nil {
		return chunk, err
	}
	if len(chunk.Tags) > 0 {
		chunk.Tags = append([]models.Tag(nil), chunk.Tags...)
		chunk.Tags[0].GUID = ""
	}

	return chunk, nil
}

func TestChunkEntryWithoutGUIDFails(t *testing.T) {
	env := newTestEnvWith(t, envOptions{
		cfg:   Config{PageSize: 50},
		store: func(svc *remotetest.Service) remote.Store { return blankGUIDStore{svc} },
	})
	env.svc.Account().PutTag(models.Tag{Name: "nameless"})

	res, err := env.engine.Run(context.Background(), Request{})

	assert.ErrorIs(t, err, ErrMalformedChunk, "error mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(0), "the checkpoint should not advance")

	count, err := env.db.Tags().Count(context.Background())
	if err != nil {
		t.Fatal(errors.Wrap(err, "counting tags"))
	}
	assert.Equal(t, count, 0, "a tag without a guid should not be stored")
}

// addGate holds tag and notebook additions until released and records
// whether any note was looked up while they were outstanding
type addGate struct {
	release chan struct{}

	mu          gosync.Mutex
	adding      int
	noteLookups int
	early       int
}

func (g *addGate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.adding
}

type gatedRepo[T any] struct {
	NamedRepository[T]
	gate *addGate
}

func (r gatedRepo[T]) Add(ctx context.Context, e *T) error {
	g := r.gate

	g.mu.Lock()
	g.adding++
	g.mu.Unlock()

	<-g.release
	err := r.NamedRepository.Add(ctx, e)

	g.mu.Lock()
	g.adding--
	g.mu.Unlock()

	return err
}

type watchedNotes struct {
	Repository[models.Note]
	gate *addGate
}

func (r watchedNotes) FindByGUID(ctx context.Context, guid string) (*models.Note, error) {
	g := r.gate

	g.mu.Lock()
	g.noteLookups++
	if g.adding > 0 {
		g.early++
	}
	g.mu.Unlock()

	return r.Repository.FindByGUID(ctx, guid)
}

func TestNotesWaitForTagsAndNotebooks(t *testing.T) {
	gate := &addGate{release: make(chan struct{})}
	env := newTestEnvWith(t, envOptions{
		cfg: Config{PageSize: 50},
		storage: func(st Storage) Storage {
			st.Tags = gatedRepo[models.Tag]{st.Tags, gate}
			st.Notebooks = gatedRepo[models.Notebook]{st.Notebooks, gate}
			st.Notes = watchedNotes{st.Notes, gate}
			return st
		},
	})

	acc := env.svc.Account()
	tag := acc.PutTag(models.Tag{Name: "t"})
	acc.PutTag(models.Tag{Name: "u"})
	nb := acc.PutNotebook(models.Notebook{Name: "inbox"})
	acc.PutNote(models.Note{NotebookGUID: nb.GUID, Title: "n", TagGUIDs: []string{tag.GUID}})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Run(context.Background(), Request{})
		done <- err
	}()

	assert.Eventually(t, func() bool { return gate.inFlight() == 3 }, 5*time.Second, "tags and notebooks should be added together")

	select {
	case err := <-done:
		t.Fatalf("the pass should wait for the additions, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(errors.Wrap(err, "running the engine"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, gate.noteLookups > 0, true, "notes should be merged")
	assert.Equal(t, gate.early, 0, "no note should be looked up before tags and notebooks are stored")
}

func TestRateLimitReplay(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	for i := 0; i < 120; i++ {
		acc.PutTag(models.Tag{Name: fmt.Sprintf("tag %d", i)})
	}

	env.svc.FailOnceWhen(remotetest.MethodGetSyncChunk, func(c remotetest.Call) bool {
		return c.AfterUSN == 100
	}, &remote.RateLimitError{Duration: 30 * time.Second})

	rec := &recorder{}
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.engine.Run(context.Background(), Request{Listener: rec.listen})
		done <- outcome{res, err}
	}()

	assert.Eventually(t, func() bool { return env.clock.PendingTimers() == 1 }, 5*time.Second, "the rate limited request should wait")
	assert.Equal(t, env.engine.Active(), true, "engine should be active while waiting")

	env.clock.Advance(30 * time.Second)

	var o outcome
	select {
	case o = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
	}
	if o.err != nil {
		t.Fatal(errors.Wrap(o.err, "running the engine"))
	}

	assert.DeepEqual(t, afterUSNs(env.svc.CallsTo(remotetest.MethodGetSyncChunk)), []int64{0, 50, 100, 100}, "the request should be replayed verbatim")

	limited := rec.ofType(EventRateLimitExceeded)
	assert.Equal(t, len(limited), 1, "rate limit event count mismatch")
	assert.Equal(t, limited[0].Seconds, 30, "seconds mismatch")

	count, err := env.db.Tags().Count(context.Background())
	if err != nil {
		t.Fatal(errors.Wrap(err, "counting tags"))
	}
	assert.Equal(t, count, 120, "tag count mismatch")
	assert.Equal(t, o.res.Checkpoint.UpdateCount, int64(120), "checkpoint mismatch")
}

func TestRateLimitWithoutDurationFails(t *testing.T) {
	env := newTestEnv(t, 50)
	env.svc.FailOnce(remotetest.MethodGetUser, &remote.RateLimitError{})

	_, err := env.engine.Run(context.Background(), Request{})

	var fe *FailureError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a failure error, got %v", err)
	}
	assert.Equal(t, fe.Phase, PhaseUserSync, "phase mismatch")
}

func TestAuthExpiredResume(t *testing.T) {
	env := newTestEnv(t, 1)
	acc := env.svc.Account()
	acc.PutTag(models.Tag{Name: "a"})
	acc.PutTag(models.Tag{Name: "b"})

	env.svc.FailOnceWhen(remotetest.MethodGetSyncChunk, func(c remotetest.Call) bool {
		return c.AfterUSN == 1
	}, errors.Wrap(remote.ErrAuthExpired, "get sync chunk"))

	rec := &recorder{}
	res := env.run(t, Request{Listener: rec.listen})

	assert.Equal(t, res.Checkpoint.UpdateCount, int64(2), "checkpoint mismatch")
	assert.DeepEqual(t, env.creds.invalidated, []credentials.Scope{credentials.AccountScope}, "invalidated scopes mismatch")

	var tokens []string
	for _, c := range env.svc.CallsTo(remotetest.MethodGetSyncChunk) {
		tokens = append(tokens, fmt.Sprintf("%d:%s", c.AfterUSN, c.Token))
	}
	assert.DeepEqual(t, tokens, []string{"0:account-1", "1:account-1", "1:account-2"}, "chunk calls mismatch")

	paused := rec.ofType(EventPaused)
	assert.Equal(t, len(paused), 1, "paused event count mismatch")
	assert.Equal(t, paused[0].PendingAuth, true, "pause should be pending authentication")
	assert.Equal(t, len(rec.ofType(EventResumed)), 1, "resumed event count mismatch")
}

func TestIncompatibleProtocol(t *testing.T) {
	env := newTestEnv(t, 50)
	env.svc.Compatible = false

	rec := &recorder{}
	res, err := env.engine.Run(context.Background(), Request{Listener: rec.listen})

	assert.ErrorIs(t, err, ErrIncompatibleProtocol, "error mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(0), "no checkpoint should be returned")
	assert.Equal(t, len(rec.ofType(EventFailure)), 1, "failure event count mismatch")
	assert.Equal(t, len(env.svc.CallsTo(remotetest.MethodGetSyncChunk)), 0, "no chunk should be downloaded")
}

func TestStop(t *testing.T) {
	env := newTestEnv(t, 1)
	acc := env.svc.Account()
	for i := 0; i < 10; i++ {
		acc.PutTag(models.Tag{Name: fmt.Sprintf("tag %d", i)})
	}

	rec := &recorder{}
	var once gosync.Once
	listener := func(e Event) {
		rec.listen(e)
		if e.Type == EventProgress && e.Label == LabelChunks {
			once.Do(env.engine.Stop)
		}
	}

	res, err := env.engine.Run(context.Background(), Request{Listener: listener})

	assert.ErrorIs(t, err, ErrStopped, "error mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(0), "no checkpoint should be returned")
	assert.Equal(t, len(rec.ofType(EventStopped)), 1, "stopped event count mismatch")
	assert.Equal(t, env.engine.Active(), false, "engine should be inactive")

	count, err := env.db.Tags().Count(context.Background())
	if err != nil {
		t.Fatal(errors.Wrap(err, "counting tags"))
	}
	assert.Equal(t, count, 0, "nothing should be merged after a stop")
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, 1)
	acc := env.svc.Account()
	for i := 0; i < 5; i++ {
		acc.PutTag(models.Tag{Name: fmt.Sprintf("tag %d", i)})
	}

	rec := &recorder{}
	var once gosync.Once
	listener := func(e Event) {
		rec.listen(e)
		if e.Type == EventProgress && e.Label == LabelChunks {
			once.Do(env.engine.Pause)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Run(context.Background(), Request{Listener: listener})
		done <- err
	}()

	assert.Eventually(t, func() bool { return len(rec.ofType(EventPaused)) == 1 }, 5*time.Second, "engine should pause")

	select {
	case <-done:
		t.Fatal("a paused engine should not finish")
	case <-time.After(50 * time.Millisecond):
	}

	env.engine.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(errors.Wrap(err, "running the engine"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish after resuming")
	}

	assert.Equal(t, len(rec.ofType(EventResumed)), 1, "resumed event count mismatch")
	assert.Equal(t, len(rec.ofType(EventFinished)), 1, "finished event count mismatch")
}

func TestAlreadyRunning(t *testing.T) {
	env := newTestEnv(t, 50)
	env.svc.FailOnce(remotetest.MethodGetUser, &remote.RateLimitError{Duration: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Run(context.Background(), Request{})
		done <- err
	}()

	assert.Eventually(t, func() bool { return env.clock.PendingTimers() == 1 }, 5*time.Second, "the first pass should wait")

	_, err := env.engine.Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrAlreadyRunning, "error mismatch")

	env.clock.Advance(time.Minute)
	if err := <-done; err != nil {
		t.Fatal(errors.Wrap(err, "running the first pass"))
	}
}

func TestLinkedNotebooks(t *testing.T) {
	env := newTestEnv(t, 50)
	acc := env.svc.Account()
	ln := acc.PutLinkedNotebook(models.LinkedNotebook{
		SyncMeta:               models.SyncMeta{GUID: "ln1"},
		ShareName:              "shared",
		Username:               "friend",
		SharedNotebookGlobalID: "share-1",
		ShardID:                "s2",
	})

	shared := env.svc.LinkedNotebook(ln.GUID)
	tag := shared.PutTag(models.Tag{Name: "team"})
	nb := shared.PutNotebook(models.Notebook{Name: "project"})
	n := shared.PutNote(models.Note{NotebookGUID: nb.GUID, Title: "roadmap", Content: "q1\n", TagGUIDs: []string{tag.GUID}})

	res := env.run(t, Request{})

	assert.Equal(t, res.Checkpoints.LinkedNotebooks[ln.GUID].UpdateCount, int64(3), "linked notebook checkpoint mismatch")
	assert.Equal(t, res.FullSyncDone.LinkedNotebooks[ln.GUID], true, "linked notebook full sync flag mismatch")
	assert.Equal(t, res.ResyncedLinkedNotebooks[ln.GUID], true, "linked notebook should be reported as resynced")
	assert.Equal(t, res.LinkedNotebookGUIDs[tag.GUID], ln.GUID, "tag mapping mismatch")
	assert.Equal(t, res.LinkedNotebookGUIDs[nb.GUID], ln.GUID, "notebook mapping mismatch")
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(3), "max checkpoint mismatch")

	chunkCalls := env.svc.CallsTo(remotetest.MethodGetLinkedNotebookSyncChunk)
	assert.Equal(t, len(chunkCalls), 1, "linked chunk call count mismatch")
	assert.Equal(t, chunkCalls[0].Token, "shared-share-1", "linked token mismatch")
	assert.Equal(t, chunkCalls[0].FullSyncOnly, true, "first linked sync should be full")

	ctx := context.Background()
	localTag, err := env.db.Tags().FindByGUID(ctx, tag.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding linked tag"))
	}
	assert.Equal(t, localTag.LinkedNotebookGUID, ln.GUID, "tag should be stamped with the linked notebook")

	localNote, err := env.db.Notes().FindByGUID(ctx, n.GUID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding linked note"))
	}
	assert.Equal(t, localNote.Content, "q1\n", "content mismatch")

	t.Run("incremental", func(t *testing.T) {
		n.Content = "q1\nq2\n"
		shared.PutNote(n)

		res2 := env.run(t, next(res))

		states := env.svc.CallsTo(remotetest.MethodGetLinkedNotebookSyncState)
		assert.Equal(t, len(states), 1, "sync state call count mismatch")

		chunkCalls := env.svc.CallsTo(remotetest.MethodGetLinkedNotebookSyncChunk)
		last := chunkCalls[len(chunkCalls)-1]
		assert.Equal(t, last.AfterUSN, int64(3), "afterUSN mismatch")
		assert.Equal(t, last.FullSyncOnly, false, "incremental linked sync mismatch")
		assert.Equal(t, res2.Checkpoints.LinkedNotebooks[ln.GUID].UpdateCount, int64(4), "checkpoint mismatch")
		assert.Equal(t, res2.ResyncedLinkedNotebooks[ln.GUID], false, "an incremental pass is not a resync")

		localNote, err := env.db.Notes().FindByGUID(ctx, n.GUID)
		if err != nil {
			t.Fatal(errors.Wrap(err, "finding linked note"))
		}
		assert.Equal(t, localNote.Content, "q1\nq2\n", "content mismatch")
	})

	t.Run("expunged linked notebook", func(t *testing.T) {
		cur := env.run(t, next(res))
		acc.Expunge(models.KindLinkedNotebook, ln.GUID)

		res3 := env.run(t, next(cur))

		_, ok := res3.Checkpoints.LinkedNotebooks[ln.GUID]
		assert.Equal(t, ok, false, "the checkpoint of an expunged linked notebook should be dropped")
		_, err := env.db.LinkedNotebooks().FindByGUID(ctx, ln.GUID)
		assert.ErrorIs(t, err, database.ErrNotFound, "linked notebook should be removed")
	})
}

func TestConflictReport(t *testing.T) {
	testCases := []struct {
		local    string
		server   string
		expected string
	}{
		{
			local:    "same\n",
			server:   "same\n",
			expected: "",
		},
		{
			local:    "a\nb\n",
			server:   "a\nc\n",
			expected: "a\n<<<<<<< Local\nb\n=======\nc\n>>>>>>> Server\n",
		},
		{
			local:    "a\n",
			server:   "a\nadded\n",
			expected: "a\n<<<<<<< Local\n=======\nadded\n>>>>>>> Server\n",
		},
	}

	for idx, tc := range testCases {
		t.Run(fmt.Sprintf("test case %d", idx), func(t *testing.T) {
			got := conflictReport(tc.local, tc.server)
			assert.Equal(t, got, tc.expected, "report mismatch")
			assert.Equal(t, strings.Count(got, markerLocal), strings.Count(got, markerServer), "markers should be balanced")
		})
	}
}
