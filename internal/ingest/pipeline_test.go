package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexcrm/nexcrm/internal/config"
	"github.com/nexcrm/nexcrm/internal/embedding"
	"github.com/nexcrm/nexcrm/internal/log"
	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
)

// fakeStorage is an in-memory queue and index for pipeline tests.
type fakeStorage struct {
	sources map[string]*store.Source          // keyed source_type/source_id
	chunks  map[int64][]store.Chunk           // keyed surrogate id
	jobs    map[uuid.UUID]*store.Job
	cursors map[string]store.Cursor
	changed map[string][]store.ChangedRecord

	nextID     int64
	upsertErr  error
	enqueueLog []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sources: make(map[string]*store.Source),
		chunks:  make(map[int64][]store.Chunk),
		jobs:    make(map[uuid.UUID]*store.Job),
		cursors: make(map[string]store.Cursor),
		changed: make(map[string][]store.ChangedRecord),
	}
}

func key(sourceType, sourceID string) string { return sourceType + "/" + sourceID }

func (f *fakeStorage) Claim(context.Context) (*store.Job, error) {
	for _, j := range f.jobs {
		if j.Status == store.JobPending {
			j.Status = store.JobProcessing
			j.Attempts++
			return j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStorage) Complete(_ context.Context, jobID uuid.UUID, sourceID int64, chunks int) error {
	f.jobs[jobID].Status = store.JobCompleted
	return nil
}

func (f *fakeStorage) Skip(_ context.Context, jobID uuid.UUID, note string) error {
	f.jobs[jobID].Status = store.JobSkipped
	return nil
}

func (f *fakeStorage) Fail(_ context.Context, jobID uuid.UUID, code, message string, retryAt *time.Time) error {
	j := f.jobs[jobID]
	j.LastErrorCode = &code
	j.LastError = &message
	if retryAt != nil {
		j.Status = store.JobPending
		j.NextRetryAt = retryAt
		return nil
	}
	j.Status = store.JobFailed
	return nil
}

func (f *fakeStorage) Enqueue(_ context.Context, sourceType, sourceID, operation string, priority, maxAttempts int) (uuid.UUID, bool, error) {
	f.enqueueLog = append(f.enqueueLog, key(sourceType, sourceID))
	for _, j := range f.jobs {
		if j.SourceType == sourceType && j.SourceID == sourceID &&
			(j.Status == store.JobPending || j.Status == store.JobProcessing) {
			return j.ID, true, nil
		}
	}
	id := uuid.New()
	f.jobs[id] = &store.Job{
		ID: id, SourceType: sourceType, SourceID: sourceID,
		Operation: operation, Status: store.JobPending,
		Priority: priority, MaxAttempts: maxAttempts,
	}
	return id, false, nil
}

func (f *fakeStorage) QueueCounts(context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (f *fakeStorage) SourceByKey(_ context.Context, sourceType, sourceID string) (*store.Source, error) {
	src, ok := f.sources[key(sourceType, sourceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return src, nil
}

func (f *fakeStorage) ApplyUpsert(_ context.Context, src *store.Source, chunks []store.Chunk) (int64, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	id, err := f.upsert(src)
	if err != nil {
		return 0, err
	}
	f.chunks[id] = chunks
	return id, nil
}

func (f *fakeStorage) RefreshSource(_ context.Context, src *store.Source) (int64, error) {
	return f.upsert(src)
}

func (f *fakeStorage) upsert(src *store.Source) (int64, error) {
	k := key(src.SourceType, src.SourceID)
	if existing, ok := f.sources[k]; ok {
		src.ID = existing.ID
	} else {
		f.nextID++
		src.ID = f.nextID
	}
	f.sources[k] = src
	return src.ID, nil
}

func (f *fakeStorage) ApplyDelete(_ context.Context, sourceType, sourceID string) (bool, error) {
	k := key(sourceType, sourceID)
	src, ok := f.sources[k]
	if !ok {
		return false, nil
	}
	delete(f.sources, k)
	delete(f.chunks, src.ID)
	return true, nil
}

func (f *fakeStorage) ResolveParentByMessageID(_ context.Context, messageID string) (int64, error) {
	for _, src := range f.sources {
		if src.SourceType == "email" && src.Metadata["message_id"] == messageID {
			return src.ID, nil
		}
	}
	return 0, nil
}

func (f *fakeStorage) ResolveParentByThread(_ context.Context, threadID, sourceType, sourceID string, before time.Time) (int64, error) {
	var best *store.Source
	for _, src := range f.sources {
		if src.ThreadID != threadID {
			continue
		}
		if src.SourceType == sourceType && src.SourceID == sourceID {
			continue
		}
		if src.RecordCreatedAt == nil || !src.RecordCreatedAt.Before(before) {
			continue
		}
		if best == nil || src.RecordCreatedAt.After(*best.RecordCreatedAt) {
			best = src
		}
	}
	if best == nil {
		return 0, nil
	}
	return best.ID, nil
}

func (f *fakeStorage) GetCursor(_ context.Context, sourceType string) (store.Cursor, error) {
	cur, ok := f.cursors[sourceType]
	if !ok {
		return store.Cursor{SourceType: sourceType}, nil
	}
	return cur, nil
}

func (f *fakeStorage) AdvanceCursor(_ context.Context, cur store.Cursor) error {
	f.cursors[cur.SourceType] = cur
	return nil
}

func (f *fakeStorage) ChangedSince(_ context.Context, cur store.Cursor, limit int) ([]store.ChangedRecord, error) {
	var out []store.ChangedRecord
	for _, rec := range f.changed[cur.SourceType] {
		if rec.UpdatedAt.After(cur.LastTimestamp) ||
			(rec.UpdatedAt.Equal(cur.LastTimestamp) && rec.ID > cur.LastID) {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeFetcher serves canned inputs.
type fakeFetcher struct {
	inputs map[string]*source.Input
}

func (f *fakeFetcher) Fetch(_ context.Context, typ source.Type, id string) (*source.Input, error) {
	input, ok := f.inputs[key(string(typ), id)]
	if !ok {
		return nil, source.ErrNotFound
	}
	return input, nil
}

// fakeEmbedder returns fixed-width vectors, optionally failing first.
type fakeEmbedder struct {
	failures int
	calls    int
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string, _ embedding.Task) ([][]float32, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("embedder unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func testPipeline(t *testing.T, st *fakeStorage, fetcher *fakeFetcher, embedder *fakeEmbedder) *Pipeline {
	t.Helper()
	cfg := config.Ingest{
		Workers: 1, MaxAttempts: 3,
		BackoffBase: time.Second, BackoffCap: time.Minute,
		PollInterval: 10 * time.Millisecond,
	}
	p, err := New(&store.Store{}, &source.Fetcher{}, embedder, cfg, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Release)
	p.store = st
	p.fetcher = fetcher
	return p
}

func ticketInput(id string, content string) *source.Input {
	return &source.Input{
		Type:            source.TypeTicket,
		SourceID:        id,
		URI:             "/tickets/" + id,
		Sensitivity:     source.SensitivityPublic,
		Title:           "Ticket " + id,
		Content:         content,
		Metadata:        map[string]string{},
		RecordCreatedAt: time.Now().Add(-time.Hour),
		RecordUpdatedAt: time.Now(),
	}
}

func TestProcessUpsertIndexesNewSource(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{inputs: map[string]*source.Input{
		"ticket/7": ticketInput("7", "The widget arrived broken and support promised a replacement."),
	}}
	p := testPipeline(t, st, fetcher, &fakeEmbedder{})

	jobID, _, _ := st.Enqueue(context.Background(), "ticket", "7", store.OpUpsert, 0, 3)
	job, err := st.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	outcome, err := p.process(context.Background(), job)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != outcomeCompleted {
		t.Fatalf("outcome = %q, want %q", outcome, outcomeCompleted)
	}
	if st.jobs[jobID].Status != store.JobCompleted {
		t.Errorf("job status = %q, want completed", st.jobs[jobID].Status)
	}

	src, ok := st.sources["ticket/7"]
	if !ok {
		t.Fatal("source not indexed")
	}
	if src.ContentHash == "" {
		t.Error("content hash not set")
	}
	if len(st.chunks[src.ID]) == 0 {
		t.Error("no chunks written")
	}
	for _, c := range st.chunks[src.ID] {
		if c.Embedding == nil {
			t.Errorf("chunk %d has no embedding", c.Ordinal)
		}
		if c.ChunkCount != len(st.chunks[src.ID]) {
			t.Errorf("chunk %d count = %d, want %d", c.Ordinal, c.ChunkCount, len(st.chunks[src.ID]))
		}
	}
}

func TestProcessUpsertUnchangedContentSkipsEmbedding(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{inputs: map[string]*source.Input{
		"ticket/7": ticketInput("7", "Same content both times."),
	}}
	embedder := &fakeEmbedder{}
	p := testPipeline(t, st, fetcher, embedder)

	for i := 0; i < 2; i++ {
		st.Enqueue(context.Background(), "ticket", "7", store.OpUpsert, 0, 3)
		job, err := st.Claim(context.Background())
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		if _, err := p.process(context.Background(), job); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	if embedder.calls != 1 {
		t.Errorf("embedder calls = %d, want 1 (second run should reuse chunks)", embedder.calls)
	}
}

func TestProcessReindexAlwaysRebuilds(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{inputs: map[string]*source.Input{
		"ticket/7": ticketInput("7", "Same content both times."),
	}}
	embedder := &fakeEmbedder{}
	p := testPipeline(t, st, fetcher, embedder)

	for i, op := range []string{store.OpUpsert, store.OpReindex} {
		st.Enqueue(context.Background(), "ticket", "7", op, 0, 3)
		job, err := st.Claim(context.Background())
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		job.Operation = op
		if _, err := p.process(context.Background(), job); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	if embedder.calls != 2 {
		t.Errorf("embedder calls = %d, want 2 (reindex must re-embed)", embedder.calls)
	}
}

func TestProcessVanishedSourceSkips(t *testing.T) {
	st := newFakeStorage()
	p := testPipeline(t, st, &fakeFetcher{inputs: map[string]*source.Input{}}, &fakeEmbedder{})

	jobID, _, _ := st.Enqueue(context.Background(), "ticket", "404", store.OpUpsert, 0, 3)
	job, _ := st.Claim(context.Background())

	outcome, err := p.process(context.Background(), job)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != outcomeSkipped {
		t.Errorf("outcome = %q, want %q", outcome, outcomeSkipped)
	}
	if st.jobs[jobID].Status != store.JobSkipped {
		t.Errorf("job status = %q, want skipped", st.jobs[jobID].Status)
	}
}

func TestProcessDeleteRemovesSourceAndChunks(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{inputs: map[string]*source.Input{
		"ticket/7": ticketInput("7", "Indexed then deleted."),
	}}
	p := testPipeline(t, st, fetcher, &fakeEmbedder{})

	st.Enqueue(context.Background(), "ticket", "7", store.OpUpsert, 0, 3)
	job, _ := st.Claim(context.Background())
	if _, err := p.process(context.Background(), job); err != nil {
		t.Fatalf("process upsert: %v", err)
	}

	st.Enqueue(context.Background(), "ticket", "7", store.OpDelete, 0, 3)
	job, _ = st.Claim(context.Background())
	job.Operation = store.OpDelete
	outcome, err := p.process(context.Background(), job)
	if err != nil {
		t.Fatalf("process delete: %v", err)
	}
	if outcome != outcomeCompleted {
		t.Errorf("outcome = %q, want %q", outcome, outcomeCompleted)
	}
	if _, ok := st.sources["ticket/7"]; ok {
		t.Error("source still indexed after delete")
	}
	if len(st.chunks) != 0 {
		t.Error("chunks remain after delete")
	}
}

func TestProcessRetriesThenFailsTerminally(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{inputs: map[string]*source.Input{
		"ticket/7": ticketInput("7", "Content that never embeds."),
	}}
	embedder := &fakeEmbedder{failures: 10}
	p := testPipeline(t, st, fetcher, embedder)

	jobID, _, _ := st.Enqueue(context.Background(), "ticket", "7", store.OpUpsert, 0, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := st.Claim(context.Background())
		if err != nil {
			t.Fatalf("Claim attempt %d: %v", attempt, err)
		}
		outcome, procErr := p.process(context.Background(), job)
		if procErr == nil {
			t.Fatalf("attempt %d: process error = nil, want embed failure", attempt)
		}
		want := outcomeRetried
		if attempt == 3 {
			want = outcomeFailed
		}
		if outcome != want {
			t.Errorf("attempt %d: outcome = %q, want %q", attempt, outcome, want)
		}
	}

	j := st.jobs[jobID]
	if j.Status != store.JobFailed {
		t.Errorf("final status = %q, want failed", j.Status)
	}
	if j.LastErrorCode == nil || *j.LastErrorCode != "embed_failed" {
		t.Errorf("last error code = %v, want embed_failed", j.LastErrorCode)
	}
}

func TestBuildSourceResolvesReplyParent(t *testing.T) {
	st := newFakeStorage()
	parent := &store.Source{
		SourceType: "email", SourceID: "1",
		Metadata: map[string]string{"message_id": "<msg-1@example.com>"},
	}
	st.upsert(parent)

	p := testPipeline(t, st, &fakeFetcher{}, &fakeEmbedder{})
	input := &source.Input{
		Type:     source.TypeEmail,
		SourceID: "2",
		Metadata: map[string]string{"in_reply_to": "<msg-1@example.com>"},
	}
	src := p.buildSource(context.Background(), input, "body", ContentHash("body"))
	if src.ParentID == nil || *src.ParentID != parent.ID {
		t.Errorf("parent id = %v, want %d", src.ParentID, parent.ID)
	}

	orphan := p.buildSource(context.Background(), &source.Input{
		Type: source.TypeEmail, SourceID: "3",
		Metadata: map[string]string{"in_reply_to": "<missing@example.com>"},
	}, "body", ContentHash("body"))
	if orphan.ParentID != nil {
		t.Errorf("orphan parent id = %v, want nil", orphan.ParentID)
	}
}

func TestBuildSourceResolvesThreadParent(t *testing.T) {
	st := newFakeStorage()
	base := time.Now().Add(-time.Hour)
	older := base.Add(-time.Hour)
	first := &store.Source{
		SourceType: "email", SourceID: "1",
		ThreadID: "th-9", RecordCreatedAt: &older,
	}
	st.upsert(first)
	second := &store.Source{
		SourceType: "email", SourceID: "2",
		ThreadID: "th-9", RecordCreatedAt: &base,
	}
	st.upsert(second)

	p := testPipeline(t, st, &fakeFetcher{}, &fakeEmbedder{})

	// No in_reply_to: the most recent earlier entry in the thread wins.
	src := p.buildSource(context.Background(), &source.Input{
		Type: source.TypeEmail, SourceID: "3",
		ThreadID:        "th-9",
		Metadata:        map[string]string{},
		RecordCreatedAt: time.Now(),
	}, "body", ContentHash("body"))
	if src.ParentID == nil || *src.ParentID != second.ID {
		t.Errorf("parent id = %v, want %d (latest prior thread entry)", src.ParentID, second.ID)
	}

	// A record older than everything in the thread has no parent.
	orphan := p.buildSource(context.Background(), &source.Input{
		Type: source.TypeEmail, SourceID: "0",
		ThreadID:        "th-9",
		Metadata:        map[string]string{},
		RecordCreatedAt: older.Add(-time.Hour),
	}, "body", ContentHash("body"))
	if orphan.ParentID != nil {
		t.Errorf("orphan parent id = %v, want nil", orphan.ParentID)
	}

	// An explicit in_reply_to message id takes precedence over thread order.
	parent := &store.Source{
		SourceType: "email", SourceID: "9",
		Metadata: map[string]string{"message_id": "<msg-9@example.com>"},
	}
	st.upsert(parent)
	reply := p.buildSource(context.Background(), &source.Input{
		Type: source.TypeEmail, SourceID: "4",
		ThreadID:        "th-9",
		Metadata:        map[string]string{"in_reply_to": "<msg-9@example.com>"},
		RecordCreatedAt: time.Now(),
	}, "body", ContentHash("body"))
	if reply.ParentID == nil || *reply.ParentID != parent.ID {
		t.Errorf("reply parent id = %v, want %d (message id precedence)", reply.ParentID, parent.ID)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second}, // capped: 32s > 30s
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, maxDelay, tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(attempts=%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSweepEnqueuesChangedRecords(t *testing.T) {
	st := newFakeStorage()
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		st.changed["ticket"] = append(st.changed["ticket"], store.ChangedRecord{
			ID: int64(i), UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	p := testPipeline(t, st, &fakeFetcher{}, &fakeEmbedder{})

	result, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Enqueued != 3 {
		t.Errorf("enqueued = %d, want 3", result.Enqueued)
	}
	cur := st.cursors["ticket"]
	if cur.LastID != 3 {
		t.Errorf("cursor last id = %d, want 3", cur.LastID)
	}

	// A second sweep past the advanced watermark finds nothing new, and
	// live jobs absorb duplicate enqueues.
	result, err = p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if result.Enqueued != 0 {
		t.Errorf("second sweep enqueued = %d, want 0", result.Enqueued)
	}
}

func TestSweepUpgradesLiveJobs(t *testing.T) {
	st := newFakeStorage()
	st.changed["ticket"] = []store.ChangedRecord{{ID: 1, UpdatedAt: time.Now()}}
	st.Enqueue(context.Background(), "ticket", "1", store.OpUpsert, 0, 3)
	p := testPipeline(t, st, &fakeFetcher{}, &fakeEmbedder{})

	result, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Upgraded != 1 {
		t.Errorf("upgraded = %d, want 1", result.Upgraded)
	}
	if result.Enqueued != 0 {
		t.Errorf("enqueued = %d, want 0", result.Enqueued)
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("hello")
	b := ContentHash("hello")
	c := ContentHash("hello ")
	if a != b {
		t.Error("hash of identical content differs")
	}
	if a == c {
		t.Error("hash of different content collides")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
