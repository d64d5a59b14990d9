//go:build !integration

package usecase_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
)

// ---- transaction manager ----

type MockTxManager struct{}

func (MockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

// ---- job repository ----

type mockJobRepo struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	timings []model.StageTiming
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: map[string]*model.Job{}}
}

func (m *mockJobRepo) Create(_ context.Context, _ repository.Tx, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	job.CreatedAt = time.Now()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobRepo) Get(_ context.Context, _ repository.Tx, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) FindByID(ctx context.Context, tx repository.Tx, tenantID, id string) (*model.Job, error) {
	j, err := m.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (m *mockJobRepo) List(_ context.Context, _ repository.Tx, tenantID string, f repository.JobFilter) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Stage != "" && j.Stage != f.Stage {
			continue
		}
		if f.DocumentID != "" && j.DocumentID != f.DocumentID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *mockJobRepo) UpdateCAS(_ context.Context, _ repository.Tx, job *model.Job, expected model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != expected.Status || stored.Stage != expected.Stage || stored.Attempt != expected.Attempt {
		return domain.ErrStaleJobState
	}
	cp := *job
	cp.CreatedAt = stored.CreatedAt
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobRepo) RecordStageTiming(_ context.Context, _ repository.Tx, t model.StageTiming) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = append(m.timings, t)
	return nil
}

func (m *mockJobRepo) ListStageTimings(_ context.Context, _ repository.Tx, jobID string) ([]model.StageTiming, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StageTiming
	for _, t := range m.timings {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockJobRepo) CountByStatus(_ context.Context, _ repository.Tx, tenantID string) (map[model.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.JobStatus]int{}
	for _, j := range m.jobs {
		if j.TenantID == tenantID {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *mockJobRepo) CountRunningByStage(_ context.Context, _ repository.Tx, tenantID string) (map[model.JobStage]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.JobStage]int{}
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.Status == model.JobStatusRunning {
			out[j.Stage]++
		}
	}
	return out, nil
}

func (m *mockJobRepo) DurationsSince(_ context.Context, _ repository.Tx, tenantID string, since time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, j := range m.jobs {
		if j.TenantID != tenantID || j.DurationMs == nil || j.FinishedAt == nil {
			continue
		}
		if j.FinishedAt.After(since) {
			out = append(out, *j.DurationMs)
		}
	}
	return out, nil
}

func (m *mockJobRepo) RecentFailures(_ context.Context, _ repository.Tx, tenantID string, limit int) ([]repository.FailureSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.FailureSummary
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if j.Status != model.JobStatusFailed && j.Status != model.JobStatusQuarantined {
			continue
		}
		out = append(out, repository.FailureSummary{
			JobID:        j.ID,
			DocumentID:   j.DocumentID,
			Status:       j.Status,
			Stage:        j.Stage,
			ErrorCode:    j.ErrorCode,
			ErrorMessage: j.ErrorMessage,
			Attempt:      j.Attempt,
			MaxRetries:   j.MaxRetries,
			FinishedAt:   j.FinishedAt,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockJobRepo) CountCreatedSince(_ context.Context, _ repository.Tx, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// ---- document repository ----

type mockDocRepo struct {
	mu   sync.Mutex
	docs map[string]*model.Document
}

func newMockDocRepo() *mockDocRepo {
	return &mockDocRepo{docs: map[string]*model.Document{}}
}

func (m *mockDocRepo) Save(_ context.Context, _ repository.Tx, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *mockDocRepo) FindByID(_ context.Context, _ repository.Tx, tenantID, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDocRepo) List(_ context.Context, _ repository.Tx, tenantID string, limit, offset int) ([]*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Document
	for _, d := range m.docs {
		if d.TenantID == tenantID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockDocRepo) ListExpired(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Document
	for _, d := range m.docs {
		if d.Status != model.DocumentStatusDeleted && d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockDocRepo) Delete(_ context.Context, _ repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

// ---- artifact repository ----

type mockArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]*model.Artifact
}

func newMockArtifactRepo() *mockArtifactRepo {
	return &mockArtifactRepo{artifacts: map[string]*model.Artifact{}}
}

func (m *mockArtifactRepo) Create(_ context.Context, _ repository.Tx, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.artifacts {
		if ex.TenantID == a.TenantID && ex.JobID == a.JobID && ex.Kind == a.Kind {
			return nil
		}
	}
	a.CreatedAt = time.Now()
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *mockArtifactRepo) FindByID(_ context.Context, _ repository.Tx, tenantID, id string) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockArtifactRepo) ListByJob(_ context.Context, _ repository.Tx, tenantID, jobID string) ([]*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.TenantID == tenantID && a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockArtifactRepo) CountByJob(_ context.Context, _ repository.Tx, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.artifacts {
		if a.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *mockArtifactRepo) ListExpired(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockArtifactRepo) Delete(_ context.Context, _ repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, id)
	return nil
}

func (m *mockArtifactRepo) DeleteByJob(_ context.Context, _ repository.Tx, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.artifacts {
		if a.JobID == jobID {
			delete(m.artifacts, id)
		}
	}
	return nil
}

// ---- webhook repositories ----

type mockEndpointRepo struct {
	mu        sync.Mutex
	endpoints map[string]*model.WebhookEndpoint
}

func newMockEndpointRepo() *mockEndpointRepo {
	return &mockEndpointRepo{endpoints: map[string]*model.WebhookEndpoint{}}
}

func (m *mockEndpointRepo) Save(_ context.Context, _ repository.Tx, ep *model.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	m.endpoints[ep.ID] = &cp
	return nil
}

func (m *mockEndpointRepo) FindByID(_ context.Context, _ repository.Tx, tenantID, id string) (*model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (m *mockEndpointRepo) ListByTenant(_ context.Context, _ repository.Tx, tenantID string) ([]*model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookEndpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEndpointRepo) ListEnabled(_ context.Context, _ repository.Tx, tenantID string) ([]*model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookEndpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID && ep.Enabled {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEndpointRepo) Delete(_ context.Context, _ repository.Tx, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return domain.ErrNotFound
	}
	delete(m.endpoints, id)
	return nil
}

func (m *mockEndpointRepo) MarkSuccess(_ context.Context, _ repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[id]; ok {
		ep.LastSuccessAt = &at
	}
	return nil
}

func (m *mockEndpointRepo) MarkFailure(_ context.Context, _ repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[id]; ok {
		ep.LastFailureAt = &at
	}
	return nil
}

type mockDeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[string]*model.WebhookDelivery
}

func newMockDeliveryRepo() *mockDeliveryRepo {
	return &mockDeliveryRepo{deliveries: map[string]*model.WebhookDelivery{}}
}

func (m *mockDeliveryRepo) Create(_ context.Context, _ repository.Tx, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = time.Now()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *mockDeliveryRepo) Save(_ context.Context, _ repository.Tx, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *mockDeliveryRepo) Get(_ context.Context, _ repository.Tx, id string) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDeliveryRepo) ListDue(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookDelivery
	for _, d := range m.deliveries {
		due := d.Status == model.DeliveryPending ||
			(d.Status == model.DeliveryRetrying && d.NextRetryAt != nil && d.NextRetryAt.Before(now))
		if due {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockDeliveryRepo) ListByEndpoint(_ context.Context, _ repository.Tx, tenantID, endpointID string, limit int) ([]*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WebhookDelivery
	for _, d := range m.deliveries {
		if d.TenantID == tenantID && d.EndpointID == endpointID {
			cp := *d
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- queue ----

type fakeQueue struct {
	mu       sync.Mutex
	queued   []string
	acked    []string
	removed  []string
	enqueues int
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, jobID)
	q.enqueues++
	return nil
}

func (q *fakeQueue) ClaimBlocking(_ context.Context, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return "", domain.ErrNoTask
	}
	id := q.queued[0]
	q.queued = q.queued[1:]
	return id, nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, _ string) error { return nil }

func (q *fakeQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.queued {
		if id == jobID {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			q.removed = append(q.removed, jobID)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) RequeueStale(_ context.Context, _ int64) (int64, error) { return 0, nil }

// ---- scanner ----

// fakeScanner pops one scripted result per Scan call; the last entry repeats.
// onScan, when set, runs before the verdict is returned.
type fakeScanner struct {
	mu      sync.Mutex
	results []scanScript
	calls   int
	onScan  func()
}

type scanScript struct {
	res adapter.ScanResult
	err error
}

func (s *fakeScanner) Scan(_ context.Context, _ string) (adapter.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.onScan != nil {
		s.onScan()
	}
	if len(s.results) == 0 {
		return adapter.ScanResult{Verdict: adapter.VerdictClean}, nil
	}
	script := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return script.res, script.err
}

func (s *fakeScanner) Ping(context.Context) error { return nil }

// ---- engine ----

type fakeEngine struct {
	mu           sync.Mutex
	convertCalls int
	convertErrs  []error
	pageCount    int
	chunkErr     error
	exportErr    error
}

func (e *fakeEngine) Convert(_ context.Context, _ string, _ model.ConvertOptions) (adapter.ConvertResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.convertCalls++
	if len(e.convertErrs) > 0 {
		err := e.convertErrs[0]
		e.convertErrs = e.convertErrs[1:]
		if err != nil {
			return adapter.ConvertResult{}, err
		}
	}
	pages := e.pageCount
	if pages == 0 {
		pages = 3
	}
	return adapter.ConvertResult{
		Document:      []byte(`{"schema_name":"DoclingDocument"}`),
		PageCount:     pages,
		EngineVersion: "2.7.0",
	}, nil
}

func (e *fakeEngine) Export(_ context.Context, _ []byte, kinds []model.ArtifactKind) (map[model.ArtifactKind][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exportErr != nil {
		return nil, e.exportErr
	}
	out := map[model.ArtifactKind][]byte{}
	for _, k := range kinds {
		out[k] = []byte(fmt.Sprintf("rendered %s", k))
	}
	return out, nil
}

func (e *fakeEngine) Chunk(_ context.Context, _ []byte, _ string, _ int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chunkErr != nil {
		return nil, e.chunkErr
	}
	return []byte(`{"chunks":[]}`), nil
}

// ---- blob store ----

type fakeStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{files: map[string][]byte{}} }

func (s *fakeStore) write(relpath string, r io.Reader) (adapter.WrittenFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return adapter.WrittenFile{}, err
	}
	sum := sha256.Sum256(data)
	s.mu.Lock()
	s.files[relpath] = data
	s.mu.Unlock()
	return adapter.WrittenFile{
		Relpath:   relpath,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}

func (s *fakeStore) WriteArtifact(_ context.Context, tenantID, jobID, filename string, r io.Reader) (adapter.WrittenFile, error) {
	return s.write(fmt.Sprintf("artifacts/%s/%s/%s", tenantID, jobID, filename), r)
}

func (s *fakeStore) WriteQuarantine(_ context.Context, tenantID, documentID string, r io.Reader, maxBytes int64) (adapter.WrittenFile, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}
	return s.write(fmt.Sprintf("uploads/quarantine/%s/%s.pdf", tenantID, documentID), r)
}

func (s *fakeStore) PromoteClean(_ context.Context, tenantID, documentID string) (string, error) {
	quarantine := fmt.Sprintf("uploads/quarantine/%s/%s.pdf", tenantID, documentID)
	clean := fmt.Sprintf("uploads/clean/%s/%s.pdf", tenantID, documentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.files[quarantine]; ok {
		s.files[clean] = data
		delete(s.files, quarantine)
	}
	return clean, nil
}

func (s *fakeStore) Open(relpath string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[relpath]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) AbsPath(relpath string) string { return "/data/" + relpath }

func (s *fakeStore) Remove(relpath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, relpath)
	return nil
}

// ---- notifier ----

type transitionRecord struct {
	Status     model.JobStatus
	Stage      model.JobStage
	PrevStatus model.JobStatus
	PrevStage  model.JobStage
}

type recordNotifier struct {
	mu     sync.Mutex
	events []transitionRecord
}

func (n *recordNotifier) JobUpdated(_ context.Context, job *model.Job, prevStatus model.JobStatus, prevStage model.JobStage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, transitionRecord{
		Status:     job.Status,
		Stage:      job.Stage,
		PrevStatus: prevStatus,
		PrevStage:  prevStage,
	})
}

// interface conformance
var (
	_ repository.JobRepository             = (*mockJobRepo)(nil)
	_ repository.DocumentRepository        = (*mockDocRepo)(nil)
	_ repository.ArtifactRepository        = (*mockArtifactRepo)(nil)
	_ repository.WebhookEndpointRepository = (*mockEndpointRepo)(nil)
	_ repository.WebhookDeliveryRepository = (*mockDeliveryRepo)(nil)
	_ repository.TransactionManager        = (MockTxManager{})
	_ adapter.TaskQueue                    = (*fakeQueue)(nil)
	_ adapter.MalwareScanner               = (*fakeScanner)(nil)
	_ adapter.ConversionEngine             = (*fakeEngine)(nil)
	_ adapter.BlobStore                    = (*fakeStore)(nil)
	_ adapter.TransitionNotifier           = (*recordNotifier)(nil)
)
