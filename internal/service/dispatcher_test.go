package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/pricing"
	"order-dispatch-service/internal/service"
	"order-dispatch-service/internal/status"
	"order-dispatch-service/internal/token"
)

// ---- fakes ----

type memQueue struct {
	mu    sync.Mutex
	items []entity.Job
	err   error
}

func (q *memQueue) Enqueue(ctx context.Context, job entity.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, job)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*entity.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	return &job, nil
}

func (q *memQueue) PutBack(ctx context.Context, job entity.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]entity.Job{job}, q.items...)
	return nil
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *memQueue) PeekTail(ctx context.Context, n int64) ([]entity.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > int64(len(q.items)) {
		n = int64(len(q.items))
	}
	out := make([]entity.Job, n)
	copy(out, q.items[:n])
	return out, nil
}

type memStatusStore struct {
	mu   sync.Mutex
	recs map[string]entity.StatusRecord
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{recs: map[string]entity.StatusRecord{}}
}

func (s *memStatusStore) key(kind entity.Family, id string) string {
	return string(kind) + "/" + id
}

func (s *memStatusStore) Get(ctx context.Context, kind entity.Family, id string) (*entity.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[s.key(kind, id)]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *memStatusStore) Merge(ctx context.Context, kind entity.Family, id string, patch entity.StatusRecord) (*entity.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patch.ID = id
	patch.Kind = kind

	var prev *entity.StatusRecord
	base := entity.StatusRecord{}
	if rec, ok := s.recs[s.key(kind, id)]; ok {
		cp := rec
		prev = &cp
		base = rec
	}

	raw, err := status.Overlay(base, patch)
	if err != nil {
		return nil, err
	}
	var merged entity.StatusRecord
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	s.recs[s.key(kind, id)] = merged
	return prev, nil
}

type memLedger struct {
	mu   sync.Mutex
	used map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{used: map[string]bool{}} }

func (l *memLedger) MarkUsed(ctx context.Context, sigHash string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used[sigHash] {
		return false, nil
	}
	l.used[sigHash] = true
	return true, nil
}

func (l *memLedger) Unmark(ctx context.Context, sigHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.used, sigHash)
	return nil
}

type fakePayments struct {
	err   error
	calls int
}

func (p *fakePayments) Verify(ctx context.Context, ref string, amount int64, currency string) error {
	p.calls++
	return p.err
}

type sentMail struct {
	to, subject string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (n *fakeNotifier) Send(ctx context.Context, to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{to: to, subject: subject})
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeArchive struct {
	mu   sync.Mutex
	recs []entity.StatusRecord
}

func (a *fakeArchive) Insert(ctx context.Context, rec entity.StatusRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

// ---- helpers ----

const dispatchTestConfig = `
max_minutes: 240
families:
  compute:
    skus:
      cpu2x4: {name: "2x4", per_minute: 4, currency: USD}
  gpu:
    skus:
      a100: {name: "A100", per_minute: 180, currency: USD}
      whisper: {name: "Whisper", per_minute: 30, currency: USD}
`

type fixture struct {
	disp     *service.Dispatcher
	queues   map[entity.Family]*memQueue
	statuses *memStatusStore
	notifier *fakeNotifier
	archive  *fakeArchive
	payments *fakePayments
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "families.yaml")
	if err := os.WriteFile(path, []byte(dispatchTestConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	table, err := pricing.Load(path)
	if err != nil {
		t.Fatalf("load pricing: %v", err)
	}

	f := &fixture{
		queues: map[entity.Family]*memQueue{
			entity.FamilyCompute: {},
			entity.FamilyGPU:     {},
		},
		statuses: newMemStatusStore(),
		notifier: &fakeNotifier{},
		archive:  &fakeArchive{},
		payments: &fakePayments{},
		now:      time.Unix(1700000000, 0),
	}

	queues := map[entity.Family]service.Queue{}
	for k, q := range f.queues {
		queues[k] = q
	}

	f.disp = service.NewDispatcher(service.Options{
		Codec:    token.NewCodecAt([]byte("dispatch-test-secret"), func() time.Time { return f.now }),
		Pricing:  table,
		Payments: f.payments,
		Queues:   queues,
		Statuses: f.statuses,
		Ledger:   newMemLedger(),
		Notifier: f.notifier,
		Archive:  f.archive,
		Now:      func() time.Time { return f.now },
	}, zap.NewNop())
	return f
}

func (f *fixture) mintToken(t *testing.T, kind, sku string, minutes int, ref string) string {
	t.Helper()
	res, err := f.disp.Mint(context.Background(), service.MintRequest{
		Kind:       kind,
		Product:    sku,
		Minutes:    minutes,
		Email:      "a@b.com",
		PaymentRef: ref,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return res.Token
}

// ---- tests ----

func TestLifecycleMintRedeemPickComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")

	id, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if n, _ := f.queues[entity.FamilyCompute].Len(ctx); n != 1 {
		t.Fatalf("expected queue length 1, got %d", n)
	}
	rec, err := f.disp.Status(ctx, id, "")
	if err != nil || rec.Status != entity.StatusQueued {
		t.Fatalf("expected queued record, got %+v err=%v", rec, err)
	}

	job, err := f.disp.Pick(ctx, nil, []string{"cpu2x4"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected job %s, got %+v", id, job)
	}
	if n, _ := f.queues[entity.FamilyCompute].Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after pick, got %d", n)
	}
	rec, _ = f.disp.Status(ctx, id, "")
	if rec.Status != entity.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
	if rec.Email != "a@b.com" {
		t.Fatalf("merge lost email: %+v", rec)
	}

	if err := f.disp.Complete(ctx, id, "compute", true, "all done", "https://logs/1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, _ = f.disp.Status(ctx, id, "")
	if rec.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.FinishedAt == 0 {
		t.Fatalf("expected finished_at to be set")
	}

	// one mail for running, one for completed
	if got := f.notifier.count(); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}
	if len(f.archive.recs) != 1 || f.archive.recs[0].Status != entity.StatusCompleted {
		t.Fatalf("expected one archived terminal record, got %+v", f.archive.recs)
	}
}

func TestRedeemReplayRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")

	if _, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if !errors.Is(err, service.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
	if n, _ := f.queues[entity.FamilyCompute].Len(ctx); n != 1 {
		t.Fatalf("replay must not enqueue a second job, length=%d", n)
	}
}

func TestRedeemRetriesAfterTransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")

	f.queues[entity.FamilyCompute].err = errors.New("connection refused")
	_, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if !errors.Is(err, service.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	// the failed attempt must not burn the token: the retry is a first use
	f.queues[entity.FamilyCompute].err = nil
	id, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
	if n, _ := f.queues[entity.FamilyCompute].Len(ctx); n != 1 {
		t.Fatalf("expected 1 queued job after retry, got %d", n)
	}
	if rec, err := f.disp.Status(ctx, id, "compute"); err != nil || rec.Status != entity.StatusQueued {
		t.Fatalf("expected queued record after retry, got %+v err=%v", rec, err)
	}

	// single-use still holds once a redeem has gone through
	if _, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil); !errors.Is(err, service.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed after successful redeem, got %v", err)
	}
}

func TestRedeemWrongKindRejected(t *testing.T) {
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")

	_, err := f.disp.Redeem(context.Background(), tok, entity.FamilyGPU, nil)
	if !errors.Is(err, service.ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}

func TestRedeemGarbageToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Redeem(context.Background(), "v1.not.a-token", entity.FamilyCompute, nil)
	if !errors.Is(err, service.ErrMalformedToken) && !errors.Is(err, service.ErrBadSignature) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")
	f.now = f.now.Add(8 * 24 * time.Hour)

	_, err := f.disp.Redeem(context.Background(), tok, entity.FamilyCompute, nil)
	if !errors.Is(err, service.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		tok := f.mintToken(t, "compute", "cpu2x4", 60, fmt.Sprintf("pay_%d", i))
		id, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
		if err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		job, err := f.disp.Pick(ctx, []entity.Family{entity.FamilyCompute}, nil)
		if err != nil || job == nil {
			t.Fatalf("pick %d: job=%v err=%v", i, job, err)
		}
		if job.ID != ids[i] {
			t.Fatalf("pick %d: expected %s, got %s", i, ids[i], job.ID)
		}
	}
}

func TestConcurrentPicksClaimEachJobExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	for i := 0; i < n; i++ {
		tok := f.mintToken(t, "compute", "cpu2x4", 60, fmt.Sprintf("pay_%d", i))
		if _, err := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := f.disp.Pick(ctx, []entity.Family{entity.FamilyCompute}, nil)
			if err != nil {
				t.Errorf("pick: %v", err)
				return
			}
			if job == nil {
				t.Errorf("pick returned no job with %d queued", n)
				return
			}
			mu.Lock()
			seen[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct jobs claimed, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("job %s claimed %d times", id, c)
		}
	}
	if q, _ := f.queues[entity.FamilyCompute].Len(ctx); q != 0 {
		t.Fatalf("expected drained queue, length=%d", q)
	}
}

func TestPickEmptyQueueReturnsNil(t *testing.T) {
	f := newFixture(t)

	job, err := f.disp.Pick(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("empty queue must not be an error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestPickCapabilityMismatchPutsJobBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "gpu", "whisper", 30, "pay_1")
	if _, err := f.disp.Redeem(ctx, tok, entity.FamilyGPU, nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	job, err := f.disp.Pick(ctx, []entity.Family{entity.FamilyGPU}, []string{"a100"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job for mismatched capabilities, got %+v", job)
	}
	if n, _ := f.queues[entity.FamilyGPU].Len(ctx); n != 1 {
		t.Fatalf("job must be back in the queue, length=%d", n)
	}

	// a capable worker still gets it
	job, err = f.disp.Pick(ctx, []entity.Family{entity.FamilyGPU}, []string{"whisper"})
	if err != nil || job == nil || job.SKU != "whisper" {
		t.Fatalf("expected whisper job, got %+v err=%v", job, err)
	}
}

func TestPickStoreOutageIsNotEmptyQueue(t *testing.T) {
	f := newFixture(t)
	f.queues[entity.FamilyCompute].err = errors.New("connection refused")

	_, err := f.disp.Pick(context.Background(), []entity.Family{entity.FamilyCompute}, nil)
	if !errors.Is(err, service.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestNotificationFiresOncePerEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")
	id, _ := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if _, err := f.disp.Pick(ctx, nil, nil); err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got := f.notifier.count(); got != 1 {
		t.Fatalf("expected 1 notification after pick, got %d", got)
	}

	// repeated running pings must not re-notify
	for i := 0; i < 3; i++ {
		if err := f.disp.Progress(ctx, id, "compute", "running", "still going"); err != nil {
			t.Fatalf("progress %d: %v", i, err)
		}
	}
	if got := f.notifier.count(); got != 1 {
		t.Fatalf("expected still 1 notification, got %d", got)
	}

	if err := f.disp.Complete(ctx, id, "compute", true, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := f.notifier.count(); got != 2 {
		t.Fatalf("expected 2 notifications after complete, got %d", got)
	}
}

func TestProgressCannotRegressToQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")
	id, _ := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if _, err := f.disp.Pick(ctx, nil, nil); err != nil {
		t.Fatalf("pick: %v", err)
	}

	err := f.disp.Progress(ctx, id, "compute", "queued", "rewinding")
	if !errors.Is(err, service.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for queued, got %v", err)
	}
	rec, _ := f.disp.Status(ctx, id, "compute")
	if rec.Status != entity.StatusRunning {
		t.Fatalf("running job was rewound: %+v", rec)
	}
}

func TestTerminalStateAbsorbsLaterCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.mintToken(t, "compute", "cpu2x4", 60, "pay_1")
	id, _ := f.disp.Redeem(ctx, tok, entity.FamilyCompute, nil)
	if _, err := f.disp.Pick(ctx, nil, nil); err != nil {
		t.Fatalf("pick: %v", err)
	}
	if err := f.disp.Complete(ctx, id, "compute", false, "oom", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// repeat complete with the opposite outcome: no-op
	if err := f.disp.Complete(ctx, id, "compute", true, "late success", ""); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	rec, _ := f.disp.Status(ctx, id, "compute")
	if rec.Status != entity.StatusFailed || rec.Message != "oom" {
		t.Fatalf("terminal record was overwritten: %+v", rec)
	}

	// progress after terminal: no-op
	if err := f.disp.Progress(ctx, id, "compute", "running", "zombie worker"); err != nil {
		t.Fatalf("progress after terminal: %v", err)
	}
	rec, _ = f.disp.Status(ctx, id, "compute")
	if rec.Status != entity.StatusFailed {
		t.Fatalf("terminal state left: %+v", rec)
	}

	if len(f.archive.recs) != 1 {
		t.Fatalf("expected a single archive insert, got %d", len(f.archive.recs))
	}
}

func TestCompleteWithoutPriorRecordWritesTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.disp.Complete(ctx, "job_1700000000_dead", "compute", false, "worker crashed", ""); err != nil {
		t.Fatalf("out-of-band complete: %v", err)
	}
	rec, err := f.disp.Status(ctx, "job_1700000000_dead", "compute")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != entity.StatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
}

func TestCompleteUnknownIDWithoutKindHint(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Complete(context.Background(), "job_nowhere", "", true, "", "")
	if !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMintRejectsUnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Mint(context.Background(), service.MintRequest{
		Kind: "compute", Product: "tpu-pod", Minutes: 60, PaymentRef: "pay_1",
	})
	if !errors.Is(err, service.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if f.payments.calls != 0 {
		t.Fatalf("gateway must not be called for unknown products")
	}
}

func TestMintSurfacesPaymentErrors(t *testing.T) {
	f := newFixture(t)
	f.payments.err = errors.New("boom")

	_, err := f.disp.Mint(context.Background(), service.MintRequest{
		Kind: "compute", Product: "cpu2x4", Minutes: 60, PaymentRef: "pay_1",
	})
	if !errors.Is(err, service.ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
}

func TestMintClampsMinutes(t *testing.T) {
	f := newFixture(t)

	res, err := f.disp.Mint(context.Background(), service.MintRequest{
		Kind: "compute", Product: "cpu2x4", Minutes: 100000, PaymentRef: "pay_1",
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if res.Amount != 4*240 {
		t.Fatalf("expected clamped price %d, got %d", 4*240, res.Amount)
	}
}
