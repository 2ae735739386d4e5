// Package service holds the Dispatcher, the composition of token codec,
// payment verifier, family queues and status store behind the mint → redeem
// → pick → progress → complete lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/payment"
	"order-dispatch-service/internal/pricing"
	"order-dispatch-service/internal/token"
)

// Queue is the per-family job queue port (implementation: queue.RedisQueue).
type Queue interface {
	Enqueue(ctx context.Context, job entity.Job) error
	Dequeue(ctx context.Context) (*entity.Job, error)
	PutBack(ctx context.Context, job entity.Job) error
	Len(ctx context.Context) (int64, error)
	PeekTail(ctx context.Context, n int64) ([]entity.Job, error)
}

// StatusStore is the status record port (implementation: status.RedisStore).
type StatusStore interface {
	Get(ctx context.Context, kind entity.Family, id string) (*entity.StatusRecord, error)
	Merge(ctx context.Context, kind entity.Family, id string, patch entity.StatusRecord) (*entity.StatusRecord, error)
}

// TokenLedger records consumed tokens (implementation: ledger.RedisLedger).
type TokenLedger interface {
	MarkUsed(ctx context.Context, sigHash string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, sigHash string) error
}

// PaymentVerifier confirms captured payments (implementation:
// payment.GatewayClient).
type PaymentVerifier interface {
	Verify(ctx context.Context, ref string, expectedAmount int64, currency string) error
}

// Notifier delivers best-effort user email; implementations swallow their
// own failures.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string)
}

// Archiver persists terminal job records past the status TTL (implementation:
// postgres.ArchiveRepository). Optional.
type Archiver interface {
	Insert(ctx context.Context, rec entity.StatusRecord) error
}

type Dispatcher struct {
	codec    *token.Codec
	pricing  *pricing.Table
	payments PaymentVerifier
	queues   map[entity.Family]Queue
	statuses StatusStore
	ledger   TokenLedger
	notifier Notifier
	archive  Archiver
	tokenTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

type Options struct {
	Codec    *token.Codec
	Pricing  *pricing.Table
	Payments PaymentVerifier
	Queues   map[entity.Family]Queue
	Statuses StatusStore
	Ledger   TokenLedger
	Notifier Notifier // nil disables notification
	Archive  Archiver // nil disables archiving
	TokenTTL time.Duration
	Now      func() time.Time
}

func NewDispatcher(opts Options, log *zap.Logger) *Dispatcher {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		codec:    opts.Codec,
		pricing:  opts.Pricing,
		payments: opts.Payments,
		queues:   opts.Queues,
		statuses: opts.Statuses,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		archive:  opts.Archive,
		tokenTTL: opts.TokenTTL,
		log:      log.Named("dispatch"),
		now:      opts.Now,
	}
}

type MintRequest struct {
	Kind       string
	Product    string
	Minutes    int
	Email      string
	PaymentRef string
	Promo      string
}

type MintResult struct {
	Token     string
	ExpiresAt int64
	Amount    int64
	Currency  string
}

// Mint verifies the claimed payment against the server-computed price and
// returns a signed redemption token. Nothing is enqueued until redeem.
func (d *Dispatcher) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	kind, err := entity.ParseFamily(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownProduct, err)
	}
	minutes := d.pricing.ClampMinutes(req.Minutes)
	promo := pricing.NormalizePromo(req.Promo)

	amount, currency, err := d.pricing.Price(kind, req.Product, minutes, promo)
	if err != nil {
		switch {
		case errors.Is(err, pricing.ErrUnknownPromo):
			return nil, fmt.Errorf("%w: %v", ErrInvalidPromo, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnknownProduct, err)
		}
	}

	if err := d.payments.Verify(ctx, req.PaymentRef, amount, currency); err != nil {
		return nil, mapPaymentErr(err)
	}

	now := d.now()
	exp := now.Add(d.tokenTTL)
	tok, err := d.codec.Mint(entity.TokenPayload{
		Kind:       kind,
		Product:    req.Product,
		Minutes:    minutes,
		Email:      strings.TrimSpace(req.Email),
		PaymentRef: req.PaymentRef,
		Promo:      promo,
		IssuedAt:   now.Unix(),
		ExpiresAt:  exp.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	d.log.Info("token minted",
		zap.String("kind", string(kind)),
		zap.String("sku", req.Product),
		zap.Int("minutes", minutes),
		zap.String("payment_ref", req.PaymentRef),
	)
	return &MintResult{Token: tok, ExpiresAt: exp.Unix(), Amount: amount, Currency: currency}, nil
}

// Redeem exchanges a valid token for a queued job. The token is single-use:
// its signature hash is check-and-set in the ledger before anything is
// enqueued, so a replay inside the validity window is rejected.
func (d *Dispatcher) Redeem(ctx context.Context, tok string, kind entity.Family, spec json.RawMessage) (string, error) {
	payload, err := d.codec.Verify(tok)
	if err != nil {
		return "", mapTokenErr(err)
	}
	if payload.Kind != kind {
		return "", fmt.Errorf("%w: token is for %s", ErrWrongKind, payload.Kind)
	}
	if _, err := d.pricing.Lookup(kind, payload.Product); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownProduct, err)
	}

	remaining := time.Unix(payload.ExpiresAt, 0).Sub(d.now())
	sigHash := token.SignatureHash(tok)
	first, err := d.ledger.MarkUsed(ctx, sigHash, remaining)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !first {
		return "", ErrTokenAlreadyUsed
	}

	now := d.now()
	job := entity.Job{
		ID:         newJobID(now),
		Kind:       kind,
		SKU:        payload.Product,
		Minutes:    payload.Minutes,
		Email:      payload.Email,
		PaymentRef: payload.PaymentRef,
		Spec:       spec,
		QueuedAt:   now.Unix(),
	}

	if _, err := d.statuses.Merge(ctx, kind, job.ID, entity.StatusRecord{
		Status:   entity.StatusQueued,
		SKU:      job.SKU,
		Minutes:  job.Minutes,
		Email:    job.Email,
		QueuedAt: job.QueuedAt,
	}); err != nil {
		d.unmark(ctx, sigHash)
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := d.queues[kind].Enqueue(ctx, job); err != nil {
		d.unmark(ctx, sigHash)
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d.log.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("sku", job.SKU),
		zap.Int("minutes", job.Minutes),
	)
	return job.ID, nil
}

// Pick atomically claims one queued job matching the worker's capabilities.
// Returns (nil, nil) when nothing matches; an unreachable store is surfaced
// as ErrStoreUnavailable, never as an empty queue.
func (d *Dispatcher) Pick(ctx context.Context, kinds []entity.Family, skus []string) (*entity.Job, error) {
	if len(kinds) == 0 {
		kinds = d.configuredFamilies()
	}

	for _, kind := range kinds {
		q, ok := d.queues[kind]
		if !ok {
			continue
		}
		job, err := q.Dequeue(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if job == nil {
			continue
		}

		if len(skus) > 0 && !containsString(skus, job.SKU) {
			if err := q.PutBack(ctx, *job); err != nil {
				// the claim already removed the job; losing it here is worse
				// than a duplicate, so surface the failure
				return nil, fmt.Errorf("%w: put back %s: %v", ErrStoreUnavailable, job.ID, err)
			}
			continue
		}

		prev, err := d.statuses.Merge(ctx, kind, job.ID, entity.StatusRecord{
			Status:    entity.StatusRunning,
			SKU:       job.SKU,
			Minutes:   job.Minutes,
			Email:     job.Email,
			QueuedAt:  job.QueuedAt,
			StartedAt: d.now().Unix(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		if (prev == nil || prev.Status != entity.StatusRunning) && job.Email != "" {
			d.sendNotification(ctx, job.Email, job.ID, entity.StatusRunning, "")
		}

		d.log.Info("job picked",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)),
			zap.String("sku", job.SKU),
		)
		return job, nil
	}
	return nil, nil
}

// Progress records a worker status ping. Repeating the same status is a
// no-op apart from the TTL refresh; terminal records absorb every later ping.
func (d *Dispatcher) Progress(ctx context.Context, id, kindHint string, statusStr, message string) error {
	st := entity.JobStatus(statusStr)
	switch st {
	case entity.StatusRunning, entity.StatusCompleted, entity.StatusFailed:
	default:
		// queued is written once at redeem; workers only ever report
		// running or a terminal outcome
		return fmt.Errorf("%w: %q", ErrInvalidStatus, statusStr)
	}
	if st.Terminal() {
		return d.Complete(ctx, id, kindHint, st == entity.StatusCompleted, message, "")
	}

	kind, prev, err := d.locate(ctx, kindHint, id)
	if err != nil {
		return err
	}
	if prev == nil && kindHint == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if prev != nil && prev.Status.Terminal() {
		return nil
	}

	patch := entity.StatusRecord{Status: st, Message: message}
	if st == entity.StatusRunning && (prev == nil || prev.StartedAt == 0) {
		patch.StartedAt = d.now().Unix()
	}
	prevAtWrite, err := d.statuses.Merge(ctx, kind, id, patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if st == entity.StatusRunning && (prevAtWrite == nil || prevAtWrite.Status != entity.StatusRunning) {
		if email := recordEmail(prevAtWrite); email != "" {
			d.sendNotification(ctx, email, id, st, message)
		}
	}
	return nil
}

// Complete finalizes a job. A missing status record is tolerated (worker
// crashed between pick and the first progress call): the terminal record is
// written out of band, but only when the caller names the family.
func (d *Dispatcher) Complete(ctx context.Context, id, kindHint string, success bool, message, logURL string) error {
	st := entity.StatusFailed
	if success {
		st = entity.StatusCompleted
	}

	kind, prev, err := d.locate(ctx, kindHint, id)
	if err != nil {
		return err
	}
	if prev == nil && kindHint == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if prev != nil && prev.Status.Terminal() {
		return nil
	}

	patch := entity.StatusRecord{
		Status:     st,
		Message:    message,
		LogURL:     logURL,
		FinishedAt: d.now().Unix(),
	}
	prevAtWrite, err := d.statuses.Merge(ctx, kind, id, patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if prevAtWrite == nil || prevAtWrite.Status != st {
		if email := recordEmail(prevAtWrite); email != "" {
			d.sendNotification(ctx, email, id, st, message)
		}
	}

	if d.archive != nil {
		rec := mergedView(prevAtWrite, patch, id, kind)
		if err := d.archive.Insert(ctx, rec); err != nil {
			d.log.Warn("archive terminal job", zap.String("job_id", id), zap.Error(err))
		}
	}

	d.log.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(st)),
	)
	return nil
}

// Status returns the current record for a job.
func (d *Dispatcher) Status(ctx context.Context, id, kindHint string) (*entity.StatusRecord, error) {
	_, rec, err := d.locate(ctx, kindHint, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// QueueStats reports length and the oldest pending entries of one family
// queue, read-only.
func (d *Dispatcher) QueueStats(ctx context.Context, kind entity.Family) (int64, []entity.Job, error) {
	q, ok := d.queues[kind]
	if !ok {
		return 0, nil, fmt.Errorf("%w: family %s", ErrNotFound, kind)
	}
	n, err := q.Len(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	tail, err := q.PeekTail(ctx, 10)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, tail, nil
}

// locate resolves the family owning a job id. With a hint the lookup is a
// single GET; without one each configured family is tried in order.
func (d *Dispatcher) locate(ctx context.Context, kindHint, id string) (entity.Family, *entity.StatusRecord, error) {
	if kindHint != "" {
		kind, err := entity.ParseFamily(kindHint)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		rec, err := d.statuses.Get(ctx, kind, id)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return kind, rec, nil
	}

	for _, kind := range d.configuredFamilies() {
		rec, err := d.statuses.Get(ctx, kind, id)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if rec != nil {
			return kind, rec, nil
		}
	}
	return "", nil, nil
}

func (d *Dispatcher) configuredFamilies() []entity.Family {
	out := make([]entity.Family, 0, len(d.queues))
	for _, f := range entity.Families {
		if _, ok := d.queues[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (d *Dispatcher) sendNotification(ctx context.Context, email, id string, st entity.JobStatus, message string) {
	if d.notifier == nil {
		return
	}
	var subject, body string
	switch st {
	case entity.StatusRunning:
		subject = "Your job is running"
		body = fmt.Sprintf("Job %s has started.", id)
	case entity.StatusCompleted:
		subject = "Your job completed"
		body = fmt.Sprintf("Job %s finished successfully.", id)
	case entity.StatusFailed:
		subject = "Your job failed"
		body = fmt.Sprintf("Job %s failed.", id)
	default:
		return
	}
	if message != "" {
		body += "\n\n" + message
	}
	d.notifier.Send(ctx, email, subject, body)
}

// unmark releases a consumed-token entry after a failed status write or
// enqueue, so a transient outage does not burn the entitlement. Best-effort:
// if the release itself fails the token stays marked and support has to
// reissue.
func (d *Dispatcher) unmark(ctx context.Context, sigHash string) {
	if err := d.ledger.Unmark(ctx, sigHash); err != nil {
		d.log.Warn("release token ledger entry", zap.String("sig_hash", sigHash), zap.Error(err))
	}
}

func newJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("job_%d_%s", now.Unix(), suffix)
}

func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrBadSignature):
		return ErrBadSignature
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	default:
		return ErrMalformedToken
	}
}

func mapPaymentErr(err error) error {
	switch {
	case errors.Is(err, payment.ErrNotCaptured):
		return fmt.Errorf("%w: %v", ErrPaymentNotCaptured, err)
	case errors.Is(err, payment.ErrAmountTooLow):
		return fmt.Errorf("%w: %v", ErrAmountTooLow, err)
	case errors.Is(err, payment.ErrGatewayUnreachable):
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
}

// mergedView reconstructs the record as written, for archiving, without a
// second store read.
func mergedView(prev *entity.StatusRecord, patch entity.StatusRecord, id string, kind entity.Family) entity.StatusRecord {
	rec := entity.StatusRecord{}
	if prev != nil {
		rec = *prev
	}
	rec.ID = id
	rec.Kind = kind
	rec.Status = patch.Status
	if patch.Message != "" {
		rec.Message = patch.Message
	}
	if patch.LogURL != "" {
		rec.LogURL = patch.LogURL
	}
	rec.FinishedAt = patch.FinishedAt
	return rec
}

func recordEmail(rec *entity.StatusRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Email
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
