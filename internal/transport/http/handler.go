package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/hooks"
	"order-dispatch-service/internal/payment"
	"order-dispatch-service/internal/service"
)

// maxWebhookBody caps how much of a notification we are willing to buffer
// before signature verification.
const maxWebhookBody = 1 << 20

// ArchiveReader is the read side of the terminal-job archive.
type ArchiveReader interface {
	ListRecent(ctx context.Context, limit int) ([]entity.StatusRecord, error)
	GetByID(ctx context.Context, id string) (*entity.StatusRecord, error)
}

type Handler struct {
	disp     *service.Dispatcher
	webhooks *payment.WebhookVerifier
	deploy   *hooks.DeployTrigger
	archive  ArchiveReader // nil when no archive DB is configured
	diag     []SecretDiag
	log      *zap.Logger
}

func NewHandler(disp *service.Dispatcher, webhooks *payment.WebhookVerifier, deploy *hooks.DeployTrigger, archive ArchiveReader, diag []SecretDiag, log *zap.Logger) *Handler {
	return &Handler{
		disp:     disp,
		webhooks: webhooks,
		deploy:   deploy,
		archive:  archive,
		diag:     diag,
		log:      log.Named("handler"),
	}
}

type mintDTO struct {
	Kind       string `json:"kind"`
	Product    string `json:"product"`
	Minutes    int    `json:"minutes"`
	Email      string `json:"email,omitempty"`
	PaymentRef string `json:"payment_ref"`
	Promo      string `json:"promo,omitempty"`
}

type mintResp struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// CreateOrder godoc
// @Summary Exchange a captured payment for a signed redemption token
// @Description Verifies the payment reference against the gateway at the server-computed price, then mints a time-limited order token.
// @Tags orders
// @Accept json
// @Produce json
// @Param request body mintDTO true "order request"
// @Success 201 {object} mintResp
// @Failure 400 {object} apiError
// @Failure 422 {object} apiError
// @Failure 503 {object} apiError
// @Router /api/v1/orders [post]
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var dto mintDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if dto.PaymentRef == "" {
		writeErr(w, http.StatusBadRequest, "missing_payment_ref", "payment_ref is required")
		return
	}

	res, err := h.disp.Mint(r.Context(), service.MintRequest{
		Kind:       dto.Kind,
		Product:    dto.Product,
		Minutes:    dto.Minutes,
		Email:      dto.Email,
		PaymentRef: dto.PaymentRef,
		Promo:      dto.Promo,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mintResp{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		Amount:    res.Amount,
		Currency:  res.Currency,
	})
}

type redeemDTO struct {
	Token string          `json:"token"`
	Kind  string          `json:"kind"`
	Spec  json.RawMessage `json:"spec,omitempty"`
}

type redeemResp struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
}

// RedeemJob godoc
// @Summary Redeem an order token into a queued job
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body redeemDTO true "redemption request"
// @Success 201 {object} redeemResp
// @Failure 401 {object} apiError
// @Failure 409 {object} apiError
// @Router /api/v1/jobs/redeem [post]
func (h *Handler) RedeemJob(w http.ResponseWriter, r *http.Request) {
	var dto redeemDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	kind, err := entity.ParseFamily(dto.Kind)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "wrong_kind", err.Error())
		return
	}

	id, err := h.disp.Redeem(r.Context(), dto.Token, kind, dto.Spec)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redeemResp{Queued: true, ID: id})
}

// GetJob godoc
// @Summary Get the status record for a job
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} entity.StatusRecord
// @Failure 404 {object} apiError
// @Router /api/v1/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.disp.Status(r.Context(), id, r.URL.Query().Get("kind"))
	if err != nil {
		// the live record lapses with its TTL; terminal jobs survive in the
		// archive, so try there before reporting not found
		if errors.Is(err, service.ErrNotFound) && h.archive != nil {
			if archived, aerr := h.archive.GetByID(r.Context(), id); aerr == nil {
				writeJSON(w, http.StatusOK, archived)
				return
			}
		}
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type webhookEvent struct {
	Event   string `json:"event"`
	Guard   string `json:"guard,omitempty"`
	Payload struct {
		PaymentRef string `json:"payment_ref"`
	} `json:"payload"`
}

// PaymentWebhook authenticates the gateway's asynchronous notification over
// the raw body bytes before any JSON parsing, then fires the deploy trigger
// for captured payments. Signature-valid events are always acknowledged with
// a 2xx, even when the trigger fails, so the gateway does not retry-storm.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", "unable to read body")
		return
	}

	sig := r.Header.Get("X-Gateway-Signature")
	if err := h.webhooks.Authenticate(raw, sig); err != nil {
		writeErr(w, http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch")
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		// signature was valid, so this is our integration misbehaving, not
		// an attacker; acknowledge to stop retries and log it
		h.log.Warn("signed webhook with unparseable body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if !h.webhooks.GuardMatches(evt.Guard) {
		writeJSON(w, http.StatusAccepted, map[string]bool{"received": true, "ignored": true})
		return
	}

	if evt.Event == "payment.captured" {
		h.log.Info("payment captured", zap.String("payment_ref", evt.Payload.PaymentRef))
		h.deploy.Fire(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type pickDTO struct {
	Kinds []string `json:"kinds,omitempty"`
	SKUs  []string `json:"skus,omitempty"`
}

type pickResp struct {
	Job *entity.Job `json:"job"`
}

// PickJob godoc
// @Summary Atomically claim one queued job
// @Description Returns {"job": null} when nothing matches the worker's capabilities; that is a normal polling outcome.
// @Tags worker
// @Accept json
// @Produce json
// @Param request body pickDTO true "worker capabilities"
// @Success 200 {object} pickResp
// @Failure 401 {object} apiError
// @Failure 503 {object} apiError
// @Security BearerAuth
// @Router /api/v1/worker/pick [post]
func (h *Handler) PickJob(w http.ResponseWriter, r *http.Request) {
	var dto pickDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	granted := GrantedFamilies(r.Context())
	kinds := granted
	if len(dto.Kinds) > 0 {
		kinds = kinds[:0:0]
		for _, k := range dto.Kinds {
			fam, err := entity.ParseFamily(k)
			if err != nil {
				continue
			}
			for _, g := range granted {
				if g == fam {
					kinds = append(kinds, fam)
					break
				}
			}
		}
		// every requested family fell outside the credential's grant: that
		// is an empty result, and must never widen into a scan of all
		// families
		if len(kinds) == 0 {
			writeJSON(w, http.StatusOK, pickResp{Job: nil})
			return
		}
	}

	job, err := h.disp.Pick(r.Context(), kinds, dto.SKUs)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pickResp{Job: job})
}

type progressDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProgressJob godoc
// @Summary Report job progress
// @Tags worker
// @Accept json
// @Produce json
// @Param request body progressDTO true "progress report"
// @Success 200 {object} map[string]bool
// @Failure 401 {object} apiError
// @Security BearerAuth
// @Router /api/v1/worker/progress [post]
func (h *Handler) ProgressJob(w http.ResponseWriter, r *http.Request) {
	var dto progressDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if dto.ID == "" {
		writeErr(w, http.StatusBadRequest, "missing_id", "id is required")
		return
	}

	if err := h.disp.Progress(r.Context(), dto.ID, dto.Kind, dto.Status, dto.Message); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type completeDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	LogURL  string `json:"log_url,omitempty"`
}

// CompleteJob godoc
// @Summary Finalize a job
// @Tags worker
// @Accept json
// @Produce json
// @Param request body completeDTO true "completion report"
// @Success 200 {object} map[string]bool
// @Failure 401 {object} apiError
// @Security BearerAuth
// @Router /api/v1/worker/complete [post]
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var dto completeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if dto.ID == "" {
		writeErr(w, http.StatusBadRequest, "missing_id", "id is required")
		return
	}

	if err := h.disp.Complete(r.Context(), dto.ID, dto.Kind, dto.Success, dto.Message, dto.LogURL); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type queueStatsResp struct {
	Family string       `json:"family"`
	Length int64        `json:"length"`
	Oldest []entity.Job `json:"oldest"`
}

// QueueStats godoc
// @Summary Queue length and oldest pending jobs for one family
// @Tags worker
// @Produce json
// @Param family path string true "family (compute|gpu|storage)"
// @Success 200 {object} queueStatsResp
// @Failure 401 {object} apiError
// @Security BearerAuth
// @Router /api/v1/queues/{family} [get]
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	fam, err := entity.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "wrong_kind", err.Error())
		return
	}

	length, oldest, err := h.disp.QueueStats(r.Context(), fam)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResp{Family: string(fam), Length: length, Oldest: oldest})
}

// ListArchive godoc
// @Summary List recently finished jobs from the archive
// @Tags worker
// @Produce json
// @Success 200 {array} entity.StatusRecord
// @Failure 401 {object} apiError
// @Security BearerAuth
// @Router /api/v1/jobs/archive [get]
func (h *Handler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeErr(w, http.StatusNotImplemented, "archive_disabled", "no archive database configured")
		return
	}
	recs, err := h.archive.ListRecent(r.Context(), 50)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, "store_unavailable", "archive query failed")
		return
	}
	if recs == nil {
		recs = []entity.StatusRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// DebugConfig exposes derived diagnostics of the configured secrets (hash
// prefixes and lengths only, never the values).
func (h *Handler) DebugConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.diag)
}
