package httptransport

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(sw, r)

			log.Info("request",
				zap.String("req_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int("bytes", sw.bytes),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

type ctxKey int

const grantedFamiliesKey ctxKey = iota

// WorkerAuth admits requests carrying a bearer credential found in any
// family's allow-list and records which families that credential grants.
// Comparison is constant-time per candidate. The token secret and worker
// credentials are distinct trust domains; a valid order token never passes
// here.
func WorkerAuth(creds map[entity.Family][]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := bearerToken(r)
			if supplied == "" {
				writeErr(w, http.StatusUnauthorized, "unauthorized", "missing worker credential")
				return
			}

			var granted []entity.Family
			for _, fam := range entity.Families {
				for _, key := range creds[fam] {
					if key != "" && hmac.Equal([]byte(key), []byte(supplied)) {
						granted = append(granted, fam)
						break
					}
				}
			}
			if len(granted) == 0 {
				writeErr(w, http.StatusUnauthorized, "unauthorized", "unknown worker credential")
				return
			}

			ctx := context.WithValue(r.Context(), grantedFamiliesKey, granted)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GrantedFamilies returns the families the request's credential may act on.
func GrantedFamilies(ctx context.Context) []entity.Family {
	fams, _ := ctx.Value(grantedFamiliesKey).([]entity.Family)
	return fams
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// alternate header for workers behind proxies that eat Authorization
	return strings.TrimSpace(r.Header.Get("X-Worker-Key"))
}
