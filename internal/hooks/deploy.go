// Package hooks fires the deployment trigger after a captured payment. The
// call is best-effort and time-boxed; the webhook response to the gateway
// never waits on it failing slowly.
package hooks

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const triggerTimeout = 12 * time.Second

type DeployTrigger struct {
	url   string
	httpc *http.Client
	log   *zap.Logger
}

func NewDeployTrigger(url string, log *zap.Logger) *DeployTrigger {
	return &DeployTrigger{
		url:   url,
		httpc: &http.Client{Timeout: triggerTimeout},
		log:   log.Named("deploy"),
	}
}

// Fire posts to the trigger URL. Errors and timeouts are logged only.
func (t *DeployTrigger) Fire(ctx context.Context) {
	if t.url == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader("{}"))
	if err != nil {
		t.log.Warn("build deploy trigger request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		t.log.Warn("deploy trigger failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.log.Warn("deploy trigger rejected", zap.Int("status", resp.StatusCode))
		return
	}
	t.log.Info("deploy trigger fired")
}
