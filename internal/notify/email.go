// Package notify sends best-effort user email through an HTTP mail API.
// Failures are logged and swallowed; notification is never part of a job's
// correctness contract.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type EmailNotifier struct {
	endpoint string
	apiKey   string
	from     string
	httpc    *http.Client
	log      *zap.Logger
}

func NewEmailNotifier(endpoint, apiKey, from string, log *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		log:      log.Named("notify"),
	}
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send posts one message. Any failure is logged at warn and dropped.
func (n *EmailNotifier) Send(ctx context.Context, to, subject, body string) {
	if n.endpoint == "" || to == "" {
		return
	}

	raw, err := json.Marshal(mailRequest{From: n.from, To: to, Subject: subject, Text: body})
	if err != nil {
		n.log.Warn("encode mail request", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(raw))
	if err != nil {
		n.log.Warn("build mail request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.httpc.Do(req)
	if err != nil {
		n.log.Warn("send mail", zap.String("to", to), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("mail api rejected message",
			zap.String("to", to),
			zap.Int("status", resp.StatusCode),
		)
	}
}
