package clients

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/flexvod/caption-api/log"
)

// AlertLevel tags the severity of an operator notification.
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

const webhookTimeout = 10 * time.Second

// Alerter is the fire-and-forget notification surface.
type Alerter interface {
	Emit(level AlertLevel, message string, fields map[string]string)
}

// AlertSink delivers alerts to a webhook when one is configured, otherwise to
// the structured log. Delivery failures are logged and never retried; there
// is no acknowledgment contract.
type AlertSink struct {
	WebhookURL string
	httpClient *http.Client
}

func NewAlertSink(webhookURL string) *AlertSink {
	return &AlertSink{
		WebhookURL: webhookURL,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

type webhookField struct {
	K string `json:"k"`
	V string `json:"v"`
}

type webhookPayload struct {
	Text   string         `json:"text"`
	Fields []webhookField `json:"fields"`
}

func (s *AlertSink) Emit(level AlertLevel, message string, fields map[string]string) {
	if s.WebhookURL == "" {
		keyvals := []interface{}{"level", string(level)}
		for _, k := range sortedKeys(fields) {
			keyvals = append(keyvals, k, fields[k])
		}
		log.LogNoVideoID(message, keyvals...)
		return
	}

	payload := webhookPayload{Text: "[" + string(level) + "] " + message}
	for _, k := range sortedKeys(fields) {
		payload.Fields = append(payload.Fields, webhookField{K: k, V: fields[k]})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.LogNoVideoID("alert payload marshal failed", "err", err)
		return
	}

	resp, err := s.httpClient.Post(s.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.LogNoVideoID("alert webhook delivery failed", "err", err, "alert", message)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.LogNoVideoID("alert webhook rejected payload", "status", resp.StatusCode, "alert", message)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
