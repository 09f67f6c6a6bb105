package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// slackColors maps a run's severity to an attachment side bar
var slackColors = map[NotificationType]string{
	NotifySuccess: "good",
	NotifyWarning: "warning",
	NotifyError:   "danger",
	NotifyInfo:    "#439FE0",
}

// webhookPayload is the incoming-webhook body for one run report
type webhookPayload struct {
	Text        string          `json:"text"`
	Attachments []runAttachment `json:"attachments"`
}

// runAttachment carries the run's outcome fields next to the headline
type runAttachment struct {
	Fallback string       `json:"fallback"`
	Color    string       `json:"color"`
	Text     string       `json:"text,omitempty"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts run reports to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor returns the attachment colour for a notification type
func SlackColor(t NotificationType) string {
	if c, ok := slackColors[t]; ok {
		return c
	}
	return slackColors[NotifyInfo]
}

func slackPayload(n Notification) webhookPayload {
	att := runAttachment{
		Fallback: n.Title,
		Color:    SlackColor(n.Type),
		Text:     n.Message,
		Footer:   "daily-evolve",
	}
	if n.RunID != "" {
		att.Footer = "daily-evolve run " + n.RunID
	}
	for _, f := range n.Fields {
		// the feature label can be long; everything else fits half width
		att.Fields = append(att.Fields, slackField{Title: f.Name, Value: f.Value, Short: f.Name != FieldFeature})
	}
	return webhookPayload{Text: n.Title, Attachments: []runAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(slackPayload(n))
	if err != nil {
		return fmt.Errorf("slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(reason)))
	}
	return nil
}
