// Package services holds in-process implementations for "service" and
// "hybridservice" plugins: tools dispatched without spawning a
// subprocess, registered into internal/dispatch's service registry at
// init time.
package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mywar5/VCPToolBox/internal/dispatch"
)

// SlackAttachmentField mirrors one field in a Slack message attachment.
type SlackAttachmentField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// slackArgs is the expected shape of a slack-notify tool call's args.
type slackArgs struct {
	WebhookURL string                 `json:"webhookUrl"`
	Text       string                 `json:"text"`
	Channel    string                 `json:"channel,omitempty"`
	Fields     []SlackAttachmentField `json:"fields,omitempty"`
}

func init() {
	dispatch.RegisterService("slack-notify", notifySlack)
}

// notifySlack posts a message to a Slack incoming webhook on behalf of
// a tool call, with the webhook URL and text supplied as call
// arguments rather than resolved from plugin config.
func notifySlack(args interface{}) (interface{}, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("slack-notify: invalid args: %w", err)
	}
	var a slackArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("slack-notify: invalid args: %w", err)
	}
	if a.WebhookURL == "" {
		return nil, fmt.Errorf("slack-notify: webhookUrl is required")
	}
	if a.Text == "" {
		return nil, fmt.Errorf("slack-notify: text is required")
	}

	payload := map[string]interface{}{"text": a.Text}
	if a.Channel != "" {
		payload["channel"] = a.Channel
	}
	if len(a.Fields) > 0 {
		payload["attachments"] = []map[string]interface{}{{"fields": a.Fields}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack-notify: failed to encode message: %w", err)
	}

	resp, err := http.Post(a.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack-notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("slack-notify: webhook returned status %d", resp.StatusCode)
	}
	return map[string]interface{}{"delivered": true}, nil
}
