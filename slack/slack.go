// Package slack posts analysis summaries to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mealsnap"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	webhookURL string
	httpClient doer
}

func NewClient(webhookURL string, httpClient doer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message: %s", resp.Status)
	}

	return nil
}

// PostAnalysis posts the summary of r to channel.
func (c *Client) PostAnalysis(ctx context.Context, channel string, r mealsnap.AnalysisResult) error {
	return c.PostMessage(ctx, channel, Summary(r))
}

// Summary renders r as Slack mrkdwn.
func Summary(r mealsnap.AnalysisResult) string {
	var b strings.Builder

	counted := r.Profile.CountedItems()
	fmt.Fprintf(&b, "*Meal analysis* (%d item(s) counted", counted)
	if excluded := len(r.Profile.ExcludedItems()); excluded > 0 {
		fmt.Fprintf(&b, ", %d excluded", excluded)
	}
	b.WriteString(")\n")

	for _, k := range mealsnap.NutrientKinds {
		m, ok := r.Profile.Totals[k]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "• %s: %.0f ± %.0f %s\n", k, m.Value, m.Uncertainty, k.Unit())
	}

	for _, item := range r.Profile.Breakdown {
		if item.Excluded {
			fmt.Fprintf(&b, "_skipped %s: %s_\n", item.Label, item.ExclusionReason)
		}
	}

	if len(r.DietaryTags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(r.DietaryTags, ", "))
	}
	if alert := r.AllergenAlert; len(alert.Detected) > 0 {
		fmt.Fprintf(&b, ":warning: Allergen risk %s: %s\n", alert.RiskLevel, alert.Advice)
	}

	if text := r.Recommendation.Text; text != "" {
		fmt.Fprintf(&b, "> %s\n", text)
	}
	for _, insight := range r.Recommendation.Insights {
		fmt.Fprintf(&b, "  - %s\n", insight)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier posts every analysis it is given to one channel.
type Notifier struct {
	client  *Client
	channel string
}

func (c *Client) Notifier(channel string) *Notifier {
	return &Notifier{client: c, channel: channel}
}

func (n *Notifier) Notify(ctx context.Context, r mealsnap.AnalysisResult) error {
	return n.client.PostAnalysis(ctx, n.channel, r)
}
