package seeder

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Webhook is one generated request.
type Webhook struct {
	Source  string
	Body    []byte
	Headers map[string]string
}

// Generator builds signed webhook bodies from fake data.
type Generator struct {
	faker      *gofakeit.Faker
	secrets    SecretsConfig
	projectKey string
	now        func() time.Time
	issueSeq   int
}

// NewGenerator creates a generator. A zero seed picks a random one.
func NewGenerator(seed int64, secrets SecretsConfig, projectKey string) *Generator {
	if projectKey == "" {
		projectKey = "MER"
	}
	return &Generator{
		faker:      gofakeit.New(seed),
		secrets:    secrets,
		projectKey: projectKey,
		now:        time.Now,
	}
}

// Next generates a webhook for source.
func (g *Generator) Next(source string) (Webhook, error) {
	switch source {
	case "jira":
		return g.Jira()
	case "zoom":
		return g.Zoom()
	case "slack":
		return g.Slack()
	default:
		return Webhook{}, fmt.Errorf("unknown source %q", source)
	}
}

// adf wraps plain text in a minimal Atlassian document.
func adf(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type":    "paragraph",
				"content": []any{map[string]any{"type": "text", "text": text}},
			},
		},
	}
}

// Jira generates an issue created or updated event.
func (g *Generator) Jira() (Webhook, error) {
	f := g.faker
	g.issueSeq++
	now := g.now().UTC()

	event := "jira:issue_created"
	if g.issueSeq > 1 && f.Bool() {
		event = "jira:issue_updated"
	}
	fields := map[string]any{
		"summary":     strings.TrimSuffix(f.Sentence(6), "."),
		"description": adf(f.Paragraph(1, 3, 12, " ")),
		"status":      map[string]string{"name": f.RandomString([]string{"To Do", "In Progress", "In Review", "Done"})},
		"priority":    map[string]string{"name": f.RandomString([]string{"Highest", "High", "Medium", "Low"})},
		"issuetype":   map[string]string{"name": f.RandomString([]string{"Story", "Task", "Bug", "Epic"})},
		"project":     map[string]string{"key": g.projectKey},
		"assignee":    map[string]string{"displayName": f.Name(), "emailAddress": f.Email()},
		"labels":      []string{f.Noun(), f.BuzzWord()},
		"created":     now.Format("2006-01-02T15:04:05.000-0700"),
	}
	if f.Bool() {
		fields["duedate"] = now.AddDate(0, 0, f.Number(3, 60)).Format("2006-01-02")
	}

	body, err := json.Marshal(map[string]any{
		"webhookEvent": event,
		"timestamp":    now.UnixMilli(),
		"issue": map[string]any{
			"id":     strconv.Itoa(10000 + f.Number(1, 89999)),
			"key":    fmt.Sprintf("%s-%d", g.projectKey, g.issueSeq),
			"fields": fields,
		},
	})
	if err != nil {
		return Webhook{}, err
	}

	headers := map[string]string{}
	if g.secrets.Jira != "" {
		headers["X-Hub-Signature"] = "sha256=" + sign(g.secrets.Jira, body)
	}
	return Webhook{Source: "jira", Body: body, Headers: headers}, nil
}

// Zoom generates a meeting.ended event.
func (g *Generator) Zoom() (Webhook, error) {
	f := g.faker
	now := g.now().UTC()
	duration := f.Number(15, 90)

	body, err := json.Marshal(map[string]any{
		"event":    "meeting.ended",
		"event_ts": now.UnixMilli(),
		"payload": map[string]any{
			"account_id": f.LetterN(22),
			"object": map[string]any{
				"id":         f.Number(100000000, 999999999),
				"uuid":       f.UUID(),
				"topic":      f.RandomString([]string{"Sprint planning", "Design review", "Weekly sync", "Incident retro"}) + ": " + f.BuzzWord(),
				"start_time": now.Add(-time.Duration(duration) * time.Minute).Format(time.RFC3339),
				"duration":   duration,
				"host_id":    f.LetterN(22),
				"host_email": f.Email(),
			},
		},
	})
	if err != nil {
		return Webhook{}, err
	}
	return Webhook{Source: "zoom", Body: body, Headers: g.v0Headers(g.secrets.Zoom, "x-zm-signature", "x-zm-request-timestamp", now, body)}, nil
}

// Slack generates a message event callback.
func (g *Generator) Slack() (Webhook, error) {
	f := g.faker
	now := g.now().UTC()

	text := fmt.Sprintf("%s will %s the %s by %s",
		f.FirstName(), f.Verb(), f.Noun(), now.AddDate(0, 0, f.Number(1, 14)).Weekday())
	body, err := json.Marshal(map[string]any{
		"type":     "event_callback",
		"team_id":  "T" + strings.ToUpper(f.LetterN(8)),
		"event_id": "Ev" + strings.ToUpper(f.LetterN(10)),
		"event": map[string]any{
			"type":    "message",
			"channel": "C" + strings.ToUpper(f.LetterN(8)),
			"user":    "U" + strings.ToUpper(f.LetterN(8)),
			"text":    text,
			"ts":      fmt.Sprintf("%d.%06d", now.Unix(), f.Number(0, 999999)),
		},
	})
	if err != nil {
		return Webhook{}, err
	}
	return Webhook{Source: "slack", Body: body, Headers: g.v0Headers(g.secrets.Slack, "X-Slack-Signature", "X-Slack-Request-Timestamp", now, body)}, nil
}

func (g *Generator) v0Headers(secret, sigHeader, tsHeader string, now time.Time, body []byte) map[string]string {
	if secret == "" {
		return map[string]string{}
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		tsHeader:  ts,
		sigHeader: "v0=" + sign(secret, []byte("v0:"+ts+":"), body),
	}
}

func sign(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
