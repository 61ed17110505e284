// Package seeder generates synthetic beacon traffic for exercising a pipeline.
package seeder

import (
	"net/url"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

var (
	actions = []string{"page_view", "page_view", "page_view", "click", "scroll", "form_submit", "video_play"}
	paths   = []string{"/", "/pricing", "/docs", "/blog", "/signup", "/login", "/checkout", "/support"}
)

// Generator produces beacon-shaped events. A fixed seed yields the same
// sequence of events apart from their timestamps.
type Generator struct {
	faker    *gofakeit.Faker
	sessions []string
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := gofakeit.New(seed)

	// A small pool of sessions makes the traffic look like returning visitors.
	sessions := make([]string, 8)
	for i := range sessions {
		sessions[i] = f.UUID()
	}
	return &Generator{faker: f, sessions: sessions}
}

// EventTime places event index of total across spread, going backwards from
// now, with up to 40% jitter around its even spacing.
func (g *Generator) EventTime(now time.Time, index, total int, spread time.Duration) time.Time {
	if spread <= 0 || total <= 0 {
		return now
	}

	baseInterval := float64(spread) / float64(total)
	baseOffset := time.Duration(float64(index) * baseInterval)

	jitterRange := baseInterval * 0.4
	jitter := time.Duration((g.faker.Float64()*2.0 - 1.0) * jitterRange)

	offset := baseOffset + jitter
	if offset < 0 {
		offset = 0
	}
	if offset > spread {
		offset = spread
	}
	return now.Add(-(spread - offset))
}

// Event returns one synthetic beacon event stamped with at.
func (g *Generator) Event(at time.Time) map[string]interface{} {
	f := g.faker
	host := f.DomainName()
	page := url.URL{Scheme: "https", Host: host, Path: f.RandomString(paths)}

	event := map[string]interface{}{
		"id":         f.UUID(),
		"action":     f.RandomString(actions),
		"page":       page.String(),
		"referrer":   f.URL(),
		"session_id": g.sessions[f.Number(0, len(g.sessions)-1)],
		"client_ip":  f.IPv4Address(),
		"user_agent": f.UserAgent(),
		"country":    f.CountryAbr(),
		"@timestamp": models.FormatTimestamp(at),
	}

	if event["action"] == "click" {
		event["element"] = f.RandomString([]string{"button.cta", "a.nav", "img.hero", "button.buy"})
	}
	if event["action"] == "form_submit" {
		event["user"] = f.Username()
	}
	return event
}
