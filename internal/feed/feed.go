package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmorgan81/imagegen/internal/activity"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Generator struct {
	activity *activity.Log
	link     string
	now      func() time.Time
}

func NewGenerator(i *do.Injector) (*Generator, error) {
	return New(do.MustInvoke[*activity.Log](i), do.MustInvokeNamed[string](i, "public_url")), nil
}

func New(l *activity.Log, link string) *Generator {
	return &Generator{activity: l, link: strings.TrimRight(link, "/"), now: time.Now}
}

// Generate renders recent cache and generation activity as RSS 2.0.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")

	events := g.activity.List()
	log.Debug("generating rss feed", "events", len(events))

	feed := feeds.Feed{
		Title:       "imagegen",
		Description: "Pipeline loads, evictions and generations",
		Link:        &feeds.Link{Href: g.link + "/feed"},
		Updated:     lo.TernaryF(len(events) > 0, func() time.Time { return events[0].At }, g.now),
	}
	feed.Items = lo.Map(events, func(e activity.Event, _ int) *feeds.Item {
		return &feeds.Item{
			Id:          e.ID,
			Title:       fmt.Sprintf("%s: %s", e.Type, e.Model),
			Link:        &feeds.Link{Href: g.link + "/feed#" + e.ID},
			Description: e.Note,
			Created:     e.At,
		}
	})

	rss, err := feed.ToRss()
	if err != nil {
		return nil, fmt.Errorf("rendering rss: %w", err)
	}
	return []byte(rss), nil
}
