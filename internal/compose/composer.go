// Package compose turns deduplicated articles into a delivery-ready digest.
package compose

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// Composer renders category digests into one newsletter payload.
type Composer struct {
	cfg   config.NewsletterConfig
	tmpl  *template.Template
	clock digest.Clock
}

// New creates a Composer.
func New(cfg config.NewsletterConfig, clock digest.Clock) *Composer {
	return &Composer{
		cfg:   cfg,
		tmpl:  template.Must(template.New("newsletter").Funcs(templateFuncs).Parse(newsletterTemplate)),
		clock: clock,
	}
}

type templateData struct {
	Title        string
	Categories   []digest.CategoryDigest
	SiteURL      string
	SubscribeURL string
	GeneratedAt  time.Time
}

var templateFuncs = template.FuncMap{
	"fmtTime": func(t time.Time) string {
		return t.Format("2006-01-02 15:04")
	},
}

// Compose drops empty categories, orders each remaining category newest
// first, and renders the payload. A digest with no articles anywhere comes
// back empty with a nil error: "nothing to send" is not a failure.
func (c *Composer) Compose(categories []digest.CategoryDigest) (digest.Digest, error) {
	now := c.clock.Now()

	kept := make([]digest.CategoryDigest, 0, len(categories))
	for _, cat := range categories {
		if len(cat.Articles) == 0 {
			continue
		}
		articles := make([]digest.Article, len(cat.Articles))
		copy(articles, cat.Articles)
		sort.SliceStable(articles, func(i, j int) bool {
			return articles[i].PublishedAt.After(articles[j].PublishedAt)
		})
		kept = append(kept, digest.CategoryDigest{Name: cat.Name, Articles: articles})
	}

	if len(kept) == 0 {
		return digest.Digest{}, nil
	}

	var sb strings.Builder
	err := c.tmpl.Execute(&sb, templateData{
		Title:        c.cfg.Title,
		Categories:   kept,
		SiteURL:      c.cfg.SiteURL,
		SubscribeURL: c.cfg.SubscribeURL,
		GeneratedAt:  now,
	})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("render newsletter: %w", err)
	}

	return digest.Digest{
		Subject:     fmt.Sprintf("%s %s", c.cfg.SubjectPrefix, now.Format("2006-01-02")),
		HTML:        sb.String(),
		Categories:  kept,
		GeneratedAt: now,
	}, nil
}

const newsletterTemplate = `<div style="font-family: Arial, sans-serif; max-width: 800px; margin: 0 auto;">
  <h1 style="color: #333; text-align: center;">{{.Title}}</h1>
  <p style="color: #666; text-align: center;">Top stories from the last 24 hours.</p>
{{- if .SubscribeURL}}
  <div style="text-align: center; margin: 20px 0;">
    <a href="{{.SubscribeURL}}" style="display: inline-block; background-color: #4F46E5; color: white; text-decoration: none; padding: 10px 20px; border-radius: 5px; font-size: 14px;">Subscribe</a>
  </div>
{{- end}}
  <hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
{{- range .Categories}}
  <div style="margin: 20px 0;">
    <h2 style="color: #2c5282; border-bottom: 2px solid #2c5282; padding-bottom: 5px;">{{.Name}} ({{len .Articles}})</h2>
    <ul style="list-style-type: none; padding: 0;">
{{- range .Articles}}
      <li style="margin: 15px 0; padding: 15px; background: #f8f9fa; border-radius: 5px; border: 1px solid #e2e8f0;">
        <a href="{{.Link}}" style="color: #2c5282; text-decoration: none; font-weight: bold; font-size: 16px; display: block; margin-bottom: 8px;">{{.Title}}</a>
        <p style="color: #4a5568; margin: 8px 0; font-size: 14px; line-height: 1.5;">{{.Description}}</p>
        <div style="display: flex; justify-content: space-between; font-size: 12px; color: #718096;">
          <span>{{fmtTime .PublishedAt}}</span>
          <span style="background: #EDF2F7; padding: 2px 8px; border-radius: 12px; font-size: 11px;">{{.SourceKeyword}}</span>
        </div>
      </li>
{{- end}}
    </ul>
  </div>
{{- end}}
  <hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
  <div style="text-align: center; margin-top: 30px; padding: 20px; background: #f8f9fa;">
    <p style="color: #666;">This newsletter was generated automatically.</p>
{{- if .SiteURL}}
    <a href="{{.SiteURL}}" style="color: #4F46E5; text-decoration: none; font-size: 14px;">Visit our site</a>
{{- end}}
  </div>
</div>
`
