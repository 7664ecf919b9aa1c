// Package metadata builds link previews for web pages that may resist
// scraping: a chain of fetch strategies feeds a goquery extractor, and a
// placeholder is returned when every strategy fails.
package metadata

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"mediabot/internal/domain"
)

// Extract reads title, description, image and favicon from a page.
// Relative image and favicon URLs are resolved against pageURL.
func Extract(html, pageURL string) domain.Metadata {
	md := domain.Metadata{URL: pageURL}
	base, err := url.Parse(pageURL)
	if err == nil {
		md.Domain = base.Host
	}
	if strings.TrimSpace(html) == "" {
		return md
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return md
	}

	md.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if md.Title == "" {
		md.Title = metaContent(doc, "meta[property='og:title']")
	}

	md.Description = metaContent(doc, "meta[name='description']")
	if md.Description == "" {
		md.Description = metaContent(doc, "meta[property='og:description']")
	}

	md.Image = metaContent(doc, "meta[property='og:image']")
	if md.Image == "" {
		md.Image = metaContent(doc, "meta[name='twitter:image'], meta[property='twitter:image']")
	}
	if md.Image == "" {
		md.Image = largeImage(doc)
	}
	md.Image = absolute(base, md.Image)

	for _, sel := range []string{"link[rel='icon']", "link[rel='shortcut icon']"} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			md.Favicon = absolute(base, strings.TrimSpace(href))
			break
		}
	}

	if (md.Title == "" || md.Description == "") && base != nil {
		fillFromReadability(&md, html, base)
	}
	return md
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

// largeImage returns the first <img> declaring a width above 200 pixels.
func largeImage(doc *goquery.Document) string {
	var src string
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		w, _ := s.Attr("width")
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(w), "px")); err == nil && n > 200 {
			src, _ = s.Attr("src")
			return false
		}
		return true
	})
	return strings.TrimSpace(src)
}

func absolute(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func fillFromReadability(md *domain.Metadata, html string, base *url.URL) {
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		return
	}
	if md.Title == "" {
		md.Title = strings.TrimSpace(article.Title)
	}
	if md.Description == "" {
		md.Description = strings.TrimSpace(article.Excerpt)
	}
}

// merge fills the empty fields of dst from src.
func merge(dst *domain.Metadata, src domain.Metadata) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.Image == "" {
		dst.Image = src.Image
	}
	if dst.Favicon == "" {
		dst.Favicon = src.Favicon
	}
	if dst.Domain == "" {
		dst.Domain = src.Domain
	}
}
