package web_fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/quizchain/internal/helpers"
	"github.com/mohammad-safakhou/quizchain/tools/web_fetch/models"
	"golang.org/x/net/html"
)

const maxLinks = 100

// Extract turns raw HTML into page text, title and absolute resource links. Text covers
// the whole page; readability supplies the title and a fallback when stripping leaves
// nothing.
func Extract(pageURL, rawHTML string, maxChars int) models.Result {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	res := models.Result{URL: pageURL}

	article, aerr := readability.FromReader(strings.NewReader(rawHTML), base)
	if aerr == nil {
		res.Title = strings.TrimSpace(article.Title)
	}
	text := helpers.PlainText(rawHTML)
	if text == "" && aerr == nil {
		text = helpers.NormalizeLines(article.TextContent)
	}
	res.Text, res.Truncated = helpers.Truncate(text, maxChars)
	res.Links = collectLinks(rawHTML, base)
	return res
}

// Format renders a result as the text handed back to the reasoning loop.
func Format(r models.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", r.URL)
	if r.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", r.Title)
	}
	fmt.Fprintf(&b, "Status: %d\n\n", r.Status)
	b.WriteString(r.Text)
	if r.Truncated {
		fmt.Fprintf(&b, "\n[content truncated to %d bytes]", len(r.Text))
	}
	if len(r.Links) > 0 {
		b.WriteString("\n\nLinks:\n")
		for _, l := range r.Links {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var linkAttrs = map[string]string{
	"a":      "href",
	"img":    "src",
	"audio":  "src",
	"video":  "src",
	"source": "src",
	"iframe": "src",
	"form":   "action",
}

func collectLinks(rawHTML string, base *url.URL) []string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) >= maxLinks {
			return
		}
		if n.Type == html.ElementNode {
			if attr := linkAttrs[n.Data]; attr != "" {
				for _, a := range n.Attr {
					if a.Key != attr {
						continue
					}
					if abs := resolve(base, a.Val); abs != "" {
						if _, dup := seen[abs]; !dup {
							seen[abs] = struct{}{}
							out = append(out, abs)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
