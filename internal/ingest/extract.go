package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Extraction is the readable text pulled out of a fetched page.
type Extraction struct {
	Title string
	Text  string
}

// Extract turns a fetched page into plain text. Plain-text responses pass
// through untouched. HTML goes through readability first; when it finds no
// article body (landing pages, bare fragments) a plain DOM text walk is
// the fallback.
func Extract(page Page) (Extraction, error) {
	if strings.HasPrefix(page.ContentType, "text/plain") {
		text := strings.TrimSpace(string(page.Body))
		if text == "" {
			return Extraction{}, fmt.Errorf("extract %s: empty document", page.URL)
		}
		return Extraction{Title: titleFromURL(page.URL), Text: text}, nil
	}

	pageURL, err := url.Parse(page.URL)
	if err != nil {
		return Extraction{}, fmt.Errorf("parse url %s: %w", page.URL, err)
	}

	article, err := readability.FromReader(bytes.NewReader(page.Body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		title := strings.TrimSpace(article.Title)
		if title == "" {
			title = titleFromURL(page.URL)
		}
		return Extraction{Title: title, Text: normalizeText(article.TextContent)}, nil
	}

	title, text, err := walkHTML(page.Body)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract %s: %w", page.URL, err)
	}
	if text == "" {
		return Extraction{}, fmt.Errorf("extract %s: no readable text", page.URL)
	}
	if title == "" {
		title = titleFromURL(page.URL)
	}
	return Extraction{Title: title, Text: text}, nil
}

// walkHTML collects the text nodes of a document, skipping script, style
// and head content, joining blocks with blank lines.
func walkHTML(body []byte) (title, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				blocks = append(blocks, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, strings.Join(blocks, "\n\n"), nil
}

// normalizeText collapses runs of blank lines and trims each line, keeping
// paragraph boundaries for the chunker.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		if err == nil && u.Host != "" {
			return u.Host
		}
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segments[len(segments)-1]
}
