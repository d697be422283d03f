package source

import (
	"io"
	"net/url"

	"golang.org/x/net/html"
)

// ParseLinks returns the href of every anchor in an HTML directory index,
// in document order, with query strings and fragments removed.
func ParseLinks(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var links []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" || attr.Val == "" {
					continue
				}
				if u, err := url.Parse(attr.Val); err == nil && u.Path != "" {
					if p, err := url.PathUnescape(u.Path); err == nil {
						links = append(links, p)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}
