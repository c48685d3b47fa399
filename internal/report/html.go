package report

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func isTag(n *html.Node, a atom.Atom) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == a
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// textOf joins every trimmed, non-empty text node below n with single spaces.
func textOf(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			if s := strings.TrimSpace(c.Data); s != "" {
				parts = append(parts, s)
			}
			return
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

// findAll returns the descendants of n (not n itself) with the given tag, in
// document order.
func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			if isTag(k, a) {
				out = append(out, k)
			}
			walk(k)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	for k := n.FirstChild; k != nil; k = k.NextSibling {
		if isTag(k, a) {
			return k
		}
		if f := findFirst(k, a); f != nil {
			return f
		}
	}
	return nil
}

func hrefs(n *html.Node, keep func(string) bool) []string {
	var out []string
	for _, a := range findAll(n, atom.A) {
		href, ok := attr(a, "href")
		if !ok || !keep(href) {
			continue
		}
		out = append(out, href)
	}
	return out
}

func githubLinks(n *html.Node) []string {
	return hrefs(n, func(h string) bool { return strings.Contains(h, "github.com") })
}

// linkSet collects links keeping the first occurrence of each.
type linkSet struct {
	seen  map[string]struct{}
	links []string
}

func (s *linkSet) add(links ...string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	for _, l := range links {
		if _, ok := s.seen[l]; ok {
			continue
		}
		s.seen[l] = struct{}{}
		s.links = append(s.links, l)
	}
}

func (s *linkSet) list() []string {
	if s.links == nil {
		return []string{}
	}
	return s.links
}
