package assemble

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Report summarizes the structure of an assembled document
type Report struct {
	Heads        int
	Bodies       int
	HeadTags     int // literal <head> tags in the markup, before parser repair
	BodyTags     int // literal <body> tags in the markup, before parser repair
	CSPMetas     int
	Styles       int
	UserScripts  int
	Bootstraps   int
	Title        string
	VisibleText  string
	BootstrapSrc string
	UserSrc      string
}

// Inspect parses a document and reports its structure
func Inspect(doc string) (*Report, error) {
	root, err := htmlquery.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	count := func(xpath string) int {
		nodes, err := htmlquery.QueryAll(root, xpath)
		if err != nil {
			return 0
		}
		return len(nodes)
	}

	r := &Report{
		Heads:       count("//head"),
		Bodies:      count("//body"),
		HeadTags:    len(headOpen.FindAllStringIndex(doc, -1)),
		BodyTags:    len(bodyOpen.FindAllStringIndex(doc, -1)),
		CSPMetas:    count(`//meta[@http-equiv='Content-Security-Policy']`),
		Styles:      count("//style"),
		UserScripts: count(`//script[@data-preview-role='` + RoleUser + `']`),
		Bootstraps:  count(`//script[@data-preview-role='` + RoleBootstrap + `']`),
	}

	if n := htmlquery.FindOne(root, "//title"); n != nil {
		r.Title = strings.TrimSpace(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(root, `//script[@data-preview-role='`+RoleBootstrap+`']`); n != nil {
		r.BootstrapSrc = htmlquery.InnerText(n)
	}
	if n := htmlquery.FindOne(root, `//script[@data-preview-role='`+RoleUser+`']`); n != nil {
		r.UserSrc = htmlquery.InnerText(n)
	}
	if body := htmlquery.FindOne(root, "//body"); body != nil {
		r.VisibleText = VisibleText(body)
	}
	return r, nil
}

// VisibleText collects the text a reader would see under n, skipping
// script, style, and template contents
func VisibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "template", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
