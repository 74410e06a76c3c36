// internal/browser/parse.go
package browser

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// ParseDocument parses rendered HTML.
func ParseDocument(markup string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	return doc, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// -- Links --

// ExtractLinks returns the absolute http(s) targets of every anchor, resolved
// against the document's base (a <base href> wins over pageURL). Fragments
// are stripped and duplicates dropped; order follows the document.
func ExtractLinks(doc *html.Node, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Base {
			if href := attr(n, "href"); href != "" {
				if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
					base = base.ResolveReference(ref)
				}
			}
			return false
		}
		return true
	})

	seen := make(map[string]bool)
	var links []string
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || (n.DataAtom != atom.A && n.DataAtom != atom.Area) {
			return true
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		abs.Fragment = ""
		abs.RawFragment = ""
		s := abs.String()
		if !seen[s] {
			seen[s] = true
			links = append(links, s)
		}
		return true
	})
	return links
}

// -- Forms --

// ExtractForms returns every form with its named fields. A field's label is
// taken from a <label for>, an enclosing <label>, aria-label or
// aria-labelledby, in that order.
func ExtractForms(doc *html.Node) []schemas.Form {
	labelFor := make(map[string]string)
	byID := make(map[string]*html.Node)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if id := attr(n, "id"); id != "" {
			byID[id] = n
		}
		if n.DataAtom == atom.Label {
			if target := attr(n, "for"); target != "" {
				labelFor[target] = collapse(textOf(n))
			}
		}
		return true
	})

	var forms []schemas.Form
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.Form {
			return true
		}
		method := strings.ToLower(attr(n, "method"))
		if method == "" {
			method = "get"
		}
		form := schemas.Form{
			ID:     attr(n, "id"),
			Action: strings.TrimSpace(attr(n, "action")),
			Method: method,
			Fields: []schemas.FormField{},
		}
		walk(n, func(c *html.Node) bool {
			if c.Type != html.ElementNode {
				return true
			}
			if f, ok := formField(c, labelFor, byID); ok {
				form.Fields = append(form.Fields, f)
			}
			return true
		})
		forms = append(forms, form)
		return false
	})
	return forms
}

func formField(n *html.Node, labelFor map[string]string, byID map[string]*html.Node) (schemas.FormField, bool) {
	var fieldType string
	switch n.DataAtom {
	case atom.Input:
		fieldType = strings.ToLower(attr(n, "type"))
		if fieldType == "" {
			fieldType = "text"
		}
	case atom.Select:
		fieldType = "select"
	case atom.Textarea:
		fieldType = "textarea"
	default:
		return schemas.FormField{}, false
	}

	name := attr(n, "name")
	if name == "" {
		name = attr(n, "id")
	}
	return schemas.FormField{
		Name:     name,
		Type:     fieldType,
		Label:    fieldLabel(n, labelFor, byID),
		Required: hasAttr(n, "required"),
	}, true
}

func fieldLabel(n *html.Node, labelFor map[string]string, byID map[string]*html.Node) string {
	if id := attr(n, "id"); id != "" {
		if l := labelFor[id]; l != "" {
			return l
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Label {
			if l := collapse(textOf(p)); l != "" {
				return l
			}
		}
	}
	if l := strings.TrimSpace(attr(n, "aria-label")); l != "" {
		return l
	}
	if ref := attr(n, "aria-labelledby"); ref != "" {
		var parts []string
		for _, id := range strings.Fields(ref) {
			if target, ok := byID[id]; ok {
				if t := collapse(textOf(target)); t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// -- Text --

var invisibleElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Svg:      true,
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && invisibleElements[c.DataAtom] {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// VisibleText returns the document's rendered text with whitespace collapsed,
// cut to at most limit runes. A limit of zero or less returns everything.
func VisibleText(doc *html.Node, limit int) string {
	text := collapse(textOf(doc))
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
	}
	return text
}
