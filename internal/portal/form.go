package portal

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// WebForms hidden fields present on every page of the portal. These are
// ASP.NET framework names, not portal-specific, so they are not part of
// the configurable profile.
const (
	fieldViewState          = "__VIEWSTATE"
	fieldViewStateGenerator = "__VIEWSTATEGENERATOR"
	fieldEventValidation    = "__EVENTVALIDATION"
	fieldEventTarget        = "__EVENTTARGET"
	fieldEventArgument      = "__EVENTARGUMENT"
	fieldScrollPositionX    = "__SCROLLPOSITIONX"
	fieldScrollPositionY    = "__SCROLLPOSITIONY"
)

// formInputs collects every named <input> on the page. Postbacks must echo
// the server's hidden state fields or the portal discards the request.
func formInputs(r io.Reader) (map[string]string, error) {
	node, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				}
			}
			if name != "" {
				inputs[name] = value
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)

	return inputs, nil
}
