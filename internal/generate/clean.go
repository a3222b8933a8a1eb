package generate

import (
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

var htmlMarkers = []string{"<p>", "<p ", "<div", "<br", "<html", "<body", "<article"}

// cleanContent trims model output and, when the model answered with HTML
// instead of prose, reduces it to its readable text.
func cleanContent(s string) string {
	s = strings.TrimSpace(s)
	if !looksLikeHTML(s) {
		return s
	}
	base, _ := url.Parse("https://storyforge.local/")
	article, err := readability.FromReader(strings.NewReader(s), base)
	if err != nil {
		return s
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return s
	}
	return text
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range htmlMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
