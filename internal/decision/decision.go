// Package decision classifies candidate URLs into automation actions using
// host/path heuristics alone. Everything here is pure: no I/O, no clock, no
// randomness, so calls are safe inside transactions and trivially testable.
package decision

import (
	"net/url"
	"strings"
)

// Actions mirror the closed action set in the domain package. Redeclared here
// so the package stays free of internal imports.
const (
	ActionComment = "comment"
	ActionProfile = "profile"
	ActionForum   = "forum"
	ActionGuest   = "guest"
)

var guestPathHints = []string{
	"write-for-us", "guest-post", "guest-posting", "contribute",
	"submit-article", "submit-guest", "become-a-contributor",
}

var forumHostHints = []string{
	"forum.", "forums.", "community.", "board.", "discuss.",
}

var forumPathHints = []string{
	"/forum", "/forums", "/community", "/threads", "/topic", "/viewtopic",
	"/showthread", "/discussion",
}

var forumPlatformHints = []string{
	"phpbb", "vbulletin", "discourse", "xenforo", "mybb", "smf",
}

var profilePathHints = []string{
	"/user/", "/users/", "/profile", "/member", "/members/", "/people/",
	"/u/", "/author/",
}

var profileHostHints = []string{
	"about.me", "gravatar.com", "disqus.com",
}

var commentHostHints = []string{
	"wordpress.com", "blogspot.com", "blogger.com", "medium.com",
	"typepad.com", "livejournal.com", "tumblr.com",
}

var commentPathHints = []string{
	"/blog/", "/blog", "/article/", "/post/", "/posts/", "/news/",
	"#comment", "#respond", "replytocom",
}

// Decide classifies a URL into exactly one action, then filters it against
// the campaign's allowed set. Returns ok=false when the URL is unparseable,
// unrecognized, or classifies to a disallowed action. A forum URL with
// allowed=[comment] is skipped, never downgraded to comment.
func Decide(rawURL string, allowed []string) (string, bool) {
	action, ok := Classify(rawURL)
	if !ok {
		return "", false
	}
	for _, a := range allowed {
		if a == action {
			return action, true
		}
	}
	return "", false
}

// Classify maps a URL to its single best action, precedence guest > forum >
// profile > comment.
func Classify(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	full := host + path
	if u.RawQuery != "" {
		full += "?" + strings.ToLower(u.RawQuery)
	}
	if u.Fragment != "" {
		full += "#" + strings.ToLower(u.Fragment)
	}

	if containsAny(full, guestPathHints) {
		return ActionGuest, true
	}
	if hasHostPrefix(host, forumHostHints) || containsAny(path, forumPathHints) || containsAny(full, forumPlatformHints) {
		return ActionForum, true
	}
	if hasHostSuffix(host, profileHostHints) || containsAny(path, profilePathHints) {
		return ActionProfile, true
	}
	if hasHostSuffix(host, commentHostHints) || containsAny(full, commentPathHints) || looksLikeDatedPost(path) {
		return ActionComment, true
	}
	return "", false
}

// DetectPlatform infers the publishing platform from the URL for feedback
// records. Independent of Classify on purpose: attempts record what the page
// looked like, not which action was chosen.
func DetectPlatform(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	full := host + path
	switch {
	case strings.Contains(full, "wordpress") || strings.Contains(full, "wp-content") || strings.Contains(full, "wp-login"):
		return "wordpress"
	case strings.HasSuffix(host, "blogspot.com") || strings.HasSuffix(host, "blogger.com"):
		return "blogger"
	case strings.HasSuffix(host, "medium.com"):
		return "medium"
	case strings.Contains(full, "phpbb"):
		return "phpbb"
	case strings.Contains(full, "vbulletin") || strings.Contains(path, "/showthread"):
		return "vbulletin"
	case strings.Contains(full, "discourse") || strings.Contains(path, "/t/"):
		return "discourse"
	case strings.Contains(full, "xenforo") || strings.Contains(path, "/threads/"):
		return "xenforo"
	case hasHostPrefix(host, forumHostHints) || containsAny(path, forumPathHints):
		return "generic-forum"
	case containsAny(path, commentPathHints) || looksLikeDatedPost(path):
		return "generic-blog"
	default:
		return "unknown"
	}
}

// Host returns the lowercased host of a URL, empty when unparseable.
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func hasHostPrefix(host string, hints []string) bool {
	for _, h := range hints {
		if strings.HasPrefix(host, h) {
			return true
		}
	}
	return false
}

func hasHostSuffix(host string, hints []string) bool {
	for _, h := range hints {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// looksLikeDatedPost matches /2024/05/some-slug archive paths common to blog
// permalinks.
func looksLikeDatedPost(path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return false
	}
	return len(parts[0]) == 4 && allDigits(parts[0]) && len(parts[1]) == 2 && allDigits(parts[1])
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
