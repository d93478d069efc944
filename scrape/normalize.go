package scrape

import (
	"net/url"
	"regexp"
	"strings"
)

// Post-key extraction patterns, in match order. Numeric keys live in the
// URL path or the story_fbid query parameter; newer posts carry an opaque
// pfbid token instead.
var (
	rePostsPath     = regexp.MustCompile(`/posts/(\d+)`)
	rePermalinkPath = regexp.MustCompile(`/permalink/(\d+)`)
	rePfbid         = regexp.MustCompile(`(pfbid[0-9A-Za-z]+)`)
)

// ExtractSourceKey pulls the globally-unique post key out of a post URL.
// It returns "" when no recognized pattern matches.
func ExtractSourceKey(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if m := rePostsPath.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	if m := rePermalinkPath.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	if u, err := url.Parse(rawURL); err == nil {
		if fbid := u.Query().Get("story_fbid"); fbid != "" {
			return fbid
		}
	}
	if m := rePfbid.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return ""
}

// CanonicalAuthorLink normalizes heterogeneous author URLs to a canonical
// profile URL: numeric-id profiles keep the id query parameter, vanity
// profiles are stripped of tracking parameters and fragments.
func CanonicalAuthorLink(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	var u, err = url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Host == "" {
		u, err = url.Parse(forumBase + "/" + strings.TrimPrefix(rawURL, "/"))
		if err != nil {
			return ""
		}
	}

	if strings.Contains(u.Path, "profile.php") {
		if id := u.Query().Get("id"); id != "" {
			return forumBase + "/profile.php?id=" + id
		}
		return ""
	}
	if id := u.Query().Get("id"); id != "" && strings.Contains(u.Path, "/user/") {
		return forumBase + "/profile.php?id=" + id
	}

	var path = strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	// Group-scoped member links carry the profile segment last.
	if i := strings.LastIndex(path, "/user/"); i >= 0 {
		path = strings.Trim(path[i+len("/user/"):], "/")
	}
	return forumBase + "/" + path
}

// Trailing "see more" artefacts left by feed truncation, per language.
var seeMoreSuffixes = []string{
	"See more",
	"See More",
	"… עוד",
	"עוד",
	"عرض المزيد",
}

// CleanText strips feed-truncation artefacts and trims whitespace.
func CleanText(text string) string {
	text = strings.TrimSpace(text)
	for _, suffix := range seeMoreSuffixes {
		for {
			var trimmed = strings.TrimSpace(strings.TrimSuffix(text, suffix))
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "…"))
			if trimmed == text {
				break
			}
			text = trimmed
		}
	}
	return text
}
