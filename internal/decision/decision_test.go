package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
		ok   bool
	}{
		{"guest post page", "https://example.com/write-for-us", ActionGuest, true},
		{"guest contribute page", "https://blog.example.com/contribute", ActionGuest, true},
		{"forum subdomain", "https://forum.example.com/some-thread", ActionForum, true},
		{"forum path", "https://example.com/forums/general", ActionForum, true},
		{"phpbb viewtopic", "https://example.com/viewtopic.php?f=2&t=10", ActionForum, true},
		{"discourse topic", "https://community.example.com/topic/42", ActionForum, true},
		{"profile path", "https://example.com/users/jdoe", ActionProfile, true},
		{"about.me profile", "https://about.me/jdoe", ActionProfile, true},
		{"member page", "https://example.com/members/42", ActionProfile, true},
		{"wordpress.com blog", "https://someone.wordpress.com/2023/01/a-post", ActionComment, true},
		{"blog path", "https://example.com/blog/my-post", ActionComment, true},
		{"dated permalink", "https://example.com/2024/05/launch-notes", ActionComment, true},
		{"respond anchor", "https://example.com/a-post#respond", ActionComment, true},
		{"plain homepage", "https://example.com", "", false},
		{"bare product page", "https://example.com/pricing", "", false},
		{"ftp scheme", "ftp://example.com/blog/post", "", false},
		{"no host", "/blog/relative-path", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Guest beats forum beats profile beats comment when a URL matches several
// families.
func TestClassifyPrecedence(t *testing.T) {
	got, ok := Classify("https://forum.example.com/guest-post/how-to")
	require.True(t, ok)
	assert.Equal(t, ActionGuest, got)

	got, ok = Classify("https://forum.example.com/users/jdoe")
	require.True(t, ok)
	assert.Equal(t, ActionForum, got)

	got, ok = Classify("https://example.com/users/jdoe/blog/")
	require.True(t, ok)
	assert.Equal(t, ActionProfile, got)
}

func TestDecideFiltersWithoutDowngrade(t *testing.T) {
	// A forum URL with forum disallowed is skipped, never reclassified.
	_, ok := Decide("https://forum.example.com/threads/hello", []string{ActionComment, ActionProfile})
	assert.False(t, ok)

	got, ok := Decide("https://forum.example.com/threads/hello", []string{ActionForum})
	require.True(t, ok)
	assert.Equal(t, ActionForum, got)

	_, ok = Decide("https://example.com/pricing", []string{ActionComment, ActionProfile, ActionForum, ActionGuest})
	assert.False(t, ok)
}

func TestDecideDeterministic(t *testing.T) {
	urls := []string{
		"https://forum.example.com/threads/hello",
		"https://example.com/blog/my-post",
		"https://example.com/write-for-us",
		"https://example.com/users/jdoe",
		"https://example.com/nothing-here",
	}
	allowed := []string{ActionComment, ActionProfile, ActionForum, ActionGuest}
	for _, u := range urls {
		first, firstOK := Decide(u, allowed)
		for i := 0; i < 50; i++ {
			got, ok := Decide(u, allowed)
			require.Equal(t, firstOK, ok, u)
			require.Equal(t, first, got, u)
		}
	}
}

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/wp-content/uploads/x.png", "wordpress"},
		{"https://someone.blogspot.com/2020/01/post.html", "blogger"},
		{"https://medium.com/@someone/story", "medium"},
		{"https://example.com/phpbb/viewtopic.php", "phpbb"},
		{"https://example.com/showthread.php?t=9", "vbulletin"},
		{"https://community.example.com/t/topic/12", "discourse"},
		{"https://example.com/threads/hello.42/", "xenforo"},
		{"https://forums.example.com/general", "generic-forum"},
		{"https://example.com/blog/post", "generic-blog"},
		{"https://example.com/pricing", "unknown"},
		{"not a url", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectPlatform(tt.url), tt.url)
	}
}

func TestHost(t *testing.T) {
	assert.Equal(t, "example.com", Host("https://EXAMPLE.com/path"))
	assert.Equal(t, "", Host("://bad"))
}
