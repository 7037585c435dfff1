package trailers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		description  string
		wantTitle    string
		wantBody     string
		wantTrailers []Trailer
	}{
		{
			name:        "empty",
			description: "",
		},
		{
			name:        "title only",
			description: "jjagent: session abcd1234\n",
			wantTitle:   "jjagent: session abcd1234",
		},
		{
			name:         "title and trailer",
			description:  "jjagent: session abcd1234\n\nClaude-session-id: abcd1234-5678\n",
			wantTitle:    "jjagent: session abcd1234",
			wantTrailers: []Trailer{{Key: SessionKey, Value: "abcd1234-5678"}},
		},
		{
			name:        "title body and trailers",
			description: "Add feature\n\nLonger explanation\nacross lines.\n\nClaude-session-id: s1\nReviewed-by: someone\n",
			wantTitle:   "Add feature",
			wantBody:    "Longer explanation\nacross lines.",
			wantTrailers: []Trailer{
				{Key: SessionKey, Value: "s1"},
				{Key: "Reviewed-by", Value: "someone"},
			},
		},
		{
			name:        "trailer-shaped line in body is not a trailer",
			description: "Fix bug\n\nClaude-session-id: not-me\n\nThe real body paragraph.\n",
			wantTitle:   "Fix bug",
			wantBody:    "Claude-session-id: not-me\n\nThe real body paragraph.",
		},
		{
			name:        "title that looks like a trailer is not a trailer",
			description: "Claude-session-id: sneaky\n",
			wantTitle:   "Claude-session-id: sneaky",
		},
		{
			name:        "trailer block without blank line separator",
			description: "Title\nClaude-session-id: s1\n",
			wantTitle:   "Title",
			wantBody:    "Claude-session-id: s1",
		},
		{
			name:        "mixed final paragraph is malformed",
			description: "Title\n\nClaude-session-id: s1\nnot a trailer line\n",
			wantTitle:   "Title",
			wantBody:    "Claude-session-id: s1\nnot a trailer line",
		},
		{
			name:        "url is not a trailer",
			description: "Title\n\nhttps://example.com/path\n",
			wantTitle:   "Title",
			wantBody:    "https://example.com/path",
		},
		{
			name:         "crlf line endings",
			description:  "Title\r\n\r\nClaude-session-id: s1\r\n",
			wantTitle:    "Title",
			wantTrailers: []Trailer{{Key: SessionKey, Value: "s1"}},
		},
		{
			name:        "duplicate keys are kept in order",
			description: "Title\n\nClaude-session-id: one\nClaude-session-id: two\n",
			wantTitle:   "Title",
			wantTrailers: []Trailer{
				{Key: SessionKey, Value: "one"},
				{Key: SessionKey, Value: "two"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.description)
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, tt.wantTrailers, got.Trailers)
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []struct {
		title    string
		body     string
		trailers []Trailer
	}{
		{"jjagent: session abcd1234", "", []Trailer{{SessionKey, "abcd1234-full"}}},
		{"Title", "Body with\nClaude-session-id: fake\ninside it.", []Trailer{{SessionKey, "real"}}},
		{"", "", []Trailer{{"A", "1"}, {"B-c", "2"}, {"A", "3"}}},
		{"Only title", "", nil},
		{"Title", "Body\n\nSecond: paragraph looks like trailer", []Trailer{{"Signed-off-by", "Dev <dev@example.com>"}}},
		{"Fix parser", "Explain things\n\nSee-also: issue 12", nil},
		{"Fix parser", "See-also: issue 12", nil},
		{"Fix parser", "A: 1\n\nB: 2\n\n", nil},
		{"", "Refs: 9", nil},
		{"Fix parser", "Explain things\n\nSee-also: issue 12\n  \n", nil},
	}

	for _, tc := range cases {
		for _, tr := range tc.trailers {
			require.True(t, tr.Valid(), "fixture trailer %q must be valid", tr)
		}
		got := Parse(Format(tc.title, tc.body, tc.trailers))
		assert.Equal(t, tc.trailers, got.Trailers, "round trip of %q", tc.title)
		assert.Equal(t, tc.title, got.Title)
	}
}

func TestFormatKeepsTrailerShapedBodyAsBody(t *testing.T) {
	got := Format("Fix parser", "Explain things\n\nSee-also: issue 12", nil)
	assert.Equal(t, "Fix parser\n\nExplain things\nSee-also: issue 12\n", got)

	msg := Parse(got)
	assert.Empty(t, msg.Trailers)
	assert.Equal(t, "Explain things\nSee-also: issue 12", msg.Body)

	got = Format("Fix parser", "See-also: issue 12", nil)
	assert.Equal(t, "Fix parser\nSee-also: issue 12\n", got)
	assert.Equal(t, "See-also: issue 12", Parse(got).Body)

	plain := Format("Fix parser", "Explain things\n\nMore text", nil)
	assert.Equal(t, "Fix parser\n\nExplain things\n\nMore text\n", plain)
}

func TestMessageValue(t *testing.T) {
	msg := Parse("Title\n\nClaude-session-id: first\nOther: x\nClaude-session-id: last\n")

	v, ok := msg.Value(SessionKey)
	require.True(t, ok)
	assert.Equal(t, "last", v)
	assert.Equal(t, []string{"first", "last"}, msg.Values(SessionKey))

	_, ok = msg.Value(PrecommitKey)
	assert.False(t, ok)
}

func TestWithTrailer(t *testing.T) {
	t.Run("appends to description without trailers", func(t *testing.T) {
		got := WithTrailer("Title\n\nBody text\n", SessionKey, "s1")
		assert.Equal(t, "Title\n\nBody text\n\nClaude-session-id: s1\n", got)
	})

	t.Run("identical line is deduplicated", func(t *testing.T) {
		desc := "Title\n\nClaude-session-id: s1\n"
		assert.Equal(t, desc, WithTrailer(desc, SessionKey, "s1"))
	})

	t.Run("existing key is updated in place", func(t *testing.T) {
		got := WithTrailer("Title\n\nClaude-session-id: old\nOther: keep\n", SessionKey, "new")
		assert.Equal(t, "Title\n\nClaude-session-id: new\nOther: keep\n", got)
	})

	t.Run("body trailer-shaped line is untouched", func(t *testing.T) {
		got := WithTrailer("Title\n\nClaude-session-id: in-body\n\nMore body.\n", SessionKey, "s1")
		msg := Parse(got)
		assert.Equal(t, "Claude-session-id: in-body\n\nMore body.", msg.Body)
		assert.Equal(t, []Trailer{{SessionKey, "s1"}}, msg.Trailers)
	})
}

func TestWithoutKey(t *testing.T) {
	got := WithoutKey("Title\n\nClaude-precommit-session-id: s1\nKeep: me\n", PrecommitKey)
	assert.Equal(t, "Title\n\nKeep: me\n", got)

	unchanged := "Title\n"
	assert.Equal(t, unchanged, WithoutKey(unchanged, PrecommitKey))
}

func TestReplaceText(t *testing.T) {
	got := ReplaceText("jjagent: session abcd1234\n\nClaude-session-id: abcd1234-full\n", "Implement parser\n\nWith details.")
	assert.Equal(t, "Implement parser\n\nWith details.\n\nClaude-session-id: abcd1234-full\n", got)

	got = ReplaceText("Old title\n", "New title")
	assert.Equal(t, "New title\n", got)
}

func TestTrailerValid(t *testing.T) {
	tests := []struct {
		trailer Trailer
		want    bool
	}{
		{Trailer{"Claude-session-id", "abc"}, true},
		{Trailer{"", "abc"}, false},
		{Trailer{"-bad", "abc"}, false},
		{Trailer{"Has space", "abc"}, false},
		{Trailer{"Key", ""}, false},
		{Trailer{"Key", " padded"}, false},
		{Trailer{"Key", "multi\nline"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.trailer.Valid(), "%q", tt.trailer)
	}
}
