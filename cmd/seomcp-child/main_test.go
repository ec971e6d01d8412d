package main

import (
	"context"
	"testing"
)

func TestKeywordDensity(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		keyword     string
		occurrences int
		totalWords  int
	}{
		{
			name:        "single word",
			text:        "seo tools make seo easier for seo teams",
			keyword:     "seo",
			occurrences: 3,
			totalWords:  8,
		},
		{
			name:        "phrase",
			text:        "link building and more link building",
			keyword:     "link building",
			occurrences: 2,
			totalWords:  6,
		},
		{
			name:        "case insensitive",
			text:        "SEO and seo and SeO",
			keyword:     "seo",
			occurrences: 3,
			totalWords:  5,
		},
		{
			name:        "no match",
			text:        "nothing relevant here",
			keyword:     "seo",
			occurrences: 0,
			totalWords:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, raw, err := handleKeywordDensity(context.Background(), nil, keywordDensityInput{
				Text: tt.text, Keyword: tt.keyword,
			})
			if err != nil {
				t.Fatalf("handleKeywordDensity() error = %v", err)
			}
			out := raw.(keywordDensityOutput)
			if out.Occurrences != tt.occurrences {
				t.Errorf("occurrences = %d, want %d", out.Occurrences, tt.occurrences)
			}
			if out.TotalWords != tt.totalWords {
				t.Errorf("total_words = %d, want %d", out.TotalWords, tt.totalWords)
			}
		})
	}
}

func TestKeywordDensityRequiresKeyword(t *testing.T) {
	if _, _, err := handleKeywordDensity(context.Background(), nil, keywordDensityInput{Text: "x"}); err == nil {
		t.Fatal("empty keyword accepted")
	}
}

func TestMetaExtract(t *testing.T) {
	html := `<!doctype html>
<html><head>
  <title>  Acme
  Widgets </title>
  <meta name="description" content="Buy the best widgets.">
  <meta name="robots" content="noindex, follow">
  <meta property="og:title" content="Acme Widgets">
  <meta property="og:image" content='https://acme.test/img.png'>
  <link rel="canonical" href="https://acme.test/widgets">
</head><body><p>hi</p></body></html>`

	_, raw, err := handleMetaExtract(context.Background(), nil, metaExtractInput{HTML: html})
	if err != nil {
		t.Fatalf("handleMetaExtract() error = %v", err)
	}
	out := raw.(metaExtractOutput)

	if out.Title != "Acme Widgets" {
		t.Errorf("title = %q", out.Title)
	}
	if out.Description != "Buy the best widgets." {
		t.Errorf("description = %q", out.Description)
	}
	if out.Robots != "noindex, follow" {
		t.Errorf("robots = %q", out.Robots)
	}
	if out.Canonical != "https://acme.test/widgets" {
		t.Errorf("canonical = %q", out.Canonical)
	}
	if out.OpenGraph["og:title"] != "Acme Widgets" {
		t.Errorf("og:title = %q", out.OpenGraph["og:title"])
	}
	if out.OpenGraph["og:image"] != "https://acme.test/img.png" {
		t.Errorf("og:image = %q", out.OpenGraph["og:image"])
	}
}

func TestMetaExtractEmptyDocument(t *testing.T) {
	if _, _, err := handleMetaExtract(context.Background(), nil, metaExtractInput{}); err == nil {
		t.Fatal("empty html accepted")
	}
}

func TestRobotsCheck(t *testing.T) {
	robots := `# comment
User-agent: *
Disallow: /private/
Allow: /private/press/

User-agent: badbot
Disallow: /
`

	tests := []struct {
		name    string
		path    string
		agent   string
		allowed bool
	}{
		{"unrestricted path", "/blog/post", "", true},
		{"disallowed prefix", "/private/data", "", false},
		{"allow overrides disallow", "/private/press/release", "", true},
		{"specific agent blocked everywhere", "/blog/post", "badbot", false},
		{"agent token substring match", "/anything", "BadBot/2.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, raw, err := handleRobotsCheck(context.Background(), nil, robotsCheckInput{
				RobotsTxt: robots, Path: tt.path, UserAgent: tt.agent,
			})
			if err != nil {
				t.Fatalf("handleRobotsCheck() error = %v", err)
			}
			out := raw.(robotsCheckOutput)
			if out.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v (rule %q)", out.Allowed, tt.allowed, out.MatchedRule)
			}
		})
	}
}

func TestRobotsCheckRequiresAbsolutePath(t *testing.T) {
	_, _, err := handleRobotsCheck(context.Background(), nil, robotsCheckInput{
		RobotsTxt: "", Path: "relative/path",
	})
	if err == nil {
		t.Fatal("relative path accepted")
	}
}

func TestRobotsMatchWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/private/", "/private/x", true},
		{"/private/", "/public/x", false},
		{"/*.pdf$", "/docs/file.pdf", true},
		{"/*.pdf$", "/docs/file.pdfx", false},
		{"/a*b", "/aXXXb", true},
		{"/a*b", "/aXXX", false},
	}
	for _, tt := range tests {
		got, _ := robotsMatch(tt.pattern, tt.path)
		if got != tt.want {
			t.Errorf("robotsMatch(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
