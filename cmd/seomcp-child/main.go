// seomcp-child is the default tenant MCP server the gateway spawns.
// It speaks MCP over stdio and offers offline SEO analysis tools. The
// gateway points SEOMCP_CONFIG at the tenant's config document before
// starting it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var Version = "dev"

// tenantConfig mirrors the document the gateway writes for each
// tenant.
type tenantConfig struct {
	TenantID  string                       `json:"tenant_id"`
	Plan      string                       `json:"plan"`
	Providers map[string]map[string]string `json:"providers,omitempty"`
}

func main() {
	cfg := loadTenantConfig()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "seomcp-child",
		Version: Version,
	}, &mcp.ServerOptions{
		HasTools: true,
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keyword_density",
		Description: "Compute how often a keyword appears in a text relative to its total word count.",
	}, handleKeywordDensity)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "meta_extract",
		Description: "Extract the title, meta description, canonical URL, and Open Graph tags from an HTML document.",
	}, handleMetaExtract)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "robots_check",
		Description: "Evaluate a robots.txt document against a path and user agent.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"robots_txt": {Type: "string", Description: "Full robots.txt content"},
				"path":       {Type: "string", Description: "URL path to check, e.g. /blog/post"},
				"user_agent": {Type: "string", Description: "User agent token, defaults to *"},
			},
			Required: []string{"robots_txt", "path"},
		},
	}, handleRobotsCheck)

	if cfg != nil && cfg.TenantID != "" {
		fmt.Fprintf(os.Stderr, "seomcp-child serving tenant %s (%s plan)\n", cfg.TenantID, cfg.Plan)
	}

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "seomcp-child: %v\n", err)
		os.Exit(1)
	}
}

// loadTenantConfig reads the document at SEOMCP_CONFIG. A missing or
// unreadable document is not fatal; the offline tools work without it.
func loadTenantConfig() *tenantConfig {
	path := os.Getenv("SEOMCP_CONFIG")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seomcp-child: cannot read config %s: %v\n", path, err)
		return nil
	}
	var cfg tenantConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "seomcp-child: invalid config %s: %v\n", path, err)
		return nil
	}
	return &cfg
}

type keywordDensityInput struct {
	Text    string `json:"text" jsonschema:"the text or page body to analyze"`
	Keyword string `json:"keyword" jsonschema:"the keyword or phrase to count"`
}

type keywordDensityOutput struct {
	Keyword     string  `json:"keyword"`
	Occurrences int     `json:"occurrences"`
	TotalWords  int     `json:"total_words"`
	Density     float64 `json:"density"`
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

func handleKeywordDensity(ctx context.Context, req *mcp.CallToolRequest, input keywordDensityInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Keyword) == "" {
		return nil, nil, fmt.Errorf("keyword is required")
	}

	words := wordRe.FindAllString(strings.ToLower(input.Text), -1)
	keywordParts := wordRe.FindAllString(strings.ToLower(input.Keyword), -1)
	if len(keywordParts) == 0 {
		return nil, nil, fmt.Errorf("keyword contains no countable words")
	}

	occurrences := 0
	for i := 0; i+len(keywordParts) <= len(words); i++ {
		match := true
		for j, part := range keywordParts {
			if words[i+j] != part {
				match = false
				break
			}
		}
		if match {
			occurrences++
		}
	}

	out := keywordDensityOutput{
		Keyword:     input.Keyword,
		Occurrences: occurrences,
		TotalWords:  len(words),
	}
	if len(words) > 0 {
		out.Density = float64(occurrences*len(keywordParts)) / float64(len(words))
	}
	return textResult(out), out, nil
}

type metaExtractInput struct {
	HTML string `json:"html" jsonschema:"the HTML document to inspect"`
}

type metaExtractOutput struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Canonical   string            `json:"canonical,omitempty"`
	Robots      string            `json:"robots,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
}

var (
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaTagRe    = regexp.MustCompile(`(?is)<meta\s[^>]*>`)
	linkTagRe    = regexp.MustCompile(`(?is)<link\s[^>]*>`)
	attrRe       = regexp.MustCompile(`(?is)([a-z][a-z0-9:_-]*)\s*=\s*("([^"]*)"|'([^']*)')`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

func handleMetaExtract(ctx context.Context, req *mcp.CallToolRequest, input metaExtractInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.HTML) == "" {
		return nil, nil, fmt.Errorf("html is required")
	}

	out := metaExtractOutput{OpenGraph: map[string]string{}}

	if m := titleRe.FindStringSubmatch(input.HTML); m != nil {
		out.Title = collapseSpace(m[1])
	}

	for _, tag := range metaTagRe.FindAllString(input.HTML, -1) {
		attrs := parseAttrs(tag)
		content := attrs["content"]
		switch {
		case strings.EqualFold(attrs["name"], "description"):
			out.Description = collapseSpace(content)
		case strings.EqualFold(attrs["name"], "robots"):
			out.Robots = collapseSpace(content)
		case strings.HasPrefix(strings.ToLower(attrs["property"]), "og:"):
			key := strings.ToLower(attrs["property"])
			out.OpenGraph[key] = collapseSpace(content)
		}
	}

	for _, tag := range linkTagRe.FindAllString(input.HTML, -1) {
		attrs := parseAttrs(tag)
		if strings.EqualFold(attrs["rel"], "canonical") {
			out.Canonical = strings.TrimSpace(attrs["href"])
		}
	}

	if len(out.OpenGraph) == 0 {
		out.OpenGraph = nil
	}
	return textResult(out), out, nil
}

func parseAttrs(tag string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
		val := m[3]
		if val == "" {
			val = m[4]
		}
		attrs[strings.ToLower(m[1])] = val
	}
	return attrs
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

type robotsCheckInput struct {
	RobotsTxt string `json:"robots_txt"`
	Path      string `json:"path"`
	UserAgent string `json:"user_agent,omitempty"`
}

type robotsCheckOutput struct {
	Allowed     bool   `json:"allowed"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Group       string `json:"group,omitempty"`
}

type robotsRule struct {
	allow   bool
	pattern string
}

func handleRobotsCheck(ctx context.Context, req *mcp.CallToolRequest, input robotsCheckInput) (*mcp.CallToolResult, any, error) {
	if input.Path == "" || !strings.HasPrefix(input.Path, "/") {
		return nil, nil, fmt.Errorf("path must start with /")
	}
	agent := strings.ToLower(strings.TrimSpace(input.UserAgent))
	if agent == "" {
		agent = "*"
	}

	group, rules := matchGroup(input.RobotsTxt, agent)
	allowed, matched := evaluateRules(rules, input.Path)

	out := robotsCheckOutput{Allowed: allowed, MatchedRule: matched, Group: group}
	return textResult(out), out, nil
}

// matchGroup picks the most specific user-agent group per the robots
// exclusion convention: the longest agent token that is a prefix of
// the requested agent wins, with * as the fallback.
func matchGroup(robotsTxt, agent string) (string, []robotsRule) {
	groups := make(map[string][]robotsRule)
	var currentAgents []string
	lastWasAgent := false

	for _, line := range strings.Split(robotsTxt, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		switch field {
		case "user-agent":
			if !lastWasAgent {
				currentAgents = nil
			}
			currentAgents = append(currentAgents, strings.ToLower(value))
			lastWasAgent = true
		case "allow", "disallow":
			lastWasAgent = false
			for _, a := range currentAgents {
				groups[a] = append(groups[a], robotsRule{allow: field == "allow", pattern: value})
			}
		default:
			lastWasAgent = false
		}
	}

	// Longest matching agent token wins.
	var best string
	for a := range groups {
		if a == "*" {
			continue
		}
		if strings.Contains(agent, a) && len(a) > len(best) {
			best = a
		}
	}
	if best != "" {
		return best, groups[best]
	}
	if rules, ok := groups["*"]; ok {
		return "*", rules
	}
	return "", nil
}

// evaluateRules applies longest-match-wins with Allow beating Disallow
// on ties. An empty Disallow value matches nothing.
func evaluateRules(rules []robotsRule, path string) (bool, string) {
	type candidate struct {
		rule robotsRule
		size int
	}
	var matches []candidate
	for _, r := range rules {
		if r.pattern == "" {
			continue
		}
		if ok, size := robotsMatch(r.pattern, path); ok {
			matches = append(matches, candidate{rule: r, size: size})
		}
	}
	if len(matches) == 0 {
		return true, ""
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].size != matches[j].size {
			return matches[i].size > matches[j].size
		}
		return matches[i].rule.allow && !matches[j].rule.allow
	})
	best := matches[0].rule
	directive := "Disallow"
	if best.allow {
		directive = "Allow"
	}
	return best.allow, fmt.Sprintf("%s: %s", directive, best.pattern)
}

// robotsMatch supports * wildcards and the $ end anchor.
func robotsMatch(pattern, path string) (bool, int) {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}
	parts := strings.Split(pattern, "*")

	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 {
			if !strings.HasPrefix(path, part) {
				return false, 0
			}
			pos = len(part)
			continue
		}
		idx := strings.Index(path[pos:], part)
		if idx < 0 {
			return false, 0
		}
		pos += idx + len(part)
	}
	if anchored {
		if len(parts) > 0 && parts[len(parts)-1] != "" && pos != len(path) {
			return false, 0
		}
		if len(parts) > 0 && parts[len(parts)-1] == "" {
			// Trailing wildcard before the anchor absorbs the rest.
			pos = len(path)
		}
	}
	return true, len(pattern)
}

// textResult wraps a structured result in the text content clients
// without structured-output support still render.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
