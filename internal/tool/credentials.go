package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zulandar/conductor/internal/broker"
	"github.com/zulandar/conductor/internal/llm"
)

// credentialSource is the slice of the broker the credentials tool needs.
type credentialSource interface {
	Credentials(ctx context.Context, sessionID string) ([]broker.Credential, error)
}

// CredentialsTool exposes shared credentials to the agent. Secrets are
// fetched from the broker once, cached in memory, and never written to disk.
type CredentialsTool struct {
	source    credentialSource
	sessionID string

	mu     sync.Mutex
	cache  map[string]broker.Credential
	loaded bool
}

// NewCredentialsTool creates the credentials tool backed by the broker.
func NewCredentialsTool(source credentialSource, sessionID string) *CredentialsTool {
	return &CredentialsTool{
		source:    source,
		sessionID: sessionID,
		cache:     make(map[string]broker.Credential),
	}
}

// Name implements Tool.
func (t *CredentialsTool) Name() string { return "credentials" }

// Definition implements Tool.
func (t *CredentialsTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: t.Name(),
		Description: `Access shared credentials configured by the admin.

Actions:
- list: show available credentials (names and types only, never the secrets)
- get: retrieve a specific credential by its slug

Never write credentials to files and never include them in responses to the
user; use them directly in API calls or login flows.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"list", "get"},
					"description": "Action to perform",
				},
				"slug": map[string]interface{}{
					"type":        "string",
					"description": "Credential slug (required for 'get')",
				},
			},
			"required": []string{"action"},
		},
	}
}

// Invoke implements Tool.
func (t *CredentialsTool) Invoke(ctx context.Context, input map[string]interface{}) (Result, error) {
	if t.sessionID == "" {
		return Errorf("no session id configured, cannot access credentials"), nil
	}
	switch action := stringField(input, "action"); action {
	case "list":
		return t.list(ctx)
	case "get":
		slug := stringField(input, "slug")
		if slug == "" {
			return Errorf("'slug' parameter is required for the get action"), nil
		}
		return t.get(ctx, slug)
	default:
		return Errorf("unknown action %q: use 'list' or 'get'", action), nil
	}
}

// load fetches all credentials from the broker on first use.
func (t *CredentialsTool) load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	creds, err := t.source.Credentials(ctx, t.sessionID)
	if err != nil {
		return err
	}
	for _, c := range creds {
		t.cache[c.Slug] = c
	}
	t.loaded = true
	return nil
}

func (t *CredentialsTool) list(ctx context.Context) (Result, error) {
	if err := t.load(ctx); err != nil {
		return Errorf("failed to fetch credentials: %v", err), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.cache) == 0 {
		return Result{Output: "No credentials available."}, nil
	}

	slugs := make([]string, 0, len(t.cache))
	for slug := range t.cache {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var b strings.Builder
	b.WriteString("Available credentials:\n\n")
	for _, slug := range slugs {
		c := t.cache[slug]
		fmt.Fprintf(&b, "- %s (`%s`), type: %s\n", c.Name, slug, c.Type)
		if hint := safeHint(c); hint != "" {
			fmt.Fprintf(&b, "  %s\n", hint)
		}
	}
	b.WriteString("\nUse credentials(action='get', slug='<slug>') to retrieve one.")
	return Result{Output: b.String()}, nil
}

func (t *CredentialsTool) get(ctx context.Context, slug string) (Result, error) {
	if err := t.load(ctx); err != nil {
		return Errorf("failed to fetch credentials: %v", err), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cache[slug]
	if !ok {
		slugs := make([]string, 0, len(t.cache))
		for s := range t.cache {
			slugs = append(slugs, s)
		}
		sort.Strings(slugs)
		return Errorf("credential %q not found; available: %s", slug, strings.Join(slugs, ", ")), nil
	}
	return Result{Output: formatCredential(c)}, nil
}

// safeHint describes a credential without revealing secrets.
func safeHint(c broker.Credential) string {
	switch c.Type {
	case "api_key":
		if u, _ := c.Data["base_url"].(string); u != "" {
			return "base URL: " + u
		}
	case "login":
		var parts []string
		if u, _ := c.Data["username"].(string); u != "" {
			parts = append(parts, "username: "+u)
		}
		if u, _ := c.Data["login_url"].(string); u != "" {
			parts = append(parts, "login URL: "+u)
		}
		return strings.Join(parts, ", ")
	case "database":
		host, _ := c.Data["host"].(string)
		dbName, _ := c.Data["database"].(string)
		if host != "" {
			return fmt.Sprintf("%s/%s", host, dbName)
		}
	case "smtp":
		if host, _ := c.Data["host"].(string); host != "" {
			return fmt.Sprintf("server: %s:%v", host, c.Data["port"])
		}
	}
	return ""
}

// formatCredential renders the full credential with usage hints for the
// agent. Output is model-visible only; it must never reach a file.
func formatCredential(c broker.Credential) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (`%s`)\nType: %s\n\nCredential data:\n", c.Name, c.Slug, c.Type)

	keys := make([]string, 0, len(c.Data))
	for k := range c.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, c.Data[k])
	}

	switch c.Type {
	case "api_key":
		header, _ := c.Data["header_name"].(string)
		if header == "" {
			header = "Authorization"
		}
		prefix, _ := c.Data["header_prefix"].(string)
		if prefix == "" {
			prefix = "Bearer"
		}
		fmt.Fprintf(&b, "\nUsage: send header %q with value %q followed by the key.\n", header, prefix)
	case "database":
		driver, _ := c.Data["driver"].(string)
		if driver == "" {
			driver = "mysql"
		}
		fmt.Fprintf(&b, "\nConnection string:\n  %s://%v:%v@%v:%v/%v\n",
			driver, c.Data["username"], c.Data["password"], c.Data["host"], c.Data["port"], c.Data["database"])
	}

	b.WriteString("\nSecurity reminder: do not write these credentials to any file and do not include them in responses to the user.")
	return b.String()
}
