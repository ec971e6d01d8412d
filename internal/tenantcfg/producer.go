// Package tenantcfg renders the per-tenant configuration document a
// child process reads at startup. The gateway passes the document path
// to the child through the SEOMCP_CONFIG environment variable.
package tenantcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Document is what a child finds at its config path. Provider settings
// come from the gateway configuration; the store collaborator owns
// at-rest custody of anything sensitive inside them.
type Document struct {
	TenantID    string                       `json:"tenant_id"`
	Plan        string                       `json:"plan"`
	Providers   map[string]map[string]string `json:"providers,omitempty"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

// Producer writes tenant config documents under a run directory.
type Producer struct {
	runDir    string
	providers map[string]map[string]string
}

// NewProducer creates the run directory (0700, documents may carry
// provider credentials) and returns a producer.
func NewProducer(runDir string, providers map[string]map[string]string) (*Producer, error) {
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Producer{runDir: runDir, providers: providers}, nil
}

// Produce writes (or rewrites) the document for tenantID and returns
// its path. The file is 0600; children run under the same account.
func (p *Producer) Produce(tenantID, plan string) (string, error) {
	doc := Document{
		TenantID:    tenantID,
		Plan:        plan,
		Providers:   p.providers,
		GeneratedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal tenant config: %w", err)
	}

	path := p.Path(tenantID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write tenant config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to place tenant config: %w", err)
	}
	return path, nil
}

// Path returns where the tenant's document lives, written or not.
func (p *Producer) Path(tenantID string) string {
	return filepath.Join(p.runDir, tenantID+".json")
}

// Remove deletes the tenant's document. Missing files are not an
// error; instance death and removal may race.
func (p *Producer) Remove(tenantID string) error {
	err := os.Remove(p.Path(tenantID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove tenant config: %w", err)
	}
	return nil
}
