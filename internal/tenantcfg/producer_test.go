package tenantcfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestProduceWritesDocument(t *testing.T) {
	dir := t.TempDir()
	providers := map[string]map[string]string{
		"serpapi": {"api_key": "sk-test"},
	}
	p, err := NewProducer(filepath.Join(dir, "run"), providers)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	path, err := p.Produce("tenant-a", "pro")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if path != p.Path("tenant-a") {
		t.Errorf("Produce path = %s, want %s", path, p.Path("tenant-a"))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("document mode = %o, want 0600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.TenantID != "tenant-a" || doc.Plan != "pro" {
		t.Errorf("document = %+v", doc)
	}
	if doc.Providers["serpapi"]["api_key"] != "sk-test" {
		t.Error("provider settings missing from document")
	}
	if doc.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
}

func TestProduceOverwrites(t *testing.T) {
	p, err := NewProducer(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	if _, err := p.Produce("tenant-a", "free"); err != nil {
		t.Fatalf("first Produce: %v", err)
	}
	path, err := p.Produce("tenant-a", "agency")
	if err != nil {
		t.Fatalf("second Produce: %v", err)
	}

	data, _ := os.ReadFile(path)
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.Plan != "agency" {
		t.Errorf("plan = %s after rewrite, want agency", doc.Plan)
	}
}

func TestRemoveTolerant(t *testing.T) {
	p, err := NewProducer(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	if err := p.Remove("never-produced"); err != nil {
		t.Errorf("Remove() of missing document = %v, want nil", err)
	}

	path, err := p.Produce("tenant-a", "pro")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := p.Remove("tenant-a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("document still present after Remove")
	}
}
