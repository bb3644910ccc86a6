// Package telemetry moves scheduler data off-box: gzip spool artifacts for
// audit exports, a best-effort InfluxDB record stream, and a read-only
// HTTP surface. Nothing in this package ever blocks or fails the scheduler
// itself.
package telemetry

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"detsched/internal/audit"
)

// SpoolArtifact is the on-disk shape of one audit export.
type SpoolArtifact struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Hostname  string    `json:"hostname"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`

	// ConfigContent is the raw configuration the daemon was started with,
	// so an artifact is interpretable without the originating host.
	ConfigContent string `json:"config_content,omitempty"`

	Records []audit.Record `json:"records"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("DETSCHED_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// Spool writes audit exports as gzip-compressed JSON artifacts.
type Spool struct {
	dir           string
	configContent string
}

func NewSpool(dir, configContent string) *Spool {
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	return &Spool{dir: dir, configContent: configContent}
}

// Export writes the records to a new artifact atomically and returns the
// final file path.
func (s *Spool) Export(records []audit.Record) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("no records to export")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	artifact := &SpoolArtifact{
		Version:       1,
		CreatedAt:     time.Now(),
		Hostname:      hostname,
		FirstSeq:      records[0].Seq,
		LastSeq:       records[len(records)-1].Seq,
		ConfigContent: s.configContent,
		Records:       records,
	}

	name := fmt.Sprintf(
		"audit_%s_%d-%d.json.gz",
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		artifact.FirstSeq,
		artifact.LastSeq,
	)
	finalPath := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}
