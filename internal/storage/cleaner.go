package storage

import (
	"log"
	"os"
	"path/filepath"
	"time"
)

// Cleaner deletes aged snapshots at startup. Files whose mtime falls
// within the retention window are preserved; the rolling latest_* files
// are rewritten constantly so their mtime keeps them safe.
type Cleaner struct {
	dataDir       string
	retentionDays int
}

// NewCleaner builds a cleaner rooted at the outlet data directory.
func NewCleaner(dataDir string, retentionDays int) *Cleaner {
	return &Cleaner{dataDir: dataDir, retentionDays: retentionDays}
}

// Clean sweeps every camera's snapshots directory plus the global one,
// removing JPEGs older than the retention window. Zero or negative
// retention disables the sweep.
func (c *Cleaner) Clean() (removed int, freedBytes int64) {
	if c.retentionDays <= 0 {
		log.Printf("[Cleaner] Retention disabled (days <= 0)")
		return 0, 0
	}

	cutoff := time.Now().Add(-time.Duration(c.retentionDays) * 24 * time.Hour)
	log.Printf("[Cleaner] Starting cleanup, retention %d days", c.retentionDays)

	patterns := []string{
		filepath.Join(c.dataDir, "sim_output", "*", "snapshots", "*.jpg"),
		filepath.Join(c.dataDir, "snapshots", "*.jpg"),
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				log.Printf("[Cleaner] Failed to stat %s: %v", path, err)
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			size := info.Size()
			if err := os.Remove(path); err != nil {
				log.Printf("[Cleaner] Failed to delete %s: %v", path, err)
				continue
			}
			removed++
			freedBytes += size
		}
	}

	if removed > 0 {
		log.Printf("[Cleaner] Deleted %d old snapshots, freed %.2f MB", removed, float64(freedBytes)/(1024*1024))
	} else {
		log.Printf("[Cleaner] No old snapshots found")
	}
	return removed, freedBytes
}
