// Package cleanup sweeps scratch directories for files the pipeline no
// longer needs: uploaded originals past their retention window and
// normalized audio orphaned by crashed workers.
package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"time"
)

// Sweeper periodically removes aged files from the given directories
type Sweeper struct {
	dirs     []string
	interval time.Duration
	maxAge   time.Duration
	stopChan chan struct{}
}

// NewSweeper creates a sweeper over the given scratch directories
func NewSweeper(dirs []string, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Sweeper{
		dirs:     dirs,
		interval: interval,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start runs one sweep immediately, then sweeps on the interval
func (s *Sweeper) Start() {
	log.Println("Running initial scratch file sweep...")
	s.sweep()

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Cleanup sweeper started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop halts the periodic sweep
func (s *Sweeper) Stop() {
	close(s.stopChan)
	log.Println("Cleanup sweeper stopped")
}

// sweep removes files older than maxAge from every watched directory
func (s *Sweeper) sweep() {
	now := time.Now()
	var deletedCount int
	var deletedSize int64

	for _, dir := range s.dirs {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // Skip files we can't access
			}
			if info.IsDir() {
				return nil
			}

			age := now.Sub(info.ModTime())
			if age > s.maxAge {
				size := info.Size()
				if err := os.Remove(path); err != nil {
					log.Printf("Failed to delete aged file %s: %v", path, err)
				} else {
					deletedCount++
					deletedSize += size
					log.Printf("Deleted aged scratch file: %s (age: %s, size: %dKB)",
						filepath.Base(path), age.Round(time.Hour), size/1024)
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("Error sweeping %s: %v", dir, err)
		}
	}

	if deletedCount > 0 {
		log.Printf("Sweep complete: %d files deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
}

// EnsureDirs creates the scratch directories if missing
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
