package render

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SimulatedRenderer stands in for an external render engine. It hashes the
// payload into the artifact so a given scene always produces the same bytes,
// and it sleeps a payload-derived duration so load tests see realistic
// variance without an actual GPU farm behind them.
type SimulatedRenderer struct {
	WorkDir     string
	MinDuration time.Duration
	MaxDuration time.Duration
}

// NewSimulatedRenderer creates a renderer writing artifacts under workDir.
func NewSimulatedRenderer(workDir string, min, max time.Duration) *SimulatedRenderer {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &SimulatedRenderer{
		WorkDir:     workDir,
		MinDuration: min,
		MaxDuration: max,
	}
}

// Render produces a deterministic artifact for the payload. It honors
// context cancellation mid-render so job timeouts cut work short.
func (r *SimulatedRenderer) Render(ctx context.Context, payload string) (*Result, error) {
	sum := sha256.Sum256([]byte(payload))
	name := hex.EncodeToString(sum[:8])

	if err := os.MkdirAll(r.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare work dir: %w", err)
	}

	delay := r.duration(sum)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	outputPath := filepath.Join(r.WorkDir, name+".render")
	content := fmt.Sprintf("render %s\npayload-sha256 %s\nduration %s\n",
		name, hex.EncodeToString(sum[:]), delay)
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	return &Result{OutputPath: outputPath}, nil
}

func (r *SimulatedRenderer) duration(sum [32]byte) time.Duration {
	span := r.MaxDuration - r.MinDuration
	if span <= 0 {
		return r.MinDuration
	}
	n := binary.BigEndian.Uint64(sum[:8])
	return r.MinDuration + time.Duration(n%uint64(span))
}
