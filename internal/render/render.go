// Package render defines the contracts for the external rendering and
// storage-finalize collaborators. The orchestration subsystem never looks
// inside a payload; it hands the opaque scene blob to a Renderer and the
// produced artifact to a Finalizer.
package render

import "context"

// Result is a successful render's local artifact.
type Result struct {
	OutputPath string
}

// Renderer turns an opaque scene+config payload into a local artifact.
type Renderer interface {
	Render(ctx context.Context, payload string) (*Result, error)
}

// Finalizer moves a rendered artifact to durable storage and returns its
// public URL. Finalize failures count as job failures even when the render
// itself succeeded.
type Finalizer interface {
	Finalize(ctx context.Context, outputPath, destinationKey string) (string, error)
}
