// Package content maps stored content references to files the encoder can read.
package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anji4cp/streamnexus/internal/stream"
)

// Resolver turns content references into encoder inputs.
type Resolver interface {
	Resolve(ctx context.Context, refs []string) ([]string, error)
}

// FileResolver resolves references relative to Root. Absolute references and
// URLs (anything with "://") are accepted as-is; URLs are not stat'ed.
type FileResolver struct {
	Root string
}

func (r FileResolver) Resolve(_ context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if strings.Contains(ref, "://") {
			out = append(out, ref)
			continue
		}
		p := ref
		if !filepath.IsAbs(p) {
			clean := filepath.Clean("/" + ref)
			p = filepath.Join(r.Root, clean)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", stream.ErrNoContent, ref)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", stream.ErrNoContent, ref)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, stream.ErrNoContent
	}
	return out, nil
}

// Static resolves every reference to itself. Useful when refs are already paths.
type Static struct{}

func (Static) Resolve(_ context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			out = append(out, ref)
		}
	}
	if len(out) == 0 {
		return nil, stream.ErrNoContent
	}
	return out, nil
}
