package lm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Compiler runs the external graph compiler that turns a text bigram model
// into a decoding graph. The compiler is invoked as
//
//	<Binary> <ProtoLangDir> <text-model> <output-graph>
//
// and must exit with status zero on success.
type Compiler struct {
	// Binary is the path of the graph compiler executable.
	Binary string

	// ProtoLangDir is the prototype language directory the compiler combines
	// with the text model.
	ProtoLangDir string

	// TempDir holds intermediate files. Empty means [os.TempDir].
	TempDir string
}

// Compile writes g to a temporary text file, runs the compiler and returns the
// path of the generated graph. The caller must invoke cleanup once the graph
// is no longer needed; cleanup is safe to call when err is non-nil.
func (c *Compiler) Compile(ctx context.Context, g *Graph) (graphPath string, cleanup func(), err error) {
	cleanup = func() {}
	if c.Binary == "" {
		return "", cleanup, errors.New("lm: compiler binary is not configured")
	}

	txt, err := os.CreateTemp(c.TempDir, "forcealign-lm-*.txt")
	if err != nil {
		return "", cleanup, fmt.Errorf("lm: create text model: %w", err)
	}
	defer os.Remove(txt.Name())

	if _, err := g.WriteTo(txt); err != nil {
		txt.Close()
		return "", cleanup, err
	}
	if err := txt.Close(); err != nil {
		return "", cleanup, fmt.Errorf("lm: close text model: %w", err)
	}

	out, err := os.CreateTemp(c.TempDir, "forcealign-*_HCLG.fst")
	if err != nil {
		return "", cleanup, fmt.Errorf("lm: reserve graph path: %w", err)
	}
	graphPath = out.Name()
	out.Close()
	cleanup = func() {
		if err := os.Remove(graphPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("lm: failed to remove compiled graph", "path", graphPath, "err", err)
		}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, c.ProtoLangDir, txt.Name(), graphPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		cleanup()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", func() {}, fmt.Errorf("lm: graph compiler %q failed: %w: %s", c.Binary, err, msg)
		}
		return "", func() {}, fmt.Errorf("lm: graph compiler %q failed: %w", c.Binary, err)
	}

	slog.Debug("lm: compiled decoding graph", "graph", graphPath, "nodes", g.NumNodes())
	return graphPath, cleanup, nil
}
