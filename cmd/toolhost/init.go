package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/toolhost/examples"
)

// runInit writes the example host config and server definitions into
// dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing toolhost config in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The host config may carry broker credentials.
		{"config.yaml", examples.ConfigYAML, 0o600},
		{"mcp.json", examples.ServersJSON, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  wrote   %s\n", path)
		} else {
			fmt.Fprintf(w, "  kept    %s\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Add your tool servers to mcp.json, then run:")
	fmt.Fprintf(w, "  toolhost -config %s -servers %s tools\n",
		filepath.Join(dir, "config.yaml"), filepath.Join(dir, "mcp.json"))
	return nil
}

// writeIfMissing writes content to path only if nothing exists there.
// It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
