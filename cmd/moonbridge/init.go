package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hollowoak/moonbridge/internal/defaults"
)

// runInit initializes a moonbridge working directory with default
// files. It creates the data directory and writes the bundled example
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing moonbridge workspace in %s\n", dir)

	dataPath := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataPath, err)
	}

	// Config may carry the MQTT password, so keep it owner-only.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml with your printer and broker details, then run:")
	fmt.Fprintln(w, "  moonbridge serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, mode)
}
