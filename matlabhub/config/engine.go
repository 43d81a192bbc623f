package config

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

// FindEngineRoot locates the engine installation through the "matlab"
// executable on PATH. The root is the parent of the directory holding the
// resolved executable.
func FindEngineRoot() (string, error) {
	path, err := exec.LookPath("matlab")
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	return filepath.Dir(filepath.Dir(abs)), nil
}

// ReadRelease returns the release name, e.g. "R2020b", from the
// installation's VersionInfo.xml.
func ReadRelease(root string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(filepath.Join(root, "VersionInfo.xml")); err != nil {
		return "", fmt.Errorf("read version info: %w", err)
	}
	if doc.Root() == nil {
		return "", fmt.Errorf("version info has no root element")
	}
	release := doc.Root().SelectElement("release")
	if release == nil {
		return "", fmt.Errorf("version info has no release element")
	}
	text := strings.TrimSpace(release.Text())
	if text == "" {
		return "", fmt.Errorf("version info release is empty")
	}
	return text, nil
}
