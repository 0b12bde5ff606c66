// Package skills manages on-disk skill bundles: directories named
// <id>-skill containing a SKILL.md manifest plus optional script and
// dependency files.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFilename is the expected manifest name inside a bundle.
	ManifestFilename = "SKILL.md"

	frontmatterDelimiter = "---"

	// IDSuffix is required on every bundle directory name.
	IDSuffix = "-skill"
)

// Manifest is the restricted frontmatter of a SKILL.md. Unknown keys are
// rejected so bundles cannot smuggle extra metadata past the guard.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Script      string `yaml:"script,omitempty"`
	Language    string `yaml:"language,omitempty"`
	Install     string `yaml:"install,omitempty"`
}

// Skill is one loaded bundle.
type Skill struct {
	ID       string
	Dir      string
	Manifest Manifest
	Body     string
	Enabled  bool
}

// ValidID reports whether a bundle id has the right shape.
func ValidID(id string) bool {
	if !strings.HasSuffix(id, IDSuffix) || len(id) <= len(IDSuffix) {
		return false
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return false
		}
	}
	return true
}

// ParseManifestFile reads and parses a bundle's SKILL.md.
func ParseManifestFile(path string) (*Manifest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest splits frontmatter from body and decodes the restricted key
// set.
func ParseManifest(data []byte) (*Manifest, string, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, "", fmt.Errorf("split frontmatter: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(front))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	if m.Name == "" {
		return nil, "", fmt.Errorf("skill name is required")
	}
	if m.Description == "" {
		return nil, "", fmt.Errorf("skill description is required")
	}
	if m.Script != "" && strings.Contains(m.Script, "..") {
		return nil, "", fmt.Errorf("script path must stay inside the bundle")
	}

	return &m, strings.TrimSpace(string(body)), nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan manifest: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// ScriptPath resolves the bundle's script file, if declared.
func (s *Skill) ScriptPath() string {
	if s.Manifest.Script == "" {
		return ""
	}
	return filepath.Join(s.Dir, s.Manifest.Script)
}

// ConcatSources joins every non-manifest regular file for the skill guard.
func ConcatSources(dir string) (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() == ManifestFilename {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		fmt.Fprintf(&b, "==== %s ====\n%s\n", rel, data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("collect sources: %w", err)
	}
	return b.String(), nil
}
