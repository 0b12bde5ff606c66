package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxBundleBytes caps an uploaded bundle's decompressed size.
const maxBundleBytes = 64 << 20

// GuardFunc validates a bundle before it is accepted. The string arguments
// are the raw manifest and the concatenated sources.
type GuardFunc func(ctx context.Context, skillID, manifest, sources string) error

// Upload extracts a zipped bundle, validates its manifest, runs the guard,
// and installs it under the skills directory. A rejected or invalid bundle
// never reaches the directory.
func (r *Registry) Upload(ctx context.Context, id string, archive []byte, guard GuardFunc) (*Skill, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("skill id must be lowercase alphanumeric ending in %q: got %q", IDSuffix, id)
	}

	staging, err := os.MkdirTemp("", "skill-upload-*")
	if err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractZip(archive, staging); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(staging, ManifestFilename)
	rawManifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("bundle has no %s: %w", ManifestFilename, err)
	}
	manifest, body, err := ParseManifest(rawManifest)
	if err != nil {
		return nil, err
	}

	if guard != nil {
		sources, err := ConcatSources(staging)
		if err != nil {
			return nil, err
		}
		if err := guard(ctx, id, string(rawManifest), sources); err != nil {
			return nil, err
		}
	}

	dest := filepath.Join(r.dir, id)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("replace bundle: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		// Cross-device fallback.
		if err := copyTree(staging, dest); err != nil {
			return nil, fmt.Errorf("install bundle: %w", err)
		}
	}

	skill := &Skill{ID: id, Dir: dest, Manifest: *manifest, Body: body}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return skill, nil
}

// Delete removes a bundle directory and reloads.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("skill %q not found", id)
	}
	if err := os.RemoveAll(filepath.Join(r.dir, id)); err != nil {
		return fmt.Errorf("remove bundle: %w", err)
	}
	return r.Load(ctx)
}

// ExportZip packs a bundle directory into a zip archive.
func (r *Registry) ExportZip(id string) ([]byte, error) {
	skill, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("skill %q not found", id)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	err := filepath.WalkDir(skill.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(skill.Dir, path)
		if err != nil {
			return err
		}
		f, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = f.Write(data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Readme returns the raw SKILL.md for a bundle.
func (r *Registry) Readme(id string) (string, error) {
	skill, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("skill %q not found", id)
	}
	data, err := os.ReadFile(filepath.Join(skill.Dir, ManifestFilename))
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	return string(data), nil
}

// PutReadme replaces a bundle's SKILL.md after validating the new content.
func (r *Registry) PutReadme(ctx context.Context, id, content string) error {
	skill, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("skill %q not found", id)
	}
	if _, _, err := ParseManifest([]byte(content)); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(skill.Dir, ManifestFilename), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return r.Load(ctx)
}

// extractZip unpacks into dest, refusing entries that escape it.
func extractZip(archive []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	var total int64
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes bundle: %q", f.Name)
		}
		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		total += int64(f.UncompressedSize64)
		if total > maxBundleBytes {
			return fmt.Errorf("bundle exceeds %d bytes decompressed", maxBundleBytes)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o400)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, io.LimitReader(src, maxBundleBytes))
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
