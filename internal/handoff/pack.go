/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package handoff

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxBundleBytes bounds a pulled bundle's decompressed size, the same
// resource-exhaustion guard the teacher's skill loader applies to its
// tar.gz skill artifacts.
const maxBundleBytes = 50 * 1024 * 1024

// Bundle is a packed manifest ready to push to (or just pulled from) an
// OCI registry: the manifest itself plus the spec/template file tree it
// describes, flattened into one tar.gz blob.
type Bundle struct {
	ManifestJSON []byte // MediaTypeConfig layer content
	Content      []byte // MediaTypeContent layer content: tar.gz of sourceRoot
	Files        []string
}

// Pack builds a Bundle from manifest and the directory tree its Specs
// and Templates point into (sourceRoot), the handoff analogue of the
// teacher's skill Pack step referenced (but never defined) by
// internal/skills/registry.go.
func Pack(manifest Manifest, sourceRoot string) (*Bundle, error) {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	var files []string
	paths := manifestPaths(manifest)
	for _, rel := range paths {
		full := filepath.Join(sourceRoot, rel)
		if err := addToTar(tw, sourceRoot, full); err != nil {
			return nil, fmt.Errorf("pack %s: %w", rel, err)
		}
		files = append(files, rel)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}

	return &Bundle{ManifestJSON: manifestJSON, Content: buf.Bytes(), Files: files}, nil
}

func manifestPaths(manifest Manifest) []string {
	var paths []string
	for _, spec := range manifest.Specs {
		paths = append(paths, spec.Path)
	}
	for _, tmpl := range manifest.Templates {
		paths = append(paths, tmpl.Path)
	}
	return paths
}

func addToTar(tw *tar.Writer, root, path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
}

// Unpack decompresses content (as produced by Pack) into destRoot,
// recreating each file's relative path. Grounded on the teacher's
// extractTarGzInMemory (internal/skill/loader.go), adapted to write to
// disk instead of an in-memory filename->content map, since a handoff
// absorption lands in this project's actual spec/template library.
func Unpack(content []byte, destRoot string) error {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if total+hdr.Size > maxBundleBytes {
			return fmt.Errorf("handoff bundle exceeds %d byte limit", maxBundleBytes)
		}
		dest := filepath.Join(destRoot, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(dest), err)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxBundleBytes-total))
		if err != nil {
			return fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		total += int64(len(data))
	}
	return nil
}
