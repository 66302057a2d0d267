/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Handoff bundle media types, the self-contained counterpart to the
// teacher's MediaTypeConfig/MediaTypeContent — unlike
// internal/skills/registry.go, this package defines both its own media
// types and its own payload shape rather than referencing undeclared
// ones.
const (
	MediaTypeManifestConfig = "application/vnd.autoloop.handoff.manifest.v1+json"
	MediaTypeBundleContent  = "application/vnd.autoloop.handoff.bundle.v1.tar+gzip"
	artifactType            = "application/vnd.autoloop.handoff.v1"
)

// OCIRef addresses one handoff bundle in an OCI registry: registry/path
// tagged or pinned by digest, the handoff analogue of the teacher's OCIRef
// (also referenced but never defined in internal/skills/registry.go).
type OCIRef struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

func (r OCIRef) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Path, r.Digest)
	}
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Path, tag)
}

// RegistryClient pushes and pulls handoff bundles from OCI registries —
// the distribution mechanism spec §3's "externally declared manifest"
// travels over (SPEC_FULL.md's domain-stack wiring for
// oras.land/oras-go/v2 and github.com/opencontainers/image-spec).
// Adapted from internal/skills/registry.go's RegistryClient; this client
// additionally defines the bundle payload format it pushes and pulls
// rather than depending on a config/content shape declared elsewhere.
type RegistryClient struct {
	PlainHTTP bool
	Username  string
	Password  string
}

// NewRegistryClient creates a client for OCI registry operations.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

// WithAuth sets credentials for registry authentication.
func (rc *RegistryClient) WithAuth(username, password string) *RegistryClient {
	rc.Username = username
	rc.Password = password
	return rc
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (rc *RegistryClient) WithPlainHTTP(plain bool) *RegistryClient {
	rc.PlainHTTP = plain
	return rc
}

// PushResult holds the result of pushing a handoff bundle to a registry.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"configSize"`
	ContentSize int64    `json:"contentSize"`
	Files       []string `json:"files"`
}

// PullResult holds the result of pulling a handoff bundle from a
// registry.
type PullResult struct {
	Ref           string   `json:"ref"`
	Digest        string   `json:"digest"`
	Size          int64    `json:"size"`
	SourceProject string   `json:"sourceProject,omitempty"`
	Files         []string `json:"files,omitempty"`
}

// Push packages manifest and its sourceRoot file tree and pushes it to
// ref.
func (rc *RegistryClient) Push(ctx context.Context, manifest Manifest, sourceRoot string, ref OCIRef) (*PushResult, error) {
	bundle, err := Pack(manifest, sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("pack handoff bundle: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeManifestConfig, bundle.ManifestJSON)
	if err != nil {
		return nil, fmt.Errorf("push manifest config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeBundleContent, bundle.Content)
	if err != nil {
		return nil, fmt.Errorf("push bundle content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers:           []ocispec.Descriptor{contentDesc},
		ConfigDescriptor: &configDesc,
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := rc.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Files:       bundle.Files,
	}, nil
}

// Pull downloads a handoff bundle from ref and returns the parsed
// manifest plus the raw bundle content (not yet unpacked to disk).
func (rc *RegistryClient) Pull(ctx context.Context, ref OCIRef) (Manifest, []byte, *PullResult, error) {
	repo, err := rc.repository(ref)
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if pullRef == "" && ref.Digest == "" {
		pullRef = "latest"
	}
	if ref.Digest != "" {
		pullRef = ref.Digest
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestReader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestBytes, err := readAll(manifestReader)
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("read manifest: %w", err)
	}

	var ociManifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &ociManifest); err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("parse OCI manifest: %w", err)
	}

	var content []byte
	for _, layer := range ociManifest.Layers {
		if layer.MediaType != MediaTypeBundleContent {
			continue
		}
		reader, err := store.Fetch(ctx, layer)
		if err != nil {
			return Manifest{}, nil, nil, fmt.Errorf("fetch bundle content: %w", err)
		}
		content, err = readAll(reader)
		if err != nil {
			return Manifest{}, nil, nil, fmt.Errorf("read bundle content: %w", err)
		}
	}
	if content == nil {
		return Manifest{}, nil, nil, fmt.Errorf("no bundle content layer found in manifest")
	}

	var manifest Manifest
	if ociManifest.Config.Size > 0 {
		reader, err := store.Fetch(ctx, ociManifest.Config)
		if err == nil {
			if configData, err := readAll(reader); err == nil {
				_ = json.Unmarshal(configData, &manifest)
			}
		}
	}

	result := &PullResult{
		Ref:           ref.String(),
		Digest:        manifestDesc.Digest.String(),
		Size:          manifestDesc.Size,
		SourceProject: manifest.SourceProject,
		Files:         manifestPaths(manifest),
	}
	return manifest, content, result, nil
}

// PullToDir pulls ref and unpacks its bundle content into destRoot,
// returning the parsed manifest for the caller to run Plan/Queue against.
func (rc *RegistryClient) PullToDir(ctx context.Context, ref OCIRef, destRoot string) (Manifest, *PullResult, error) {
	manifest, content, result, err := rc.Pull(ctx, ref)
	if err != nil {
		return Manifest{}, nil, err
	}
	if err := Unpack(content, destRoot); err != nil {
		return Manifest{}, nil, fmt.Errorf("unpack handoff bundle: %w", err)
	}
	return manifest, result, nil
}

func (rc *RegistryClient) repository(ref OCIRef) (*remote.Repository, error) {
	repoRef := fmt.Sprintf("%s/%s", ref.Registry, ref.Path)
	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rc.PlainHTTP
	if rc.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: rc.Username,
				Password: rc.Password,
			}),
		}
	}
	return repo, nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
