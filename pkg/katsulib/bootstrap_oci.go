// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/microsoft/katsu/internal/logger"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content/oci"
)

const whiteoutPrefix = ".wh."
const whiteoutOpaque = ".wh..wh..opq"

// bootstrapOci exports a local OCI layout into the target root, unpacking
// the image's layers in order.
func bootstrapOci(bc *BuildContext) error {
	ctx := context.Background()

	layoutPath, tag := splitOciRef(bc.Manifest.Oci.Ref)

	store, err := oci.New(layoutPath)
	if err != nil {
		return fmt.Errorf("failed to open OCI layout (%s):\n%w", layoutPath, err)
	}

	desc, err := store.Resolve(ctx, tag)
	if err != nil {
		return fmt.Errorf("failed to resolve OCI reference (%s) in layout (%s):\n%w", tag,
			layoutPath, err)
	}

	manifestDesc, err := resolveImageManifest(ctx, store, desc, string(bc.Manifest.Arch))
	if err != nil {
		return err
	}

	var imageManifest ocispec.Manifest
	err = fetchJson(ctx, store, manifestDesc, &imageManifest)
	if err != nil {
		return fmt.Errorf("failed to read OCI image manifest:\n%w", err)
	}

	logger.Log.Infof("Unpacking %d OCI layer(s) into (%s)", len(imageManifest.Layers),
		bc.ChrootDir)

	for _, layer := range imageManifest.Layers {
		err = unpackLayer(ctx, store, layer, bc.ChrootDir)
		if err != nil {
			return fmt.Errorf("failed to unpack OCI layer (%s):\n%w", layer.Digest, err)
		}
	}

	return nil
}

// splitOciRef splits "path/to/layout:tag" into its parts; the tag defaults
// to "latest".
func splitOciRef(ref string) (layoutPath string, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 || strings.Contains(ref[idx+1:], "/") {
		return ref, "latest"
	}
	return ref[:idx], ref[idx+1:]
}

// resolveImageManifest descends through an image index, if present, picking
// the entry matching the target architecture.
func resolveImageManifest(ctx context.Context, store *oci.Store, desc ocispec.Descriptor,
	arch string,
) (ocispec.Descriptor, error) {
	if desc.MediaType != ocispec.MediaTypeImageIndex &&
		desc.MediaType != "application/vnd.docker.distribution.manifest.list.v2+json" {
		return desc, nil
	}

	var index ocispec.Index
	err := fetchJson(ctx, store, desc, &index)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("failed to read OCI image index:\n%w", err)
	}

	goArch := ociGoArch(arch)
	for _, manifest := range index.Manifests {
		if manifest.Platform == nil || manifest.Platform.Architecture == goArch {
			return manifest, nil
		}
	}

	return ocispec.Descriptor{}, fmt.Errorf("OCI image index has no manifest for architecture (%s)",
		goArch)
}

func ociGoArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func fetchJson(ctx context.Context, store *oci.Store, desc ocispec.Descriptor, value any) error {
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	defer rc.Close()

	contents, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	return json.Unmarshal(contents, value)
}

func unpackLayer(ctx context.Context, store *oci.Store, layer ocispec.Descriptor,
	targetRoot string,
) error {
	err := layer.Digest.Validate()
	if err != nil {
		return fmt.Errorf("layer has malformed digest (%s):\n%w", layer.Digest, err)
	}
	if layer.Digest.Algorithm() != digest.SHA256 && layer.Digest.Algorithm() != digest.SHA512 {
		return fmt.Errorf("unsupported layer digest algorithm (%s)", layer.Digest.Algorithm())
	}

	rc, err := store.Fetch(ctx, layer)
	if err != nil {
		return err
	}
	defer rc.Close()

	// Verify the blob against its descriptor digest while streaming.
	verifier := layer.Digest.Verifier()
	teeReader := io.TeeReader(rc, verifier)

	reader := io.Reader(teeReader)
	if strings.HasSuffix(layer.MediaType, "+gzip") || strings.HasSuffix(layer.MediaType, ".gzip") {
		gzReader, err := pgzip.NewReader(teeReader)
		if err != nil {
			return fmt.Errorf("failed to decompress layer:\n%w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	err = extractLayerTar(reader, targetRoot)
	if err != nil {
		return err
	}

	// The verifier has only seen the full compressed stream once it is
	// drained past the tar trailer.
	_, err = io.Copy(io.Discard, teeReader)
	if err != nil {
		return err
	}

	if !verifier.Verified() {
		return fmt.Errorf("layer (%s) digest mismatch", layer.Digest)
	}

	return nil
}

func extractLayerTar(reader io.Reader, targetRoot string) error {
	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(header.Name)
		if strings.HasPrefix(name, "..") {
			return fmt.Errorf("layer entry (%s) escapes the target root", header.Name)
		}
		targetPath := filepath.Join(targetRoot, name)

		base := filepath.Base(name)
		switch {
		case base == whiteoutOpaque:
			// Opaque whiteout: clear the directory's existing contents.
			dir := filepath.Dir(targetPath)
			err = clearDirectory(dir)
			if err != nil {
				return err
			}
			continue

		case strings.HasPrefix(base, whiteoutPrefix):
			// Plain whiteout: remove the named path from lower layers.
			removed := filepath.Join(filepath.Dir(targetPath),
				strings.TrimPrefix(base, whiteoutPrefix))
			err = os.RemoveAll(removed)
			if err != nil {
				return err
			}
			continue
		}

		err = extractTarEntry(tarReader, header, targetRoot, targetPath)
		if err != nil {
			return err
		}
	}
}

func clearDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		err = os.RemoveAll(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTarEntry(tarReader *tar.Reader, header *tar.Header, targetRoot, targetPath string,
) error {
	switch header.Typeflag {
	case tar.TypeDir:
		err := os.MkdirAll(targetPath, os.FileMode(header.Mode))
		if err != nil {
			return err
		}

	case tar.TypeReg:
		err := os.MkdirAll(filepath.Dir(targetPath), os.ModePerm)
		if err != nil {
			return err
		}

		// An upper layer may replace a lower layer's file of any type.
		err = os.RemoveAll(targetPath)
		if err != nil {
			return err
		}

		f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY,
			os.FileMode(header.Mode))
		if err != nil {
			return err
		}

		_, err = io.Copy(f, tarReader)
		closeErr := f.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}

	case tar.TypeSymlink:
		err := os.RemoveAll(targetPath)
		if err != nil {
			return err
		}
		err = os.Symlink(header.Linkname, targetPath)
		if err != nil {
			return err
		}

	case tar.TypeLink:
		// Hard link names are relative to the archive root.
		linkTarget := filepath.Join(targetRoot, filepath.Clean(header.Linkname))
		err := os.RemoveAll(targetPath)
		if err != nil {
			return err
		}
		err = os.Link(linkTarget, targetPath)
		if err != nil {
			return err
		}

	default:
		logger.Log.Tracef("Skipping layer entry (%s) of type (%d)", header.Name, header.Typeflag)
		return nil
	}

	err := os.Lchown(targetPath, header.Uid, header.Gid)
	if err != nil {
		return err
	}

	return nil
}
