package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Manifest describes one install transaction on disk.
type Manifest struct {
	Mode      string          `yaml:"mode"`
	Flags     []string        `yaml:"flags"`
	Artifacts []ManifestEntry `yaml:"artifacts"`
}

// ManifestEntry is one artifact. Paths ending in .zst are decompressed
// before streaming; Name defaults to the file name without that suffix.
type ManifestEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

var flagNames = map[string]installer.InstallFlags{
	"replace-existing":  installer.FlagReplaceExisting,
	"allow-test":        installer.FlagAllowTest,
	"request-downgrade": installer.FlagRequestDowngrade,
	"grant-permissions": installer.FlagGrantPermissions,
	"dont-kill":         installer.FlagDontKillApp,
}

// LoadManifest reads a YAML manifest. Relative artifact paths resolve
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Artifacts) == 0 {
		return nil, fmt.Errorf("manifest %s lists no artifacts", path)
	}
	dir := filepath.Dir(path)
	for i, a := range m.Artifacts {
		if a.Path == "" {
			return nil, fmt.Errorf("manifest %s: artifact %d has no path", path, i)
		}
		if !filepath.IsAbs(a.Path) {
			m.Artifacts[i].Path = filepath.Join(dir, a.Path)
		}
	}
	return &m, nil
}

// Request resolves the manifest into an install request, opening every
// artifact source up front. On error the sources opened so far are closed.
func (m *Manifest) Request() (installer.Request, error) {
	req := installer.Request{Mode: installer.ModeFullInstall}
	switch m.Mode {
	case "", "full-install":
	case "inherit-existing":
		req.Mode = installer.ModeInheritExisting
	default:
		return req, fmt.Errorf("unknown mode %q", m.Mode)
	}
	for _, name := range m.Flags {
		f, ok := flagNames[name]
		if !ok {
			return req, fmt.Errorf("unknown install flag %q", name)
		}
		req.Flags |= f
	}
	for _, e := range m.Artifacts {
		a, err := openArtifact(e.Name, e.Path)
		if err != nil {
			for _, opened := range req.Artifacts {
				_ = opened.Source.Close()
			}
			return req, err
		}
		req.Artifacts = append(req.Artifacts, a)
	}
	return req, nil
}

// openArtifact opens path for streaming. A .zst file is decompressed into a
// temporary file first so the declared size is exact.
func openArtifact(name, path string) (installer.Artifact, error) {
	base := filepath.Base(path)
	compressed := strings.HasSuffix(base, ".zst")
	if name == "" {
		name = strings.TrimSuffix(base, ".zst")
	}
	if strings.ContainsAny(name, `/\`) {
		return installer.Artifact{}, fmt.Errorf("artifact name %q contains a path separator", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return installer.Artifact{}, err
	}
	if !compressed {
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return installer.Artifact{}, err
		}
		return installer.Artifact{Name: name, Source: f, Size: st.Size()}, nil
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return installer.Artifact{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer dec.Close()

	tmp, err := os.CreateTemp("", "installsession-*-"+name)
	if err != nil {
		return installer.Artifact{}, err
	}
	n, err := io.Copy(tmp, dec)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return installer.Artifact{}, fmt.Errorf("decompress %s: %w", path, err)
	}
	return installer.Artifact{Name: name, Source: &tempFile{File: tmp}, Size: n}, nil
}

// tempFile removes itself on Close.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	return errors.Join(t.File.Close(), os.Remove(t.Name()))
}
