package interpreter

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/k11v/enclave/internal/artifact"
)

const ManifestFileName = "kurtosis.yml"

var (
	ErrNoManifest   = errors.New("package has no " + ManifestFileName)
	ErrFileNotFound = errors.New("file not found in package")
)

type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Package is an uploaded Starlark package.
type Package struct {
	Name  string
	Files map[string][]byte
}

// LoadPackage reads a tar.gz package. The manifest sits at the root or
// inside a single top-level directory.
func LoadPackage(archive []byte) (*Package, error) {
	files, err := artifact.Unarchive(archive)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}

	byPath := make(map[string][]byte, len(files))
	for _, f := range files {
		byPath[strings.TrimPrefix(f.Path, "./")] = f.Content
	}

	root := ""
	if _, ok := byPath[ManifestFileName]; !ok {
		var candidates []string
		for p := range byPath {
			if dir, base := path.Split(p); base == ManifestFileName && strings.Count(dir, "/") == 1 {
				candidates = append(candidates, dir)
			}
		}
		if len(candidates) != 1 {
			return nil, ErrNoManifest
		}
		root = candidates[0]
	}

	pkg := &Package{Files: make(map[string][]byte, len(byPath))}
	for p, content := range byPath {
		if rel, ok := strings.CutPrefix(p, root); ok {
			pkg.Files[rel] = content
		}
	}

	var manifest Manifest
	if err = yaml.Unmarshal(pkg.Files[ManifestFileName], &manifest); err != nil {
		return nil, fmt.Errorf("load package: %s: %w", ManifestFileName, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("load package: %s: missing name", ManifestFileName)
	}
	pkg.Name = manifest.Name
	return pkg, nil
}

// resolve turns a locator into a path inside the package. Locators are relative
// to the package root and may be prefixed with the package name.
func (p *Package) resolve(locator string) (string, error) {
	rel := locator
	if r, ok := strings.CutPrefix(rel, p.Name+"/"); ok {
		rel = r
	}
	rel = path.Clean("/" + rel)[1:]
	if rel == "" {
		return "", fmt.Errorf("%q: %w", locator, ErrFileNotFound)
	}
	return rel, nil
}

func (p *Package) Read(locator string) ([]byte, error) {
	rel, err := p.resolve(locator)
	if err != nil {
		return nil, err
	}
	content, ok := p.Files[rel]
	if !ok {
		return nil, fmt.Errorf("%q: %w", locator, ErrFileNotFound)
	}
	return content, nil
}

// Glob returns the file at locator, or every file under it when it is a directory.
// Paths are relative to the parent of locator, as if the file or directory was copied.
func (p *Package) Glob(locator string) ([]*FileToUpload, error) {
	rel, err := p.resolve(locator)
	if err != nil {
		return nil, err
	}
	if content, ok := p.Files[rel]; ok {
		return []*FileToUpload{{Path: path.Base(rel), Content: content}}, nil
	}

	parent := path.Dir(rel)
	var files []*FileToUpload
	for name, content := range p.Files {
		if !strings.HasPrefix(name, rel+"/") {
			continue
		}
		target := name
		if parent != "." {
			target = strings.TrimPrefix(name, parent+"/")
		}
		files = append(files, &FileToUpload{Path: target, Content: content})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%q: %w", locator, ErrFileNotFound)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
