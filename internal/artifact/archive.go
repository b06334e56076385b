package artifact

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// File is a regular file inside an artifact archive.
type File struct {
	Path    string
	Content []byte
	Mode    int64
}

// FileDescription describes an entry of an artifact archive without its content.
type FileDescription struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
	TextPreview string `json:"text_preview,omitempty"`
}

const textPreviewSize = 1024

// Archive packs files into a tar.gz archive ordered by path.
func Archive(files []*File) ([]byte, error) {
	sorted := append([]*File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, f := range sorted {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(path.Clean(f.Path), "/"),
			Mode:     mode,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Unarchive reads the regular files of a tar.gz archive.
func Unarchive(data []byte) ([]*File, error) {
	var files []*File
	err := walkArchive(data, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		files = append(files, &File{Path: path.Clean(hdr.Name), Content: content, Mode: hdr.Mode})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unarchive: %w", err)
	}
	return files, nil
}

// Describe lists the entries of a tar.gz archive with a text preview of small files.
func Describe(data []byte) ([]*FileDescription, error) {
	var descriptions []*FileDescription
	err := walkArchive(data, func(hdr *tar.Header, r io.Reader) error {
		d := &FileDescription{
			Path:        path.Clean(hdr.Name),
			Size:        hdr.Size,
			IsDirectory: hdr.Typeflag == tar.TypeDir,
		}
		if hdr.Typeflag == tar.TypeReg {
			preview, err := io.ReadAll(io.LimitReader(r, textPreviewSize))
			if err != nil {
				return err
			}
			if isText(preview) {
				d.TextPreview = string(preview)
			}
		}
		descriptions = append(descriptions, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	return descriptions, nil
}

// Gzip compresses a plain tar stream into the archive format artifacts use.
func Gzip(tarStream io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := io.Copy(gw, tarStream); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func walkArchive(data []byte, fn func(hdr *tar.Header, r io.Reader) error) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() {
		_ = gr.Close()
	}()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = fn(hdr, tr); err != nil {
			return err
		}
	}
}

func isText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
