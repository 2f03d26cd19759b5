package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
)

const (
	// MetaFileName is the archive metadata entry
	MetaFileName = "hostingbot.json"

	// FormatV1 is the export format written by this service
	FormatV1 = "hostingbot-v1"

	formatPrefix = "hostingbot-"
)

// Meta is the export archive metadata
type Meta struct {
	Name       string    `json:"name"`
	Entrypoint string    `json:"entrypoint"`
	ExportedAt time.Time `json:"exported_at,omitempty"`
	Format     string    `json:"format"`
}

// checkEntryName rejects absolute paths and parent-escaping components.
// Called for every entry before anything is written to disk.
func checkEntryName(name string) error {
	if name == "" {
		return errdefs.Invalid("empty archive entry name")
	}
	clean := filepath.ToSlash(name)
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(name) {
		return errdefs.Invalid("absolute path in archive: %s", name)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return errdefs.Invalid("parent-escaping path in archive: %s", name)
		}
	}
	return nil
}

// SafeExtract extracts a zip archive into destDir. All entry names are
// validated before the first byte is written; an unsafe entry fails the
// whole archive with nothing extracted.
func SafeExtract(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return errdefs.Invalid("not a valid zip archive")
	}
	defer r.Close()

	for _, f := range r.File {
		if err := checkEntryName(f.Name); err != nil {
			return err
		}
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}

// BuildExport writes a project export archive to outPath: the metadata
// entry plus the source tree under src/.
func BuildExport(srcRoot, name, entrypoint, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create export archive: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	meta := Meta{
		Name:       name,
		Entrypoint: entrypoint,
		ExportedAt: time.Now().UTC(),
		Format:     FormatV1,
	}
	metaBytes, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	mw, err := w.Create(MetaFileName)
	if err != nil {
		return err
	}
	if _, err := mw.Write(metaBytes); err != nil {
		return err
	}

	return filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		fw, err := w.Create("src/" + filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(fw, in)
		return err
	})
}

// LoadImport inspects an extracted staging directory and returns the
// archive metadata (nil when absent) and the directory holding the
// project source: the src/ subtree when the metadata carries one,
// otherwise the staging root itself.
func LoadImport(stagingDir string) (*Meta, string, error) {
	metaPath := filepath.Join(stagingDir, MetaFileName)
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, stagingDir, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read archive metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, "", errdefs.Invalid("malformed %s", MetaFileName)
	}
	if meta.Format != "" && !strings.HasPrefix(meta.Format, formatPrefix) {
		return nil, "", errdefs.Invalid("unsupported archive format: %s", meta.Format)
	}

	srcDir := filepath.Join(stagingDir, "src")
	if info, err := os.Stat(srcDir); err == nil && info.IsDir() {
		return &meta, srcDir, nil
	}
	return &meta, stagingDir, nil
}
