package jobs

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// stagingPrefix names scratch directories created under the storage root.
// The reaper removes leftovers matching it.
const stagingPrefix = "staging-"

// ArchiveName returns the file name of a playlist archive for jobID.
func ArchiveName(jobID string) string {
	return fmt.Sprintf("playlist_%s.zip", jobID)
}

// packagePlaylist zips entries into <jobDir>/playlist_<jobID>.zip. The archive
// is assembled in a staging directory and renamed into place, so the final
// name only ever refers to a complete archive.
func packagePlaylist(root, jobDir, jobID string, entries []string) (string, error) {
	staging, err := os.MkdirTemp(root, stagingPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	tmp := filepath.Join(staging, ArchiveName(jobID))
	if err := writeZip(tmp, entries); err != nil {
		return "", err
	}
	dst := filepath.Join(jobDir, ArchiveName(jobID))
	if err := os.Rename(tmp, dst); err != nil {
		if err := copyFile(tmp, dst); err != nil {
			return "", fmt.Errorf("move archive into place: %w", err)
		}
	}
	for _, entry := range entries {
		_ = os.Remove(entry)
	}
	return dst, nil
}

func writeZip(dst string, entries []string) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	seen := make(map[string]int, len(entries))
	for _, entry := range entries {
		name := filepath.Base(entry)
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext)
		}
		seen[filepath.Base(entry)]++
		if err := addZipEntry(zw, entry, name); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}

func addZipEntry(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive entry: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat archive entry: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("archive header: %w", err)
	}
	header.Name = name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add archive entry: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write archive entry: %w", err)
	}
	return nil
}

// copyFile streams src to dst with default permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
