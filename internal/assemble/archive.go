package assemble

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ManifestName is the file name the manifest is stored under in archives and
// delivered directories.
const ManifestName = "manifest.json"

// WriteArchive streams every scene of the manifest into a zip on w, in
// order, followed by the manifest itself. Scenes are stored without
// recompression since video is already compressed.
func (m *Manifest) WriteArchive(ctx context.Context, w io.Writer) error {
	return writeArchive(ctx, w, m, m.Entries)
}

// WriteBatchArchive is WriteArchive restricted to the 1-based batch number of
// Batches(size).
func (m *Manifest) WriteBatchArchive(ctx context.Context, w io.Writer, size, batch int) error {
	batches := m.Batches(size)
	if batch < 1 || batch > len(batches) {
		return fmt.Errorf("batch %d out of range (1..%d)", batch, len(batches))
	}
	return writeArchive(ctx, w, m, batches[batch-1])
}

func writeArchive(ctx context.Context, w io.Writer, m *Manifest, entries []Entry) error {
	zw := zip.NewWriter(w)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}
		if err := addFile(zw, e); err != nil {
			zw.Close()
			return err
		}
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Deflate})
	if err != nil {
		zw.Close()
		return fmt.Errorf("create manifest entry: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		zw.Close()
		return fmt.Errorf("write manifest entry: %w", err)
	}

	return zw.Close()
}

func addFile(zw *zip.Writer, e Entry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("open scene %d: %w", e.Index, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat scene %d: %w", e.Index, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for scene %d: %w", e.Index, err)
	}
	hdr.Name = e.DisplayName
	hdr.Method = zip.Store

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", e.DisplayName, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("write zip entry %s: %w", e.DisplayName, err)
	}
	return nil
}
