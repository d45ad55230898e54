package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"time"
)

// tarArchive builds an in-memory tar stream of files to inject into a
// sandbox workspace. Files are owned by the unprivileged sandbox user.
func tarArchive(files map[string][]byte) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	now := time.Now()
	for name, content := range files {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			Uid:     sandboxUID,
			Gid:     sandboxGID,
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("tar write for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("tar close: %w", err)
	}
	return buf, nil
}
