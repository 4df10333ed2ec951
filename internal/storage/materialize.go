package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
)

// Materialize returns a readable local path for key. Files already on local
// disk are used in place; anything else is copied to a temp file in tempDir
// that cleanup removes. cleanup is never nil.
func Materialize(ctx context.Context, store AudioStore, key, tempDir string) (string, func(), error) {
	if p := store.LocalPath(key); p != "" {
		return p, func() {}, nil
	}

	r, err := store.Open(ctx, key)
	if err != nil {
		return "", func() {}, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	// Keep the extension so media type detection still works on the copy.
	tmp, err := os.CreateTemp(tempDir, "audioscribe-src-*"+path.Ext(key))
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { os.Remove(name) }

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("copy %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp: %w", err)
	}
	return name, cleanup, nil
}
