package engine

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lxbio/linkbandd/internal/recorder"
)

// ExportsDir is where prepared zip archives are staged. It sits beside
// the session directories so exports share the sessions' volume.
func (e *Engine) ExportsDir() string {
	return filepath.Join(e.cfg.ExportDir(), ".exports")
}

// PrepareExport zips a sealed session directory and returns the
// download path served by the exports handler.
func (e *Engine) PrepareExport(ctx context.Context, name string) (string, error) {
	rec, err := e.store.SessionByName(ctx, name)
	if err != nil {
		return "", err
	}
	if rec.Status == recorder.StatusRecording {
		return "", fmt.Errorf("session %s is still recording: %w", name, recorder.ErrAlreadyActive)
	}

	if err := os.MkdirAll(e.ExportsDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating exports dir: %w", err)
	}

	dest := filepath.Join(e.ExportsDir(), rec.Name+".zip")
	tmp := dest + ".tmp"
	if err := zipDir(ctx, rec.RootPath, rec.Name, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalizing export: %w", err)
	}

	e.logger.Info().Str("session", rec.Name).Str("path", dest).Msg("Export prepared")
	return "/exports/" + rec.Name + ".zip", nil
}

// zipDir archives every regular file under root into dest, entries
// prefixed with the session name.
func zipDir(ctx context.Context, root, prefix, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating export archive: %w", err)
	}

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(prefix + "/" + filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	if err != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("archiving session: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing export archive: %w", err)
	}
	return out.Close()
}
