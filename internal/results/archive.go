package results

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// Archive describes a zip produced from a result directory.
type Archive struct {
	Path      string   `json:"path"`
	DirName   string   `json:"dir_name"`
	SourceDir string   `json:"source_dir"`
	SizeBytes int64    `json:"size_bytes"`
	Files     int      `json:"files"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Archiver zips located result directories into a staging directory.
type Archiver struct {
	staging string
	locator *Locator
	logger  *logging.Logger
}

// NewArchiver returns an Archiver writing to stagingDir.
func NewArchiver(stagingDir string, logger *logging.Logger) *Archiver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Archiver{
		staging: stagingDir,
		locator: NewLocator(logger),
		logger:  logger.WithComponent("results"),
	}
}

// StagingDir returns the directory archives are written to.
func (a *Archiver) StagingDir() string { return a.staging }

// Archive locates the directory for prefix and writes
// <staging>/<directory name>.zip, replacing any archive of the same name.
// Entries are rooted at the directory name.
func (a *Archiver) Archive(ctx context.Context, prefix string) (Archive, error) {
	match, err := a.locator.Locate(prefix)
	if err != nil {
		return Archive{}, err
	}

	if err := os.MkdirAll(a.staging, 0o755); err != nil {
		return Archive{}, apxerrors.NewIOError("create staging directory", a.staging, err)
	}

	dest := filepath.Join(a.staging, match.Name+".zip")
	tmp, err := os.CreateTemp(a.staging, "."+match.Name+"-*.zip.tmp")
	if err != nil {
		return Archive{}, apxerrors.NewIOError("create archive", dest, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	src, err := filepath.EvalSymlinks(match.Path)
	if err != nil {
		_ = tmp.Close()
		return Archive{}, apxerrors.NewIOError("resolve result directory", match.Path, err)
	}

	files, err := writeZip(ctx, tmp, src, match.Name)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = apxerrors.NewIOError("close archive", tmpPath, cerr)
	}
	if err != nil {
		return Archive{}, err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return Archive{}, apxerrors.NewIOError("replace archive", dest, err)
	}
	committed = true

	info, err := os.Stat(dest)
	if err != nil {
		return Archive{}, apxerrors.NewIOError("stat archive", dest, err)
	}

	a.logger.Info("archived result directory",
		"source", match.Path,
		"archive", dest,
		"files", files,
		"size_bytes", info.Size(),
	)

	return Archive{
		Path:      dest,
		DirName:   match.Name,
		SourceDir: match.Path,
		SizeBytes: info.Size(),
		Files:     files,
		Warnings:  match.Warnings,
	}, nil
}

// writeZip streams src into w with entry names prefixed by root and returns
// the number of regular files written.
func writeZip(ctx context.Context, w io.Writer, src, root string) (int, error) {
	zw := zip.NewWriter(w)
	files := 0

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(root, rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})

	if walkErr != nil {
		_ = zw.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, apxerrors.Wrap(apxerrors.ErrCanceled, "archive "+src)
		}
		return 0, apxerrors.NewIOError("write archive", src, walkErr)
	}
	if err := zw.Close(); err != nil {
		return 0, apxerrors.NewIOError("finalize archive", src, err)
	}
	return files, nil
}
