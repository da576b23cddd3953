package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/series"
)

// Extension of table artifacts written by File.
const Extension = ".tsz"

// File writes one artifact per source under a directory. A write either
// replaces the artifact completely or leaves the previous one in place.
type File struct {
	dir   string
	codec *Codec
	log   *zap.SugaredLogger
}

var (
	_ collect.Sink        = (*File)(nil)
	_ collect.TableLoader = (*File)(nil)
)

func NewFile(dir string, codec *Codec, log *zap.SugaredLogger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &File{dir: dir, codec: codec, log: log}, nil
}

// Dir is the directory artifacts are written to.
func (f *File) Dir() string { return f.dir }

// Path is the artifact path for name.
func (f *File) Path(name string) string {
	return filepath.Join(f.dir, name+Extension)
}

func (f *File) Persist(ctx context.Context, name string, t series.Table) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := f.codec.Encode(t)
	tmp, err := os.CreateTemp(f.dir, "."+name+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, f.Path(name)); err != nil {
		return errors.Wrapf(err, "rename to %s", f.Path(name))
	}
	committed = true

	f.log.Debugw("artifact written", logger.FieldPath, f.Path(name), logger.FieldRecords, t.Len(), "bytes", len(data))
	return nil
}

func (f *File) Load(ctx context.Context, name string) (series.Table, error) {
	if err := validName(name); err != nil {
		return series.Table{}, err
	}
	if err := ctx.Err(); err != nil {
		return series.Table{}, err
	}
	data, err := os.ReadFile(f.Path(name))
	if os.IsNotExist(err) {
		return series.Table{}, errors.Mark(errors.Newf("no artifact for %q", name), collect.ErrNotFound)
	}
	if err != nil {
		return series.Table{}, errors.Wrapf(err, "read %s", f.Path(name))
	}
	return f.codec.Decode(data)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.Newf("invalid table name %q", name)
	}
	return nil
}
