package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

func init() {
	Register("plain", func(dir string) Driver { return NewPlain(dir) })
}

// Plain stores each object as one file named by its hex object id. Data
// objects are truncated to the full object size at creation so reads of
// never-written ranges come back zero-filled from the sparse file.
type Plain struct {
	dir      string
	objDir   string
	staleDir string
	logger   zerolog.Logger
}

// NewPlain returns a plain driver rooted at dir.
func NewPlain(dir string) *Plain {
	return &Plain{
		dir:      dir,
		objDir:   filepath.Join(dir, "obj"),
		staleDir: filepath.Join(dir, "obj", ".stale"),
		logger:   log.WithComponent("store"),
	}
}

func (p *Plain) Name() string { return "plain" }

func (p *Plain) path(oid types.ObjectID) string {
	return filepath.Join(p.objDir, oid.String())
}

func (p *Plain) Init() status.Code {
	if err := os.MkdirAll(p.staleDir, 0o755); err != nil {
		p.logger.Error().Err(err).Msg("cannot prepare object directory")
		return status.EIO
	}
	return status.Success
}

func (p *Plain) Format() status.Code {
	if err := os.RemoveAll(p.objDir); err != nil {
		p.logger.Error().Err(err).Msg("cannot wipe object directory")
		return status.EIO
	}
	return p.Init()
}

func (p *Plain) Exist(oid types.ObjectID) bool {
	_, err := os.Stat(p.path(oid))
	return err == nil
}

func (p *Plain) Read(oid types.ObjectID, iocb *IOCB) status.Code {
	f, err := os.Open(p.path(oid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status.NoObj
		}
		return status.EIO
	}
	defer f.Close()

	n, err := f.ReadAt(iocb.Buf, int64(iocb.Offset))
	if err != nil && n != len(iocb.Buf) {
		// Short reads inside the object boundary mean the file was
		// created smaller than the request expects.
		return status.EIO
	}
	return status.Success
}

func (p *Plain) Write(oid types.ObjectID, iocb *IOCB) status.Code {
	f, err := os.OpenFile(p.path(oid), os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status.NoObj
		}
		return status.EIO
	}
	defer f.Close()

	if _, err := f.WriteAt(iocb.Buf, int64(iocb.Offset)); err != nil {
		return writeErrCode(err)
	}
	return status.Success
}

func (p *Plain) CreateAndWrite(oid types.ObjectID, iocb *IOCB) status.Code {
	f, err := os.OpenFile(p.path(oid), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Recovery may replay a create for an object that already
			// landed; the content is identical by construction.
			p.logger.Debug().Str("oid", oid.String()).Msg("create replayed on existing object")
			return status.Success
		}
		return status.EIO
	}
	defer f.Close()

	if !oid.IsInode() {
		if err := f.Truncate(int64(types.ObjectSize)); err != nil {
			return status.EIO
		}
	}
	if _, err := f.WriteAt(iocb.Buf, int64(iocb.Offset)); err != nil {
		return writeErrCode(err)
	}
	return status.Success
}

func (p *Plain) Remove(oid types.ObjectID) status.Code {
	if err := os.Remove(p.path(oid)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status.NoObj
		}
		return status.EIO
	}
	return status.Success
}

func (p *Plain) List() ([]types.ObjectID, error) {
	entries, err := os.ReadDir(p.objDir)
	if err != nil {
		return nil, fmt.Errorf("listing object directory: %w", err)
	}
	oids := make([]types.ObjectID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 16, 64)
		if err != nil {
			continue
		}
		oids = append(oids, types.ObjectID(v))
	}
	return oids, nil
}

// Stash moves an object into the stale area instead of deleting it, so a
// forced recovery can still read prior-epoch data until cleanup runs.
func (p *Plain) Stash(oid types.ObjectID, epoch uint32) status.Code {
	dst := filepath.Join(p.staleDir, fmt.Sprintf("%s.%d", oid.String(), epoch))
	if err := os.Rename(p.path(oid), dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status.NoObj
		}
		return status.EIO
	}
	return status.Success
}

func (p *Plain) Cleanup() status.Code {
	entries, err := os.ReadDir(p.staleDir)
	if err != nil {
		return status.EIO
	}
	for _, e := range entries {
		os.Remove(filepath.Join(p.staleDir, e.Name()))
	}
	return status.Success
}

// Used reports bytes consumed under the store directory. The node stat
// operation subtracts this from the configured capacity.
func (p *Plain) Used() (used uint64) {
	filepath.WalkDir(p.objDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			used += uint64(info.Size())
		}
		return nil
	})
	return used
}

func writeErrCode(err error) status.Code {
	if errors.Is(err, fs.ErrPermission) {
		return status.EIO
	}
	// ENOSPC surfaces as a generic path error; report it as such.
	var pe *fs.PathError
	if errors.As(err, &pe) && pe.Err.Error() == "no space left on device" {
		return status.NoSpace
	}
	return status.EIO
}
