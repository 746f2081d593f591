package digest

import (
	"context"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/staticserve/internal/pool"
)

// WarmResult summarizes a Warm run.
type WarmResult struct {
	Files    int
	Bytes    int64
	Skipped  int
	Workers  int
	Errors   []error
	Duration time.Duration
}

type warmTask struct {
	path string
	info fs.FileInfo
}

// Warm walks fsys from its root and records the digest of every regular
// file for which skip returns false, using a bounded worker pool.
func (x *Index) Warm(ctx context.Context, fsys afero.Fs, workers int, skip func(string) bool) (*WarmResult, error) {
	start := time.Now()
	res := &WarmResult{}

	var (
		files atomic.Int64
		size  atomic.Int64
		errMu sync.Mutex
		errs  []error
	)

	p := pool.New(ctx, workers, func(t warmTask) {
		if _, err := x.Digest(fsys, t.path, t.info); err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
			return
		}
		files.Add(1)
		size.Add(t.info.Size())
	})
	p.Start()
	res.Workers = p.Workers()

	walkErr := afero.Walk(fsys, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if skip != nil && path != "/" && skip(normalizeKey(path)) {
			res.Skipped++
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if !p.Submit(warmTask{path: path, info: info}) {
			return ctx.Err()
		}
		return nil
	})
	p.Stop()

	res.Files = int(files.Load())
	res.Bytes = size.Load()
	res.Errors = errs
	res.Duration = time.Since(start)
	return res, walkErr
}
