package patchlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Bounds of the number of assemblies scanned at once.
const (
	MinParallelism = 2
	MaxParallelism = 4
)

// Match is a method whose code matched a signature.
type Match struct {
	Path   string // assembly file, empty for in-memory images
	Image  *cil.Image
	Method *cil.Method
	Offset int // offset of the match in the method's code
}

func (m *Match) String() string {
	if m.Path == "" {
		return m.Method.String()
	}
	return fmt.Sprintf("%s in %s", m.Method, filepath.Base(m.Path))
}

// BodyStream reads method code from an image through a single seekable
// stream. The header read and the code read of a method happen under one lock
// so concurrent readers never observe each other's cursor.
type BodyStream struct {
	mu  sync.Mutex
	rs  io.ReadSeeker
	img *cil.Image
}

// NewBodyStream returns a stream over the bytes of img.
func NewBodyStream(img *cil.Image) *BodyStream {
	return &BodyStream{rs: bytes.NewReader(img.Bytes()), img: img}
}

// ReadCode reads the header of m and exactly CodeSize bytes after it.
func (s *BodyStream) ReadCode(m *cil.Method, want cil.HeaderFormat, logger log.Interface) (cil.MethodHeader, []byte, error) {
	off, err := s.img.RVAToOffset(m.RVA)
	if err != nil {
		return cil.MethodHeader{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rs.Seek(int64(off), io.SeekStart); err != nil {
		return cil.MethodHeader{}, nil, err
	}
	hdr, err := cil.ReadMethodHeader(s.rs, want, logger)
	if err != nil {
		return cil.MethodHeader{}, nil, err
	}
	code := make([]byte, hdr.CodeSize())
	if _, err := io.ReadFull(s.rs, code); err != nil {
		return cil.MethodHeader{}, nil, fmt.Errorf("read %d code bytes: %w", hdr.CodeSize(), err)
	}
	return hdr, code, nil
}

// Locator finds methods by matching their code against signatures.
type Locator struct {
	Log         log.Interface
	Fs          afero.Fs // defaults to the OS filesystem
	Parallelism int      // assemblies scanned at once, clamped to [MinParallelism, MaxParallelism]

	scanned func(path string) // called after an assembly is scanned, before its result is committed
}

// NewLocator creates a Locator.
func NewLocator(logger log.Interface, parallelism int) *Locator {
	return &Locator{Log: logger, Parallelism: parallelism}
}

func (l *Locator) log() log.Interface {
	if l.Log == nil {
		return &log.Logger{Handler: discard.Default, Level: log.FatalLevel}
	}
	return l.Log
}

func (l *Locator) fs() afero.Fs {
	if l.Fs == nil {
		return afero.NewOsFs()
	}
	return l.Fs
}

func (l *Locator) parallelism() int {
	switch {
	case l.Parallelism < MinParallelism:
		return MinParallelism
	case l.Parallelism > MaxParallelism:
		return MaxParallelism
	default:
		return l.Parallelism
	}
}

// ScanAssembly returns every method in img whose code matches sig. Methods
// whose body cannot be read are logged and skipped.
func (l *Locator) ScanAssembly(img *cil.Image, sig *Signature) ([]*Match, error) {
	return l.scan(context.Background(), img, nil, sig)
}

// FindAllMethodsInType is like ScanAssembly but only considers the methods of
// t.
func (l *Locator) FindAllMethodsInType(img *cil.Image, t *cil.TypeDef, sig *Signature) ([]*Match, error) {
	return l.scan(context.Background(), img, t.Methods, sig)
}

// FindMethodInType returns the single method of t matching sig.
func (l *Locator) FindMethodInType(img *cil.Image, t *cil.TypeDef, sig *Signature) (*Match, error) {
	ms, err := l.FindAllMethodsInType(img, t, sig)
	if err != nil {
		return nil, err
	}
	return unique(ms, fmt.Sprintf("signature %q in %s", sig, t.FullName()))
}

func unique(ms []*Match, what string) (*Match, error) {
	switch len(ms) {
	case 0:
		return nil, fmt.Errorf("%w: no method matches %s", ErrNotFound, what)
	case 1:
		return ms[0], nil
	default:
		e := &AmbiguousMatchError{What: what}
		for _, m := range ms {
			e.Matches = append(e.Matches, m.String())
		}
		return nil, e
	}
}

func (l *Locator) scan(ctx context.Context, img *cil.Image, methods []*cil.Method, sig *Signature) ([]*Match, error) {
	if methods == nil {
		var err error
		if methods, err = img.Methods(); err != nil {
			return nil, err
		}
	}
	bs := NewBodyStream(img)
	var ms []*Match
	for _, m := range methods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !m.HasBody() {
			continue
		}
		_, code, err := bs.ReadCode(m, cil.FormatAny, l.log())
		if err != nil {
			l.log().WithError(err).WithField("method", m.FullName()).Debug("skipping unreadable method body")
			continue
		}
		if off := sig.Find(code); off >= 0 {
			ms = append(ms, &Match{Image: img, Method: m, Offset: off})
		}
	}
	return ms, nil
}

// Assemblies returns the .dll files in dir, sorted by name.
func Assemblies(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".dll") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// ScanDirectory scans every assembly in dir for the single method matching
// sig. The first assembly with a match is committed and the remaining scans
// are cancelled. A match in another assembly seen after the commit, or more
// than one match in one assembly, is an ambiguity error. Files which are not
// managed assemblies are skipped.
func (l *Locator) ScanDirectory(ctx context.Context, dir string, sig *Signature) (*Match, error) {
	paths, err := Assemblies(l.fs(), dir)
	if err != nil {
		return nil, fmt.Errorf("list assemblies: %w", err)
	}
	l.log().WithField("dir", dir).WithField("assemblies", len(paths)).WithField("workers", l.parallelism()).
		Debugf("scanning for %s", sig)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(scanCtx)
	g.SetLimit(l.parallelism())

	var (
		mu    sync.Mutex
		found *Match
	)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			buf, err := afero.ReadFile(l.fs(), path)
			if err != nil {
				return fmt.Errorf("read %s: %w", filepath.Base(path), err)
			}
			img, err := cil.Load(buf)
			if err != nil {
				l.log().WithError(err).WithField("file", filepath.Base(path)).Debug("skipping file")
				return nil
			}
			ms, err := l.scan(gctx, img, nil, sig)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("scan %s: %w", filepath.Base(path), err)
			}
			for _, m := range ms {
				m.Path = path
			}
			if l.scanned != nil {
				l.scanned(path)
			}
			if len(ms) == 0 {
				return nil
			}
			if len(ms) > 1 {
				_, err := unique(ms, fmt.Sprintf("signature %q", sig))
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if found != nil {
				return &AmbiguousMatchError{
					What:    fmt.Sprintf("signature %q", sig),
					Matches: []string{found.String(), ms[0].String()},
				}
			}
			found = ms[0]
			l.log().WithField("method", found.Method.FullName()).WithField("file", filepath.Base(path)).Debug("committed match")
			cancel()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if found == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no method in %s matches %q", ErrNotFound, dir, sig)
	}
	return found, nil
}
