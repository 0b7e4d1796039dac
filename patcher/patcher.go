// Package patcher finds the methods named by a patch definition in a
// directory of assemblies and rewrites the assembly which holds them.
package patcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/OpenYiffGames/ilpatch/patchfile"
	"github.com/OpenYiffGames/ilpatch/patchlib"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// State is a step of a patch run.
type State int

const (
	Idle State = iota
	MethodsLoaded
	AlreadyPatched
	Patching
	Written
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MethodsLoaded:
		return "methods loaded"
	case AlreadyPatched:
		return "already patched"
	case Patching:
		return "patching"
	case Written:
		return "written"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the result of a successful run.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
	WouldApply // dry run
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already applied"
	case WouldApply:
		return "would apply"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes a successful run.
type Result struct {
	Outcome  Outcome
	Assembly string // path of the assembly holding the methods
	Backup   string // set when Applied
	Identity patchlib.Identity

	Anchor *cil.Method
	Helper *cil.Method
	Entry  *cil.Method
	Hook   *cil.Method
}

func (r *Result) String() string {
	return fmt.Sprintf("%s %s to %s", r.Outcome, r.Identity, filepath.Base(r.Assembly))
}

// DefaultParallelism is the number of assemblies scanned at once unless set.
const DefaultParallelism = patchlib.MaxParallelism

// Patcher applies one patch definition.
type Patcher struct {
	Log         log.Interface
	Fs          afero.Fs // defaults to the OS filesystem
	Parallelism int      // see patchlib.Locator
	DryRun      bool     // stop after checking for the marker

	def   *patchfile.Definition
	id    patchlib.Identity
	state State

	writeImage func(w io.Writer, img *cil.Image) (int64, error)
}

// New validates def and returns a Patcher for it.
func New(def *patchfile.Definition, logger log.Interface) (*Patcher, error) {
	if err := def.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid patch definition")
	}
	id, err := def.Identity()
	if err != nil {
		return nil, err
	}
	return &Patcher{Log: logger, def: def, id: id}, nil
}

// State returns the state reached by the last run.
func (p *Patcher) State() State {
	return p.state
}

func (p *Patcher) log() log.Interface {
	if p.Log == nil {
		return &log.Logger{Handler: discard.Default, Level: log.FatalLevel}
	}
	return p.Log
}

func (p *Patcher) fs() afero.Fs {
	if p.Fs == nil {
		return afero.NewOsFs()
	}
	return p.Fs
}

func (p *Patcher) setState(s State) {
	p.state = s
	p.log().WithField("state", s).Debug("patcher state")
}

// targets are the methods found for a definition.
type targets struct {
	path   string
	img    *cil.Image
	anchor *cil.Method
	helper *cil.Method
	entry  *cil.Method
	hook   *cil.Method
}

// Apply patches the assemblies in dir. A run on an assembly which already
// carries the marker changes nothing and returns AlreadyApplied.
func (p *Patcher) Apply(ctx context.Context, dir string) (*Result, error) {
	p.setState(Idle)

	tg, err := p.load(ctx, dir)
	if err != nil {
		return nil, errors.Wrap(err, "could not load methods")
	}
	p.setState(MethodsLoaded)

	res := &Result{
		Assembly: tg.path,
		Identity: p.id,
		Anchor:   tg.anchor,
		Helper:   tg.helper,
		Entry:    tg.entry,
		Hook:     tg.hook,
	}
	for i, m := range []*cil.Method{tg.anchor, tg.helper, tg.entry, tg.hook} {
		p.log().WithField("role", [...]string{"anchor", "helper", "entry", "hook"}[i]).
			WithField("method", m.FullName()).WithField("rva", fmt.Sprintf("%#x", m.RVA)).Info("found method")
	}

	mt := p.def.MarkerType()
	patched, err := patchlib.IsAlreadyPatched(tg.img, mt, p.id)
	if err != nil {
		return nil, errors.Wrap(err, "could not read patch markers")
	}
	if patched {
		p.setState(AlreadyPatched)
		res.Outcome = AlreadyApplied
		p.log().WithField("assembly", filepath.Base(tg.path)).Info("already patched")
		return res, nil
	}
	if p.DryRun {
		res.Outcome = WouldApply
		return res, nil
	}

	p.setState(Patching)
	if err := patchlib.PatchMethod(tg.img, tg.entry, tg.hook.Token()); err != nil {
		return nil, err
	}
	if err := patchlib.AddMarker(tg.img, mt, p.id); err != nil {
		return nil, errors.Wrap(err, "could not add patch marker")
	}
	if res.Backup, err = p.persist(tg.path, tg.img); err != nil {
		p.setState(RolledBack)
		return nil, err
	}
	p.setState(Written)
	res.Outcome = Applied
	return res, nil
}

func (p *Patcher) load(ctx context.Context, dir string) (*targets, error) {
	l := &patchlib.Locator{Log: p.log(), Fs: p.fs(), Parallelism: p.Parallelism}

	anchorSig, err := patchlib.CompileSignature(p.def.Anchor.Signature)
	if err != nil {
		return nil, err
	}
	m, err := l.ScanDirectory(ctx, dir, anchorSig)
	if err != nil {
		return nil, errors.Wrap(err, "anchor")
	}
	tg := &targets{path: m.Path, img: m.Image, anchor: m.Method}
	typ := m.Method.DeclaringType
	if typ == nil {
		return nil, errors.Errorf("anchor %s has no declaring type", m.Method)
	}

	values := patchlib.Values{}
	for name, v := range p.def.Helper.Values {
		if values[name], err = v.Resolve(tg.img); err != nil {
			return nil, errors.Wrapf(err, "helper: value %s", name)
		}
	}
	helperSig, err := patchlib.ParseTemplate(p.def.Helper.Template).Render(values)
	if err != nil {
		return nil, errors.Wrap(err, "helper")
	}
	p.log().WithField("signature", helperSig.String()).Debug("rendered helper signature")
	hm, err := l.FindMethodInType(tg.img, typ, helperSig)
	if err != nil {
		return nil, errors.Wrap(err, "helper")
	}
	tg.helper = hm.Method

	if tg.entry, err = findEntry(typ, p.def.Entry.Name); err != nil {
		return nil, errors.Wrap(err, "entry")
	}

	if tg.hook, err = p.findHook(l, tg); err != nil {
		return nil, errors.Wrap(err, "hook")
	}
	return tg, nil
}

func findEntry(typ *cil.TypeDef, name string) (*cil.Method, error) {
	var found []*cil.Method
	for _, m := range typ.Methods {
		if m.Name == name {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: no method %s in %s", patchlib.ErrNotFound, name, typ.FullName())
	case 1:
		if !found[0].HasBody() {
			return nil, fmt.Errorf("%w: %s has no body", patchlib.ErrNotFound, found[0].FullName())
		}
		return found[0], nil
	default:
		e := &patchlib.AmbiguousMatchError{What: fmt.Sprintf("method name %s in %s", name, typ.FullName())}
		for _, m := range found {
			e.Matches = append(e.Matches, m.String())
		}
		return nil, e
	}
}

// findHook narrows the methods of the anchor's assembly matching the hook
// signature to the one which calls any of the methods named by the
// definition's hook calls. Rejected candidates are logged with the calls they
// do make.
func (p *Patcher) findHook(l *patchlib.Locator, tg *targets) (*cil.Method, error) {
	sig, err := patchlib.CompileSignature(p.def.Hook.Signature)
	if err != nil {
		return nil, err
	}
	cands, err := l.ScanAssembly(tg.img, sig)
	if err != nil {
		return nil, err
	}
	want := map[cil.Token]string{}
	for _, role := range p.def.Hook.Calls {
		switch role {
		case patchfile.RoleAnchor:
			want[tg.anchor.Token()] = role
		case patchfile.RoleHelper:
			want[tg.helper.Token()] = role
		}
	}

	var found []*cil.Method
	for _, c := range cands {
		body, err := tg.img.Body(c.Method)
		if err != nil {
			p.log().WithError(err).WithField("candidate", c.Method.FullName()).Debug("skipping hook candidate")
			continue
		}
		calls := patchlib.CallTargets(body)
		var ok bool
		for _, tok := range calls {
			if _, ok = want[tok]; ok {
				break
			}
		}
		if ok {
			found = append(found, c.Method)
			continue
		}
		strs := make([]string, len(calls))
		for i, tok := range calls {
			strs[i] = tok.String()
		}
		p.log().WithField("candidate", c.Method.FullName()).WithField("rva", fmt.Sprintf("%#x", c.Method.RVA)).
			WithField("calls", strings.Join(strs, ",")).Info("rejected hook candidate")
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: none of %d candidates calls %s", patchlib.ErrNotFound, len(cands), strings.Join(p.def.Hook.Calls, " or "))
	case 1:
		return found[0], nil
	default:
		e := &patchlib.AmbiguousMatchError{What: "hook"}
		for _, m := range found {
			e.Matches = append(e.Matches, m.String())
		}
		return nil, e
	}
}

// persist writes img over path, keeping the original as path.bak. If the
// write fails, the backup is moved back.
func (p *Patcher) persist(path string, img *cil.Image) (string, error) {
	fs := p.fs()
	bak := path + ".bak"
	if err := fs.Remove(bak); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "could not remove old backup %s", bak)
	}
	if err := fs.Rename(path, bak); err != nil {
		return "", errors.Wrapf(err, "could not back up %s", path)
	}
	p.log().WithField("backup", bak).Debug("backed up assembly")

	werr := p.writeTo(fs, path, img)
	if werr == nil {
		p.log().WithField("assembly", path).Info("wrote patched assembly")
		return bak, nil
	}
	werr = fmt.Errorf("%w: %s: %v", patchlib.ErrSerialization, path, werr)
	p.log().WithError(werr).Warn("restoring backup")

	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", stderrors.Join(werr, errors.Wrapf(err, "could not remove partial %s", path))
	}
	if err := fs.Rename(bak, path); err != nil {
		return "", stderrors.Join(werr, errors.Wrapf(err, "could not restore %s from %s", path, bak))
	}
	return "", werr
}

func (p *Patcher) writeTo(fs afero.Fs, path string, img *cil.Image) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	write := p.writeImage
	if write == nil {
		write = func(w io.Writer, img *cil.Image) (int64, error) { return img.WriteTo(w) }
	}
	if _, err := write(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ResolveAssembliesDir maps a game executable to its managed assemblies
// directory (<dir>/<name>_Data/Managed). Directories are returned as-is.
func ResolveAssembliesDir(fs afero.Fs, path string) (string, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return path, nil
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Join(filepath.Dir(path), name+"_Data", "Managed")
	if ok, err := afero.DirExists(fs, dir); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%w: no managed assemblies directory %s", patchlib.ErrNotFound, dir)
	}
	return dir, nil
}
