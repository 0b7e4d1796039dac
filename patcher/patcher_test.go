package patcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/OpenYiffGames/ilpatch/patchfile"
	"github.com/OpenYiffGames/ilpatch/patchlib"
	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	managed  = "/game/Game_Data/Managed"
	gamePath = managed + "/Game.dll"
)

const definition = `
id: 3f2504e0-4f89-11d3-9a0c-0305e82c3301
anchor:
  signature: "17 26 72 ?? ?? ?? 70 28 ?? ?? ?? 0A 2A"
helper:
  template: "72 {key} 03 28 {setString} 2A"
  values:
    key: {userString: HWID}
    setString: {memberRef: {type: Prefs, method: SetString}}
entry:
  name: Awake
hook:
  signature: "02 28 ?? ?? ?? 06 2A"
  calls: [anchor, helper]
`

// gameAssembly has a Session type with the four cooperating methods and a
// decoy which matches the hook signature but calls the entry method. With
// secondHook, another method matching the hook signature calls the helper.
func gameAssembly(t *testing.T, secondHook bool) []byte {
	b := cil.NewBuilder("Game")
	object := b.TypeRef("System", "Object")
	console := b.TypeRef("System", "Console")
	prefs := b.TypeRef("Engine", "Prefs")
	writeLine := b.MemberRef(console, "WriteLine", cil.MethodSig(cil.SigDefault, cil.ElementVoid, cil.ElementString))
	setString := b.MemberRef(prefs, "SetString", cil.MethodSig(cil.SigDefault, cil.ElementVoid, cil.ElementString, cil.ElementString))
	instance := cil.MethodSig(cil.SigHasThis, cil.ElementVoid)
	flags := uint16(cil.MethodPublic | cil.MethodHideBySig)

	b.TypeDef("Sample", "Session", 0x00100001, object)
	success := b.Method("OnSuccess", flags, instance, &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
		{OpCode: cil.LdcI4_1},
		{OpCode: cil.Pop},
		{OpCode: cil.Ldstr, Operand: b.UserString("ok")},
		{OpCode: cil.Call, Operand: writeLine},
		{OpCode: cil.Ret},
	}})
	store := b.Method("Store", flags, cil.MethodSig(cil.SigHasThis, cil.ElementVoid, cil.ElementString), &cil.Body{MaxStack: 2, Instructions: []*cil.Instruction{
		{OpCode: cil.Ldstr, Operand: b.UserString("HWID")},
		{OpCode: cil.Ldarg1},
		{OpCode: cil.Call, Operand: setString},
		{OpCode: cil.Ret},
	}})
	awake := b.Method("Awake", flags, instance, &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
		{OpCode: cil.Nop},
		{OpCode: cil.Ret},
	}})
	b.Method("Bypass", flags, instance, &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
		{OpCode: cil.Ldarg0},
		{OpCode: cil.Call, Operand: success},
		{OpCode: cil.Ret},
	}})
	b.Method("Decoy", flags, instance, &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
		{OpCode: cil.Ldarg0},
		{OpCode: cil.Call, Operand: awake},
		{OpCode: cil.Ret},
	}})
	if secondHook {
		b.Method("Bypass2", flags, instance, &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
			{OpCode: cil.Ldarg0},
			{OpCode: cil.Call, Operand: store},
			{OpCode: cil.Ret},
		}})
	}

	buf, err := b.Bytes()
	require.NoError(t, err)
	return buf
}

// otherAssembly prints without the anchor's prefix.
func otherAssembly(t *testing.T) []byte {
	b := cil.NewBuilder("Other")
	object := b.TypeRef("System", "Object")
	console := b.TypeRef("System", "Console")
	writeLine := b.MemberRef(console, "WriteLine", cil.MethodSig(cil.SigDefault, cil.ElementVoid, cil.ElementString))
	b.TypeDef("Other", "Printer", 0x00100001, object)
	b.Method("Print", cil.MethodPublic, cil.MethodSig(cil.SigHasThis, cil.ElementVoid), &cil.Body{MaxStack: 1, Instructions: []*cil.Instruction{
		{OpCode: cil.Ldstr, Operand: b.UserString("ok")},
		{OpCode: cil.Call, Operand: writeLine},
		{OpCode: cil.Ret},
	}})
	buf, err := b.Bytes()
	require.NoError(t, err)
	return buf
}

func setupFs(t *testing.T) afero.Fs {
	return setupGame(t, false)
}

func setupGame(t *testing.T, secondHook bool) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, gamePath, gameAssembly(t, secondHook), 0644))
	require.NoError(t, afero.WriteFile(fs, managed+"/Other.dll", otherAssembly(t), 0644))
	require.NoError(t, afero.WriteFile(fs, managed+"/native.dll", []byte("MZ"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/game/Game.exe", []byte("MZ"), 0644))
	return fs
}

func newPatcher(t *testing.T, fs afero.Fs, def string, logger log.Interface) *Patcher {
	d, err := patchfile.Parse([]byte(def))
	require.NoError(t, err)
	p, err := New(d, logger)
	require.NoError(t, err)
	p.Fs = fs
	return p
}

// countingFs counts the calls which modify files.
type countingFs struct {
	afero.Fs
	renames, creates int
	failRename       func(oldname, newname string) error
}

func (c *countingFs) Rename(oldname, newname string) error {
	c.renames++
	if c.failRename != nil {
		if err := c.failRename(oldname, newname); err != nil {
			return err
		}
	}
	return c.Fs.Rename(oldname, newname)
}

func (c *countingFs) Create(name string) (afero.File, error) {
	c.creates++
	return c.Fs.Create(name)
}

func TestApply(t *testing.T) {
	base := setupFs(t)
	orig, err := afero.ReadFile(base, gamePath)
	require.NoError(t, err)
	fs := &countingFs{Fs: base}

	h := memory.New()
	p := newPatcher(t, fs, definition, &log.Logger{Handler: h, Level: log.DebugLevel})
	res, err := p.Apply(context.Background(), managed)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Written, p.State())
	assert.Equal(t, gamePath, filepath.ToSlash(res.Assembly))
	assert.Equal(t, gamePath+".bak", filepath.ToSlash(res.Backup))
	assert.Equal(t, "Sample.Session::OnSuccess", res.Anchor.FullName())
	assert.Equal(t, "Sample.Session::Store", res.Helper.FullName())
	assert.Equal(t, "Sample.Session::Awake", res.Entry.FullName())
	assert.Equal(t, "Sample.Session::Bypass", res.Hook.FullName())
	assert.Equal(t, 1, fs.renames)
	assert.Equal(t, 1, fs.creates)

	var rejected []string
	for _, e := range h.Entries {
		if e.Message == "rejected hook candidate" {
			rejected = append(rejected, e.Fields.Get("candidate").(string))
		}
	}
	assert.Equal(t, []string{"Sample.Session::Decoy"}, rejected)

	bak, err := afero.ReadFile(base, gamePath+".bak")
	require.NoError(t, err)
	assert.Equal(t, orig, bak)

	buf, err := afero.ReadFile(base, gamePath)
	require.NoError(t, err)
	img, err := cil.Load(buf)
	require.NoError(t, err)

	awake, err := img.Method(res.Entry.Token())
	require.NoError(t, err)
	body, err := img.Body(awake)
	require.NoError(t, err)
	require.Len(t, body.Instructions, 4)
	assert.Equal(t, cil.Ldarg0, body.Instructions[1].OpCode)
	assert.Equal(t, cil.Call, body.Instructions[2].OpCode)
	assert.Equal(t, res.Hook.Token(), body.Instructions[2].Operand)
	assert.Equal(t, cil.Ret, body.Instructions[3].OpCode)

	ids, err := patchlib.Markers(img, patchlib.DefaultMarkerType)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, res.Identity, ids[0])
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301@0.0.0", ids[0].String())

	// a second run finds the marker and touches nothing
	fs.renames, fs.creates = 0, 0
	p = newPatcher(t, fs, definition, nil)
	res, err = p.Apply(context.Background(), managed)
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, res.Outcome)
	assert.Equal(t, AlreadyPatched, p.State())
	assert.Equal(t, "", res.Backup)
	assert.Equal(t, 0, fs.renames)
	assert.Equal(t, 0, fs.creates)

	again, err := afero.ReadFile(base, gamePath)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestApplyDryRun(t *testing.T) {
	fs := &countingFs{Fs: setupFs(t)}
	p := newPatcher(t, fs, definition, nil)
	p.DryRun = true
	res, err := p.Apply(context.Background(), managed)
	require.NoError(t, err)
	assert.Equal(t, WouldApply, res.Outcome)
	assert.Equal(t, MethodsLoaded, p.State())
	assert.Equal(t, 0, fs.renames+fs.creates)
	assert.Contains(t, res.String(), "would apply")
}

func TestApplyRollback(t *testing.T) {
	fs := setupFs(t)
	orig, err := afero.ReadFile(fs, gamePath)
	require.NoError(t, err)

	p := newPatcher(t, fs, definition, nil)
	p.writeImage = func(w io.Writer, img *cil.Image) (int64, error) {
		n, _ := w.Write([]byte("MZ partial"))
		return int64(n), errors.New("disk full")
	}
	_, err = p.Apply(context.Background(), managed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, patchlib.ErrSerialization))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, RolledBack, p.State())

	buf, err := afero.ReadFile(fs, gamePath)
	require.NoError(t, err)
	assert.Equal(t, orig, buf)
	ok, err := afero.Exists(fs, gamePath+".bak")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyRestoreFails(t *testing.T) {
	fs := &countingFs{Fs: setupFs(t)}
	fs.failRename = func(oldname, newname string) error {
		if strings.HasSuffix(oldname, ".bak") {
			return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
		}
		return nil
	}
	p := newPatcher(t, fs, definition, nil)
	p.writeImage = func(w io.Writer, img *cil.Image) (int64, error) {
		return 0, errors.New("disk full")
	}
	_, err := p.Apply(context.Background(), managed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, patchlib.ErrSerialization))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Contains(t, err.Error(), "could not restore")

	ok, err := afero.Exists(fs, gamePath+".bak")
	require.NoError(t, err)
	assert.True(t, ok, "the backup is left in place")
}

func TestApplyLoadErrors(t *testing.T) {
	for _, c := range []struct {
		Name string
		Find string
		Repl string
		Err  error
	}{
		{"AnchorMissing", `"17 26 72`, `"17 17 72`, patchlib.ErrNotFound},
		{"HelperMissing", "HWID", "SERIAL", patchlib.ErrNotFound},
		{"HelperRefMissing", "method: SetString", "method: GetString", patchlib.ErrNotFound},
		{"EntryMissing", "name: Awake", "name: Start", patchlib.ErrNotFound},
		{"HookNotCalling", "calls: [anchor, helper]", "calls: [helper]", patchlib.ErrNotFound},
		{"HookSignatureMissing", `"02 28 ?? ?? ?? 06 2A"`, `"02 28 ?? ?? ?? 0A 2A"`, patchlib.ErrNotFound},
	} {
		t.Run(c.Name, func(t *testing.T) {
			require.Contains(t, definition, c.Find)
			def := strings.Replace(definition, c.Find, c.Repl, 1)
			fs := &countingFs{Fs: setupFs(t)}
			p := newPatcher(t, fs, def, nil)
			_, err := p.Apply(context.Background(), managed)
			assert.True(t, errors.Is(err, c.Err), "got %v", err)
			assert.Equal(t, Idle, p.State())
			assert.Equal(t, 0, fs.renames+fs.creates)
		})
	}
}

func TestApplyHookAmbiguous(t *testing.T) {
	p := newPatcher(t, setupGame(t, true), definition, nil)
	_, err := p.Apply(context.Background(), managed)
	var ame *patchlib.AmbiguousMatchError
	require.True(t, errors.As(err, &ame), "got %v", err)
	assert.Len(t, ame.Matches, 2)
}

func TestNew(t *testing.T) {
	d, err := patchfile.Parse([]byte(strings.Replace(definition, "name: Awake", "name: \"\"", 1)))
	require.NoError(t, err)
	_, err = New(d, nil)
	assert.Error(t, err)
}

func TestResolveAssembliesDir(t *testing.T) {
	fs := setupFs(t)

	dir, err := ResolveAssembliesDir(fs, "/game/Game.exe")
	require.NoError(t, err)
	assert.Equal(t, managed, filepath.ToSlash(dir))

	dir, err = ResolveAssembliesDir(fs, managed)
	require.NoError(t, err)
	assert.Equal(t, managed, dir)

	require.NoError(t, afero.WriteFile(fs, "/other/Tool.exe", []byte("MZ"), 0644))
	_, err = ResolveAssembliesDir(fs, "/other/Tool.exe")
	assert.True(t, errors.Is(err, patchlib.ErrNotFound))

	_, err = ResolveAssembliesDir(fs, "/missing")
	assert.True(t, os.IsNotExist(err))
}

func TestNewLogger(t *testing.T) {
	console, file := memory.New(), memory.New()
	l := NewLogger(Sink{Handler: console, Level: log.InfoLevel}, Sink{Handler: file, Level: log.DebugLevel})
	l.Debug("details")
	l.Info("progress")
	l.Warn("careful")

	assert.Len(t, console.Entries, 2)
	assert.Len(t, file.Entries, 3)
	assert.Equal(t, "progress", console.Entries[0].Message)
}
