package hostmodule

import (
	"encoding/base64"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

// BuildFS returns a Builder exposing readFile/writeFile/readdir/mkdir/
// mkdtemp/rm/rmdir/stat/access/rename/symlink and their Sync counterparts
// (spec.md §4.6). Async variants run on pool via AsyncBridge; sync variants
// call the stdlib directly on the calling (main) goroutine, matching
// Node's own fs.*Sync contract.
func BuildFS(pool *iopool.Pool) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		bridge, err := NewAsyncBridge(rt, pool, "fs")
		if err != nil {
			return err
		}

		type asyncOp struct {
			name string
			fn   func(argsJSON string) (string, error)
		}
		ops := []asyncOp{
			{"readFile", fsReadFile},
			{"writeFile", fsWriteFile},
			{"readdir", fsReaddir},
			{"mkdir", fsMkdir},
			{"mkdtemp", fsMkdtemp},
			{"rm", fsRm},
			{"rmdir", fsRmdir},
			{"stat", fsStat},
			{"access", fsAccess},
			{"rename", fsRename},
			{"symlink", fsSymlink},
		}
		for _, op := range ops {
			op := op
			globalName := "__fs_async_" + op.name
			opFn := op.fn
			if err := rt.RegisterFunc(globalName, func(argsJSON string) (string, error) {
				jobID := bridge.NewJobID()
				bridge.Run(jobID, func() (any, error) {
					s, err := opFn(argsJSON)
					return s, err
				}, func(v any) (string, error) { return v.(string), nil })
				return jobID, nil
			}); err != nil {
				return err
			}
			syncGlobalName := "__fs_sync_" + op.name
			fn := op.fn
			if err := rt.RegisterFunc(syncGlobalName, fn); err != nil {
				return err
			}
		}

		if err := rt.Eval(fsModuleJS); err != nil {
			return err
		}
		exports.Set("readFile", registry.RawRef{Expr: "globalThis.__fs.readFile"})
		exports.Set("writeFile", registry.RawRef{Expr: "globalThis.__fs.writeFile"})
		exports.Set("readdir", registry.RawRef{Expr: "globalThis.__fs.readdir"})
		exports.Set("mkdir", registry.RawRef{Expr: "globalThis.__fs.mkdir"})
		exports.Set("mkdtemp", registry.RawRef{Expr: "globalThis.__fs.mkdtemp"})
		exports.Set("rm", registry.RawRef{Expr: "globalThis.__fs.rm"})
		exports.Set("rmdir", registry.RawRef{Expr: "globalThis.__fs.rmdir"})
		exports.Set("stat", registry.RawRef{Expr: "globalThis.__fs.stat"})
		exports.Set("access", registry.RawRef{Expr: "globalThis.__fs.access"})
		exports.Set("rename", registry.RawRef{Expr: "globalThis.__fs.rename"})
		exports.Set("symlink", registry.RawRef{Expr: "globalThis.__fs.symlink"})
		exports.Set("readFileSync", registry.RawRef{Expr: "globalThis.__fs.readFileSync"})
		exports.Set("writeFileSync", registry.RawRef{Expr: "globalThis.__fs.writeFileSync"})
		exports.Set("readdirSync", registry.RawRef{Expr: "globalThis.__fs.readdirSync"})
		exports.Set("mkdirSync", registry.RawRef{Expr: "globalThis.__fs.mkdirSync"})
		exports.Set("rmSync", registry.RawRef{Expr: "globalThis.__fs.rmSync"})
		exports.Set("rmdirSync", registry.RawRef{Expr: "globalThis.__fs.rmdirSync"})
		exports.Set("statSync", registry.RawRef{Expr: "globalThis.__fs.statSync"})
		exports.Set("accessSync", registry.RawRef{Expr: "globalThis.__fs.accessSync"})
		exports.Set("renameSync", registry.RawRef{Expr: "globalThis.__fs.renameSync"})
		exports.Set("symlinkSync", registry.RawRef{Expr: "globalThis.__fs.symlinkSync"})
		return nil
	}
}

type fsEntry struct {
	Name       string `json:"name"`
	ParentPath string `json:"parentPath"`
	IsFile     bool   `json:"isFile"`
	IsDir      bool   `json:"isDirectory"`
	IsSymlink  bool   `json:"isSymbolicLink"`
}

type fsReadFileArgs struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

func fsReadFile(argsJSON string) (string, error) {
	var args fsReadFileArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return "", mapFSError(err, args.Path)
	}
	if strings.EqualFold(args.Encoding, "utf-8") || strings.EqualFold(args.Encoding, "utf8") {
		return jsonMarshalString(string(data)), nil
	}
	return jsonMarshalString(base64.StdEncoding.EncodeToString(data)), nil
}

type fsWriteFileArgs struct {
	Path         string `json:"path"`
	Data         string `json:"data"`
	DataIsBase64 bool   `json:"dataIsBase64"`
}

func fsWriteFile(argsJSON string) (string, error) {
	var args fsWriteFileArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	payload := []byte(args.Data)
	if args.DataIsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(args.Data)
		if err != nil {
			return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "writeFile: invalid base64 data")
		}
		payload = decoded
	}
	if err := os.WriteFile(args.Path, payload, 0o644); err != nil {
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

type fsReaddirArgs struct {
	Path          string `json:"path"`
	WithFileTypes bool   `json:"withFileTypes"`
	Recursive     bool   `json:"recursive"`
}

func fsReaddir(argsJSON string) (string, error) {
	var args fsReaddirArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}

	var entries []fsEntry
	if args.Recursive {
		err := filepath.WalkDir(args.Path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || p == args.Path {
				return err
			}
			rel, _ := filepath.Rel(args.Path, p)
			entries = append(entries, dirEntryToFSEntry(rel, args.Path, d))
			return nil
		})
		if err != nil {
			return "", mapFSError(err, args.Path)
		}
	} else {
		dirents, err := os.ReadDir(args.Path)
		if err != nil {
			return "", mapFSError(err, args.Path)
		}
		for _, d := range dirents {
			entries = append(entries, dirEntryToFSEntry(d.Name(), args.Path, d))
		}
	}

	if args.WithFileTypes {
		return jsonMarshalAny(entries)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return jsonMarshalAny(names)
}

func dirEntryToFSEntry(name, parent string, d fs.DirEntry) fsEntry {
	info, _ := d.Info()
	isSymlink := info != nil && info.Mode()&os.ModeSymlink != 0
	return fsEntry{
		Name: name, ParentPath: parent,
		IsFile: d.Type().IsRegular(), IsDir: d.IsDir(), IsSymlink: isSymlink,
	}
}

type fsMkdirArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func fsMkdir(argsJSON string) (string, error) {
	var args fsMkdirArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	var err error
	if args.Recursive {
		err = os.MkdirAll(args.Path, 0o755)
	} else {
		err = os.Mkdir(args.Path, 0o755)
	}
	if err != nil {
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

type fsMkdtempArgs struct {
	Prefix string `json:"prefix"`
}

func fsMkdtemp(argsJSON string) (string, error) {
	var args fsMkdtempArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	dir := filepath.Dir(args.Prefix)
	pattern := filepath.Base(args.Prefix) + "*"
	name, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		return "", mapFSError(err, args.Prefix)
	}
	return jsonMarshalString(name), nil
}

type fsRmArgs struct {
	Path      string `json:"path"`
	Force     bool   `json:"force"`
	Recursive bool   `json:"recursive"`
}

func fsRm(argsJSON string) (string, error) {
	var args fsRmArgs
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	var err error
	if args.Recursive {
		err = os.RemoveAll(args.Path)
	} else {
		err = os.Remove(args.Path)
	}
	if err != nil {
		if os.IsNotExist(err) && args.Force {
			return "null", nil
		}
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

func fsRmdir(argsJSON string) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if err := os.Remove(args.Path); err != nil {
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

type fsStatResult struct {
	Size    int64  `json:"size"`
	IsFile  bool   `json:"isFile"`
	IsDir   bool   `json:"isDirectory"`
	ModTime int64  `json:"mtimeMs"`
	Mode    uint32 `json:"mode"`
}

func fsStat(argsJSON string) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	info, err := os.Stat(args.Path)
	if err != nil {
		return "", mapFSError(err, args.Path)
	}
	return jsonMarshalAny(fsStatResult{
		Size: info.Size(), IsFile: info.Mode().IsRegular(), IsDir: info.IsDir(),
		ModTime: info.ModTime().UnixMilli(), Mode: uint32(info.Mode().Perm()),
	})
}

func fsAccess(argsJSON string) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if _, err := os.Stat(args.Path); err != nil {
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

func fsRename(argsJSON string) (string, error) {
	var args struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if err := os.Rename(args.From, args.To); err != nil {
		return "", mapFSError(err, args.From)
	}
	return "null", nil
}

func fsSymlink(argsJSON string) (string, error) {
	var args struct {
		Target string `json:"target"`
		Path   string `json:"path"`
	}
	if err := jsonUnmarshalArgs(argsJSON, &args); err != nil {
		return "", err
	}
	if err := os.Symlink(args.Target, args.Path); err != nil {
		return "", mapFSError(err, args.Path)
	}
	return "null", nil
}

// mapFSError classifies an os-package error into the fs-specific slice of
// the jsvalue.Kind taxonomy, preserving the POSIX code Node scripts expect.
func mapFSError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return jsvalue.NewError(jsvalue.KindNotFound, "ENOENT", "%s: no such file or directory, %s", err, path)
	case os.IsPermission(err):
		return jsvalue.NewError(jsvalue.KindPermissionDenied, "EACCES", "%s: permission denied, %s", err, path)
	case os.IsExist(err):
		return jsvalue.NewError(jsvalue.KindAlreadyExists, "EEXIST", "%s: file already exists, %s", err, path)
	default:
		return jsvalue.NewError(jsvalue.KindInternal, "", "%s", err)
	}
}

// fsModuleJS wraps the async-op globals into Promise-returning functions
// keyed off the shared fs AsyncBridge, plus direct sync passthroughs.
const fsModuleJS = `
(function() {
  globalThis.__fs = {};
  var ops = ["readFile","writeFile","readdir","mkdir","mkdtemp","rm","rmdir","stat","access","rename","symlink"];
  ops.forEach(function(op) {
    var asyncFn = globalThis["__fs_async_" + op];
    var syncFn = globalThis["__fs_sync_" + op];
    __fs[op] = function(argsObj) {
      var signal = argsObj && argsObj.signal;
      var wireArgs = argsObj;
      if (signal) {
        wireArgs = {};
        for (var k in argsObj) { if (k !== 'signal') wireArgs[k] = argsObj[k]; }
      }
      var jobID = asyncFn(JSON.stringify(wireArgs));
      return globalThis.__fs_newPromise(jobID, signal);
    };
    __fs[op + "Sync"] = function(argsObj) {
      return JSON.parse(syncFn(JSON.stringify(argsObj)));
    };
  });
})();
`

func jsonUnmarshalArgs(argsJSON string, dst any) error {
	if err := jsonUnmarshal(argsJSON, dst); err != nil {
		return jsvalue.NewError(jsvalue.KindInvalidArgument, "", "parsing arguments: %s", err)
	}
	return nil
}
