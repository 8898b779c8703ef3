package hostmodule

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/dispatcher"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

type childProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

var (
	childProcs  sync.Map // id -> *childProc
	nextChildID int64
)

type spawnArgs struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Shell   bool              `json:"shell"`
}

// BuildChildProcess returns a Builder exposing spawn(), backed by os/exec.
// stdout/stderr are drained on their own goroutines and delivered to script
// the same way net.go's read loop delivers socket data: Submit for each
// chunk, PostCompletion once to release the per-stream BeginIO when the
// pipe closes.
func BuildChildProcess(disp *dispatcher.Dispatcher) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		hostRuntime = rt // same engine handle net.go uses; spawned once per Runtime

		if err := rt.RegisterFunc("__cp_spawn", func(argsJSON string) (string, error) {
			var args spawnArgs
			if err := jsonUnmarshal(argsJSON, &args); err != nil {
				return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "spawn: %s", err)
			}
			return childSpawn(disp, args)
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__cp_write", func(id int64, dataB64 string) (bool, error) {
			v, ok := childProcs.Load(id)
			if !ok {
				return false, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "write: unknown process")
			}
			data, err := base64.StdEncoding.DecodeString(dataB64)
			if err != nil {
				return false, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "write: invalid data encoding")
			}
			cp := v.(*childProc)
			if cp.stdin == nil {
				return false, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "write: stdin not piped")
			}
			_, err = cp.stdin.Write(data)
			if err != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "write: %s", err)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__cp_endStdin", func(id int64) (bool, error) {
			v, ok := childProcs.Load(id)
			if !ok {
				return false, nil
			}
			cp := v.(*childProc)
			if cp.stdin == nil {
				return false, nil
			}
			if err := cp.stdin.Close(); err != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "end: %s", err)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__cp_kill", func(id int64, signal string) (bool, error) {
			v, ok := childProcs.Load(id)
			if !ok {
				return false, nil
			}
			cp := v.(*childProc)
			if cp.cmd.Process == nil {
				return false, nil
			}
			if err := cp.cmd.Process.Kill(); err != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "kill: %s", err)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.Eval(eventsModuleJS); err != nil {
			return err
		}
		if err := rt.Eval(childProcessModuleJS); err != nil {
			return err
		}
		exports.Set("spawn", registry.RawRef{Expr: "globalThis.__cpMod.spawn"})
		return nil
	}
}

func childSpawn(disp *dispatcher.Dispatcher, args spawnArgs) (string, error) {
	cmd := exec.Command(args.Command, args.Args...)
	if args.Cwd != "" {
		cmd.Dir = args.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range args.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "spawn: %s", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "spawn: %s", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "spawn: %s", err)
	}

	if err := cmd.Start(); err != nil {
		return "", jsvalue.NewError(jsvalue.KindNotFound, "ENOENT", "spawn %s: %s", args.Command, err)
	}

	id := atomic.AddInt64(&nextChildID, 1)
	cp := &childProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	childProcs.Store(id, cp)

	disp.BeginIO() // stdout drain
	go childDrainPipe(disp, id, "stdout", stdout)
	disp.BeginIO() // stderr drain
	go childDrainPipe(disp, id, "stderr", stderr)
	disp.BeginIO() // process wait
	go childWait(disp, id, cmd)

	return fmt.Sprintf("%d,%d", id, cmd.Process.Pid), nil
}

func childDrainPipe(disp *dispatcher.Dispatcher, id int64, stream string, r io.ReadCloser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := base64.StdEncoding.EncodeToString(buf[:n])
			disp.Submit(func() {
				evalHook(fmt.Sprintf("globalThis.__cpMod.__onChunk(%d, %s, %s)", id, jsonQuote(stream), jsonQuote(chunk)))
			})
		}
		if err != nil {
			disp.PostCompletion(func() {})
			return
		}
	}
}

func childWait(disp *dispatcher.Dispatcher, id int64, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	signal := "null"
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	disp.PostCompletion(func() {
		childProcs.Delete(id)
		evalHook(fmt.Sprintf("globalThis.__cpMod.__onExit(%d, %d, %s)", id, code, signal))
	})
}

const childProcessModuleJS = `
(function() {
  var EventEmitter = globalThis.__EventEmitter;
  var children = {};

  function Stream(kind, procID) {
    Object.assign(this, new EventEmitter());
    this._kind = kind;
    this._procID = procID;
  }
  Stream.prototype = Object.create(EventEmitter.prototype);
  Stream.prototype.write = function(data) {
    return __cp_write(this._procID, __bufferSourceToB64(data));
  };
  Stream.prototype.end = function() {
    __cp_endStdin(this._procID);
  };

  function ChildProcess(id, pid) {
    Object.assign(this, new EventEmitter());
    this._id = id;
    this.pid = pid;
    this.stdin = new Stream('stdin', id);
    this.stdout = new Stream('stdout', id);
    this.stderr = new Stream('stderr', id);
    this.killed = false;
  }
  ChildProcess.prototype = Object.create(EventEmitter.prototype);
  ChildProcess.prototype.kill = function(signal) {
    this.killed = __cp_kill(this._id, signal || 'SIGTERM');
    return this.killed;
  };

  globalThis.__cpMod = {
    __onChunk: function(id, stream, chunkB64) {
      var cp = children[id];
      if (!cp) return;
      var target = stream === 'stderr' ? cp.stderr : cp.stdout;
      target.emit('data', new Uint8Array(__b64ToBuffer(chunkB64)));
    },
    __onExit: function(id, code, signal) {
      var cp = children[id];
      if (!cp) return;
      delete children[id];
      cp.emit('exit', code, signal === 'null' ? null : signal);
      cp.emit('close', code, signal === 'null' ? null : signal);
    },
    spawn: function(command, args, options) {
      if (Array.isArray(args) === false) { options = args; args = []; }
      options = options || {};
      var argsJSON = JSON.stringify({
        command: command,
        args: args || [],
        cwd: options.cwd || '',
        env: options.env || {},
        shell: !!options.shell
      });
      var result = __cp_spawn(argsJSON).split(',');
      var id = Number(result[0]), pid = Number(result[1]);
      var cp = new ChildProcess(id, pid);
      children[id] = cp;
      return cp;
    }
  };
})();
`
