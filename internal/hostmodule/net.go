package hostmodule

import (
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/dispatcher"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

const netReadBufferSize = 64 * 1024

var (
	netConns   sync.Map // id -> *netConn
	netServers sync.Map // id -> *netServerHandle
	nextNetID  int64
)

type netConn struct {
	id   int64
	conn net.Conn
	mu   sync.Mutex
}

type netServerHandle struct {
	id       int64
	listener net.Listener
}

func storeConn(c net.Conn) int64 {
	id := atomic.AddInt64(&nextNetID, 1)
	netConns.Store(id, &netConn{id: id, conn: c})
	return id
}

// BuildNet returns a Builder exposing a Node-shaped net.createServer/
// net.connect, modeled on child fd lifecycle: a TCP listener's Accept loop
// and a connection's Read loop each run on their own goroutine and hand
// results back to script through the dispatcher — each data chunk via
// Dispatcher.Submit, each accepted connection and the end of a stream via
// Dispatcher.PostCompletion — so control returns to the single JS thread
// (spec.md §4.4's single-writer rule — no host module may touch JS state
// off the dispatcher goroutine).
func BuildNet(disp *dispatcher.Dispatcher) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		hostRuntime = rt

		if err := rt.RegisterFunc("__net_listen", func(host string, port int) (string, error) {
			addr := fmt.Sprintf("%s:%d", host, port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return "", jsvalue.NewError(jsvalue.KindNetworkDenied, "EADDRINUSE", "listen: %s", err)
			}
			id := atomic.AddInt64(&nextNetID, 1)
			netServers.Store(id, &netServerHandle{id: id, listener: ln})
			actualPort := ln.Addr().(*net.TCPAddr).Port

			disp.BeginIO()
			go netAcceptLoop(disp, id, ln)
			return fmt.Sprintf("%d,%d", id, actualPort), nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__net_closeServer", func(id int64) (bool, error) {
			v, ok := netServers.Load(id)
			if !ok {
				return false, nil
			}
			netServers.Delete(id)
			if err := v.(*netServerHandle).listener.Close(); err != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "close: %s", err)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__net_connect", func(host string, port int) (int64, error) {
			conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return 0, jsvalue.NewError(jsvalue.KindNetworkDenied, "ECONNREFUSED", "connect: %s", err)
			}
			id := storeConn(conn)
			disp.BeginIO()
			go netReadLoop(disp, id, conn)
			return id, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__net_write", func(id int64, dataB64 string) (bool, error) {
			v, ok := netConns.Load(id)
			if !ok {
				return false, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "write: unknown connection")
			}
			data, err := base64.StdEncoding.DecodeString(dataB64)
			if err != nil {
				return false, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "write: invalid data encoding")
			}
			nc := v.(*netConn)
			nc.mu.Lock()
			_, werr := nc.conn.Write(data)
			nc.mu.Unlock()
			if werr != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "write: %s", werr)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__net_end", func(id int64) (bool, error) {
			v, ok := netConns.Load(id)
			if !ok {
				return false, nil
			}
			nc := v.(*netConn)
			var cerr error
			if tcp, ok := nc.conn.(*net.TCPConn); ok {
				cerr = tcp.CloseWrite()
			} else {
				cerr = nc.conn.Close()
			}
			if cerr != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "end: %s", cerr)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.RegisterFunc("__net_destroy", func(id int64) (bool, error) {
			v, ok := netConns.Load(id)
			if !ok {
				return false, nil
			}
			netConns.Delete(id)
			if err := v.(*netConn).conn.Close(); err != nil {
				return false, jsvalue.NewError(jsvalue.KindInternal, "", "destroy: %s", err)
			}
			return true, nil
		}); err != nil {
			return err
		}

		if err := rt.Eval(eventsModuleJS); err != nil {
			return err
		}
		if err := rt.Eval(netModuleJS); err != nil {
			return err
		}
		exports.Set("createServer", registry.RawRef{Expr: "globalThis.__netMod.createServer"})
		exports.Set("connect", registry.RawRef{Expr: "globalThis.__netMod.connect"})
		exports.Set("createConnection", registry.RawRef{Expr: "globalThis.__netMod.connect"})
		return nil
	}
}

func netAcceptLoop(disp *dispatcher.Dispatcher, serverID int64, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			disp.PostCompletion(func() {
				netEmitServerClose(serverID)
			})
			return
		}
		connID := storeConn(conn)
		disp.BeginIO()
		go netReadLoop(disp, connID, conn)

		disp.PostCompletion(func() {
			netEmitConnection(serverID, connID)
		})
		disp.BeginIO()
	}
}

// netReadLoop owns the single BeginIO its caller registered for this
// connection: intermediate chunks are delivered via Submit, which does not
// touch the pending-I/O count, and the loop calls PostCompletion exactly
// once, on EOF or error, to release it. Pairing a PostCompletion with every
// chunk would let pendingIO underflow (clamped to 0) after the first
// couple of reads and let the dispatcher think there is no more work to
// wait for while the connection is still open.
func netReadLoop(disp *dispatcher.Dispatcher, connID int64, conn net.Conn) {
	buf := make([]byte, netReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := base64.StdEncoding.EncodeToString(buf[:n])
			disp.Submit(func() {
				netEmitData(connID, chunk)
			})
		}
		if err != nil {
			netConns.Delete(connID)
			disp.PostCompletion(func() {
				netEmitEnd(connID, err)
			})
			return
		}
	}
}

func netEmitConnection(serverID, connID int64) {
	evalHook(fmt.Sprintf("globalThis.__netMod.__onConnection(%d, %d)", serverID, connID))
}

func netEmitData(connID int64, chunkB64 string) {
	evalHook(fmt.Sprintf("globalThis.__netMod.__onData(%d, %s)", connID, jsonQuote(chunkB64)))
}

func netEmitEnd(connID int64, err error) {
	evalHook(fmt.Sprintf("globalThis.__netMod.__onEnd(%d)", connID))
	_ = err
}

func netEmitServerClose(serverID int64) {
	evalHook(fmt.Sprintf("globalThis.__netMod.__onServerClose(%d)", serverID))
}

// hostRuntime is set by BuildNet/BuildChildProcess so background goroutines
// (which only know ids, not the runtime) can settle events on the engine.
// Holding a single package-level handle mirrors the teacher's webapi.go,
// which keeps its own engine reference the same way.
var hostRuntime core.JSRuntime

func evalHook(script string) {
	if hostRuntime == nil {
		return
	}
	_ = hostRuntime.Eval(script)
}

const netModuleJS = `
(function() {
  var EventEmitter = globalThis.__EventEmitter;

  function Socket(connID) {
    Object.assign(this, new EventEmitter());
    this._id = connID;
    this.destroyed = false;
  }
  Socket.prototype = Object.create(EventEmitter.prototype);
  Socket.prototype.write = function(data, cb) {
    var b64 = typeof data === 'string' ? __bufferSourceToB64(data) : __bufferSourceToB64(data);
    var ok = __net_write(this._id, b64);
    if (cb) cb();
    return ok;
  };
  Socket.prototype.end = function(data) {
    if (data !== undefined) this.write(data);
    __net_end(this._id);
    return this;
  };
  Socket.prototype.destroy = function() {
    if (this.destroyed) return this;
    this.destroyed = true;
    __net_destroy(this._id);
    return this;
  };

  var sockets = {};

  globalThis.__netMod = {
    __onConnection: function(serverID, connID) {
      var server = servers[serverID];
      var sock = new Socket(connID);
      sockets[connID] = sock;
      if (server) server.emit('connection', sock);
    },
    __onData: function(connID, chunkB64) {
      var sock = sockets[connID];
      if (sock) sock.emit('data', new Uint8Array(__b64ToBuffer(chunkB64)));
    },
    __onEnd: function(connID) {
      var sock = sockets[connID];
      if (sock) {
        sock.emit('end');
        sock.emit('close');
        delete sockets[connID];
      }
    },
    __onServerClose: function(serverID) {
      var server = servers[serverID];
      if (server) server.emit('close');
    },
    createServer: function(options, onConnection) {
      if (typeof options === 'function') { onConnection = options; options = {}; }
      var server = new EventEmitter();
      if (onConnection) server.on('connection', onConnection);
      server.listen = function(port, host, cb) {
        if (typeof host === 'function') { cb = host; host = '0.0.0.0'; }
        host = host || '0.0.0.0';
        var result = __net_listen(host, port || 0).split(',');
        server._id = Number(result[0]);
        var boundPort = Number(result[1]);
        server.address = function() { return { address: host, port: boundPort }; };
        servers[server._id] = server;
        if (cb) cb();
        return server;
      };
      server.close = function(cb) {
        if (server._id !== undefined) __net_closeServer(server._id);
        if (cb) cb();
        return server;
      };
      return server;
    },
    connect: function(port, host, cb) {
      if (typeof port === 'object') {
        var opts = port;
        cb = host;
        port = opts.port;
        host = opts.host;
      }
      host = host || '127.0.0.1';
      var connID = __net_connect(host, port);
      var sock = new Socket(connID);
      sockets[connID] = sock;
      if (cb) sock.on('connect', cb);
      Promise.resolve().then(function() { sock.emit('connect'); });
      return sock;
    }
  };
  var servers = {};
})();
`
