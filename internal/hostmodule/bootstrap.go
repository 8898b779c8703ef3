package hostmodule

import (
	"fmt"

	"github.com/cryguy/coldstart/internal/core"
)

// InstallGlobals evaluates the WHATWG-adjacent classes every host module's
// polyfill JS assumes already exist: Headers, URL, URLSearchParams,
// Request, Response, DOMException, TextEncoder/TextDecoder, and btoa/atob.
// These are script-visible globals, not module exports — importing "url" or
// "buffer" gets you the Go-backed host module; globalThis.URL is always
// there, exactly as in Node and as the teacher's own webapi.go bootstraps
// it. Call once per Runtime before registering any host module that
// depends on these (fetch, url, encoding).
func InstallGlobals(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__parseURL", parseURLJSON); err != nil {
		return fmt.Errorf("registering __parseURL: %w", err)
	}
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating bootstrap globals: %w", err)
	}
	if err := rt.Eval(encodingGlobalsJS); err != nil {
		return fmt.Errorf("evaluating bootstrap encoding globals: %w", err)
	}
	return nil
}

const globalsJS = `
(function() {
  class DOMException extends Error {
    constructor(message, name) {
      super(message || '');
      this.name = name || 'Error';
    }
  }
  globalThis.DOMException = DOMException;

  class AbortSignal {
    constructor() {
      this.aborted = false;
      this.reason = undefined;
      this._listeners = [];
      this.onabort = null;
    }
    addEventListener(type, listener) {
      if (type === 'abort') this._listeners.push(listener);
    }
    removeEventListener(type, listener) {
      if (type !== 'abort') return;
      this._listeners = this._listeners.filter(function(l) { return l !== listener; });
    }
    throwIfAborted() {
      if (this.aborted) throw this.reason;
    }
    _fire(reason) {
      if (this.aborted) return;
      this.aborted = true;
      this.reason = reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError');
      var event = { type: 'abort', target: this };
      if (typeof this.onabort === 'function') this.onabort(event);
      this._listeners.slice().forEach(function(l) { l(event); });
    }
    static abort(reason) {
      var s = new AbortSignal();
      s._fire(reason);
      return s;
    }
    static timeout(ms) {
      var s = new AbortSignal();
      setTimeout(function() { s._fire(new DOMException('The operation timed out.', 'TimeoutError')); }, ms);
      return s;
    }
  }
  globalThis.AbortSignal = AbortSignal;

  class AbortController {
    constructor() {
      this.signal = new AbortSignal();
    }
    abort(reason) {
      this.signal._fire(reason);
    }
  }
  globalThis.AbortController = AbortController;

  class Headers {
    constructor(init) {
      this._map = {};
      if (init) {
        if (init instanceof Headers) {
          for (const k in init._map) this._map[k] = init._map[k];
        } else if (Array.isArray(init)) {
          for (const [k, v] of init) this._map[k.toLowerCase()] = String(v);
        } else {
          for (const k in init) this._map[k.toLowerCase()] = String(init[k]);
        }
      }
    }
    get(name) { const v = this._map[name.toLowerCase()]; return v === undefined ? null : v; }
    set(name, value) { this._map[name.toLowerCase()] = String(value); }
    has(name) { return name.toLowerCase() in this._map; }
    delete(name) { delete this._map[name.toLowerCase()]; }
    append(name, value) {
      const key = name.toLowerCase();
      this._map[key] = this._map[key] ? this._map[key] + ', ' + String(value) : String(value);
    }
    forEach(cb) { for (const k in this._map) cb(this._map[k], k, this); }
    entries() { return Object.entries(this._map)[Symbol.iterator](); }
    keys() { return Object.keys(this._map)[Symbol.iterator](); }
    values() { return Object.values(this._map)[Symbol.iterator](); }
  }
  globalThis.Headers = Headers;

  class URLSearchParams {
    constructor(init) {
      this._entries = [];
      if (typeof init === 'string') {
        const s = init.indexOf('?') === 0 ? init.slice(1) : init;
        if (s) {
          for (const pair of s.split('&')) {
            if (!pair) continue;
            const eq = pair.indexOf('=');
            const k = eq === -1 ? pair : pair.slice(0, eq);
            const v = eq === -1 ? '' : pair.slice(eq + 1);
            this._entries.push([decodeURIComponent(k.replace(/\+/g, '%20')), decodeURIComponent(v.replace(/\+/g, '%20'))]);
          }
        }
      }
    }
    get(name) { const e = this._entries.find(([k]) => k === name); return e ? e[1] : null; }
    getAll(name) { return this._entries.filter(([k]) => k === name).map(([, v]) => v); }
    has(name) { return this._entries.some(([k]) => k === name); }
    append(name, value) { this._entries.push([name, String(value)]); }
    set(name, value) {
      let found = false;
      this._entries = this._entries.filter(([k]) => {
        if (k !== name) return true;
        return found ? false : ((found = true), false);
      });
      this._entries.push([name, String(value)]);
    }
    delete(name) { this._entries = this._entries.filter(([k]) => k !== name); }
    toString() { return this._entries.map(([k, v]) => encodeURIComponent(k) + '=' + encodeURIComponent(v)).join('&'); }
    forEach(cb) { for (const [k, v] of this._entries) cb(v, k, this); }
    entries() { return this._entries[Symbol.iterator](); }
    keys() { return this._entries.map(([k]) => k)[Symbol.iterator](); }
    values() { return this._entries.map(([, v]) => v)[Symbol.iterator](); }
  }
  globalThis.URLSearchParams = URLSearchParams;

  class URL {
    constructor(input, base) {
      const parsed = JSON.parse(__parseURL(String(input), base ? String(base) : ''));
      if (parsed.error) throw new TypeError(parsed.error);
      Object.assign(this, parsed);
      this.searchParams = new URLSearchParams(this.search);
    }
    toString() { return this.href; }
    static canParse(input, base) {
      try { new URL(input, base); return true; } catch { return false; }
    }
  }
  globalThis.URL = URL;

  function bodyToStream(content) {
    return new ReadableStream({
      start(controller) {
        if (content == null) { controller.close(); return; }
        if (typeof content === 'string') controller.enqueue(new TextEncoder().encode(content));
        else if (content instanceof ArrayBuffer) controller.enqueue(new Uint8Array(content));
        else if (ArrayBuffer.isView(content)) controller.enqueue(new Uint8Array(content.buffer, content.byteOffset, content.byteLength));
        else controller.enqueue(new TextEncoder().encode(String(content)));
        controller.close();
      }
    });
  }

  class Response {
    constructor(body, init) {
      init = init || {};
      this._body = body === undefined ? null : body;
      this.status = init.status !== undefined ? init.status : 200;
      this.statusText = init.statusText || '';
      this.headers = new Headers(init.headers);
      this.ok = this.status >= 200 && this.status < 300;
      this.url = init.url || '';
      this.type = 'basic';
    }
    get bodyUsed() { return !!this._bodyUsed; }
    async text() { this._bodyUsed = true; return this._body == null ? '' : (this._body instanceof ArrayBuffer ? new TextDecoder().decode(this._body) : String(this._body)); }
    async json() { return JSON.parse(await this.text()); }
    async arrayBuffer() { this._bodyUsed = true; if (this._body instanceof ArrayBuffer) return this._body; return new TextEncoder().encode(await this.text()).buffer; }
    async bytes() { return new Uint8Array(await this.arrayBuffer()); }
    clone() { return new Response(this._body, { status: this.status, statusText: this.statusText, headers: new Headers(this.headers) }); }
    static json(data, init) {
      init = init || {};
      const headers = new Headers(init.headers);
      if (!headers.has('content-type')) headers.set('content-type', 'application/json');
      return new Response(JSON.stringify(data), Object.assign({}, init, { headers }));
    }
    static redirect(url, status) {
      status = status || 302;
      if ([301, 302, 303, 307, 308].indexOf(status) === -1) throw new RangeError('Invalid redirect status: ' + status);
      return new Response(null, { status, headers: { location: url } });
    }
  }
  globalThis.Response = Response;

  class Request {
    constructor(input, init) {
      init = init || {};
      if (input && input.url !== undefined && typeof input !== 'string') {
        this.url = input.url;
        this.method = input.method || 'GET';
        this.headers = new Headers(input.headers);
        this._body = input._body !== undefined ? input._body : null;
      } else {
        this.url = String(input);
        this.method = 'GET';
        this.headers = new Headers();
        this._body = null;
      }
      if (init.method) this.method = String(init.method).toUpperCase();
      if (init.headers) this.headers = new Headers(init.headers);
      if (init.body !== undefined) this._body = init.body;
    }
    clone() { return new Request(this); }
  }
  globalThis.Request = Request;
})();
`

// encodingGlobalsJS defines TextEncoder/TextDecoder/btoa/atob, grounded on
// the teacher's pure-JS encoding.go implementation, adapted onto
// globalThis directly (no Go round trip needed for either).
const encodingGlobalsJS = `
(function() {
  if (typeof globalThis.TextEncoder === 'undefined') {
    globalThis.TextEncoder = class TextEncoder {
      encode(str) {
        str = String(str === undefined ? '' : str);
        const buf = [];
        for (let i = 0; i < str.length; i++) {
          let c = str.charCodeAt(i);
          if (c < 0x80) buf.push(c);
          else if (c < 0x800) buf.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
          else if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
            const next = str.charCodeAt(++i);
            const cp = ((c - 0xd800) << 10) + (next - 0xdc00) + 0x10000;
            buf.push(0xf0 | (cp >> 18), 0x80 | ((cp >> 12) & 0x3f), 0x80 | ((cp >> 6) & 0x3f), 0x80 | (cp & 0x3f));
          } else buf.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
        }
        return new Uint8Array(buf);
      }
    };
  }
  if (typeof globalThis.TextDecoder === 'undefined') {
    globalThis.TextDecoder = class TextDecoder {
      decode(buf) {
        if (!buf) return '';
        const bytes = new Uint8Array(buf.buffer || buf);
        let result = '';
        for (let i = 0; i < bytes.length;) {
          const b = bytes[i];
          if (b < 0x80) { result += String.fromCharCode(b); i++; }
          else if ((b & 0xe0) === 0xc0) { result += String.fromCharCode(((b & 0x1f) << 6) | (bytes[i+1] & 0x3f)); i += 2; }
          else if ((b & 0xf0) === 0xe0) { result += String.fromCharCode(((b & 0x0f) << 12) | ((bytes[i+1] & 0x3f) << 6) | (bytes[i+2] & 0x3f)); i += 3; }
          else if ((b & 0xf8) === 0xf0) {
            const cp = ((b & 0x07) << 18) | ((bytes[i+1] & 0x3f) << 12) | ((bytes[i+2] & 0x3f) << 6) | (bytes[i+3] & 0x3f);
            result += String.fromCodePoint(cp); i += 4;
          } else { result += '�'; i++; }
        }
        return result;
      }
    };
  }
  if (typeof globalThis.btoa === 'undefined') {
    const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
    globalThis.btoa = function(data) {
      const s = String(data);
      const len = s.length, bytes = new Uint8Array(len);
      for (let i = 0; i < len; i++) {
        const ch = s.charCodeAt(i);
        if (ch > 255) throw new Error('btoa: string contains characters outside of the Latin1 range');
        bytes[i] = ch;
      }
      const out = [];
      for (let i = 0; i < len; i += 3) {
        const a = bytes[i], b = i + 1 < len ? bytes[i + 1] : 0, c = i + 2 < len ? bytes[i + 2] : 0;
        out.push(_e[a >> 2], _e[((a & 3) << 4) | (b >> 4)], i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=', i + 2 < len ? _e[c & 63] : '=');
      }
      return out.join('');
    };
    const _d = new Uint8Array(128);
    for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
    globalThis.atob = function(data) {
      let b64 = String(data).replace(/[\t\n\f\r ]/g, '');
      if (b64.length === 0) return '';
      while (b64.length % 4 !== 0) b64 += '=';
      let pad = 0;
      if (b64[b64.length - 1] === '=') pad++;
      if (b64[b64.length - 2] === '=') pad++;
      const outLen = (b64.length / 4) * 3 - pad;
      const bytes = new Uint8Array(outLen);
      let j = 0;
      for (let i = 0; i < b64.length; i += 4) {
        const a = _d[b64.charCodeAt(i)], b = _d[b64.charCodeAt(i + 1)], c = _d[b64.charCodeAt(i + 2)], d = _d[b64.charCodeAt(i + 3)];
        bytes[j++] = (a << 2) | (b >> 4);
        if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
        if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
      }
      let result = '';
      for (let i = 0; i < outLen; i += 4096) result += String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 4096, outLen)));
      return result;
    };
  }
  if (typeof globalThis.__bufferSourceToB64 === 'undefined') {
    globalThis.__bufferSourceToB64 = function(data) {
      if (typeof data === 'string') return btoa(data);
      const bytes = data instanceof ArrayBuffer ? new Uint8Array(data) : new Uint8Array(data.buffer, data.byteOffset || 0, data.byteLength);
      let bin = '';
      for (let i = 0; i < bytes.length; i++) bin += String.fromCharCode(bytes[i]);
      return btoa(bin);
    };
  }
  if (typeof globalThis.__b64ToBuffer === 'undefined') {
    globalThis.__b64ToBuffer = function(b64) {
      const bin = atob(b64);
      const bytes = new Uint8Array(bin.length);
      for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
      return bytes.buffer;
    };
  }
})();
`
