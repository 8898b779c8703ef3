package hostmodule

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

// maxInflatedSize caps the output of any decompress op, preventing a small
// malicious input from exhausting memory via a decompression bomb.
const maxInflatedSize = 256 * 1024 * 1024

type zlibCodec struct {
	name string
	fn   func(dataB64 string) (string, error)
}

// BuildZlib returns a Builder exposing Node's zlib-shaped deflate/inflate/
// gzip/gunzip family plus brotli and zstd, each with an async (AsyncBridge,
// I/O pool) and Sync form, grounded on the teacher's compression.go choice
// of compress/flate, compress/gzip, and andybalholm/brotli, extended with
// klauspost/compress/zstd since spec.md's codec list includes zstd and
// nothing in the teacher exercises it otherwise.
func BuildZlib(pool *iopool.Pool) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		bridge, err := NewAsyncBridge(rt, pool, "zlib")
		if err != nil {
			return err
		}

		codecs := []zlibCodec{
			{"deflate", zlibDeflate},
			{"inflate", zlibInflate},
			{"deflateRaw", zlibDeflateRaw},
			{"inflateRaw", zlibInflateRaw},
			{"gzip", zlibGzip},
			{"gunzip", zlibGunzip},
			{"brotliCompress", zlibBrotliCompress},
			{"brotliDecompress", zlibBrotliDecompress},
			{"zstdCompress", zlibZstdCompress},
			{"zstdDecompress", zlibZstdDecompress},
		}

		for _, c := range codecs {
			codecFn := c.fn
			asyncName := "__zlib_async_" + c.name
			syncName := "__zlib_sync_" + c.name
			if err := rt.RegisterFunc(asyncName, func(dataB64 string) string {
				jobID := bridge.NewJobID()
				bridge.Run(jobID, func() (any, error) {
					return codecFn(dataB64)
				}, func(result any) (string, error) {
					return jsonMarshalString(result.(string)), nil
				})
				return jobID
			}); err != nil {
				return err
			}
			if err := rt.RegisterFunc(syncName, codecFn); err != nil {
				return err
			}
		}

		if err := rt.Eval(zlibModuleJS); err != nil {
			return err
		}
		exports.Set("deflate", registry.RawRef{Expr: "globalThis.__zlibMod.deflate"})
		exports.Set("deflateSync", registry.RawRef{Expr: "globalThis.__zlibMod.deflateSync"})
		exports.Set("inflate", registry.RawRef{Expr: "globalThis.__zlibMod.inflate"})
		exports.Set("inflateSync", registry.RawRef{Expr: "globalThis.__zlibMod.inflateSync"})
		exports.Set("deflateRaw", registry.RawRef{Expr: "globalThis.__zlibMod.deflateRaw"})
		exports.Set("deflateRawSync", registry.RawRef{Expr: "globalThis.__zlibMod.deflateRawSync"})
		exports.Set("inflateRaw", registry.RawRef{Expr: "globalThis.__zlibMod.inflateRaw"})
		exports.Set("inflateRawSync", registry.RawRef{Expr: "globalThis.__zlibMod.inflateRawSync"})
		exports.Set("gzip", registry.RawRef{Expr: "globalThis.__zlibMod.gzip"})
		exports.Set("gzipSync", registry.RawRef{Expr: "globalThis.__zlibMod.gzipSync"})
		exports.Set("gunzip", registry.RawRef{Expr: "globalThis.__zlibMod.gunzip"})
		exports.Set("gunzipSync", registry.RawRef{Expr: "globalThis.__zlibMod.gunzipSync"})
		exports.Set("brotliCompress", registry.RawRef{Expr: "globalThis.__zlibMod.brotliCompress"})
		exports.Set("brotliCompressSync", registry.RawRef{Expr: "globalThis.__zlibMod.brotliCompressSync"})
		exports.Set("brotliDecompress", registry.RawRef{Expr: "globalThis.__zlibMod.brotliDecompress"})
		exports.Set("brotliDecompressSync", registry.RawRef{Expr: "globalThis.__zlibMod.brotliDecompressSync"})
		exports.Set("zstdCompress", registry.RawRef{Expr: "globalThis.__zlibMod.zstdCompress"})
		exports.Set("zstdCompressSync", registry.RawRef{Expr: "globalThis.__zlibMod.zstdCompressSync"})
		exports.Set("zstdDecompress", registry.RawRef{Expr: "globalThis.__zlibMod.zstdDecompress"})
		exports.Set("zstdDecompressSync", registry.RawRef{Expr: "globalThis.__zlibMod.zstdDecompressSync"})
		return nil
	}
}

func decodeB64(dataB64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "invalid base64 input")
	}
	return data, nil
}

func readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "decompress: %s", err)
	}
	if len(out) > maxInflatedSize {
		return nil, jsvalue.QuotaExceeded("decompressed output exceeds the maximum allowed size")
	}
	return out, nil
}

func zlibDeflate(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "deflate: %s", err)
	}
	if err := zw.Close(); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "deflate: %s", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func zlibInflate(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "inflate: %s", err)
	}
	defer zr.Close()
	out, err := readCapped(zr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func zlibDeflateRaw(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	if _, err := fw.Write(data); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "deflateRaw: %s", err)
	}
	if err := fw.Close(); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "deflateRaw: %s", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func zlibInflateRaw(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := readCapped(fr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func zlibGzip(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "gzip: %s", err)
	}
	if err := gw.Close(); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "gzip: %s", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func zlibGunzip(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "gunzip: %s", err)
	}
	defer gr.Close()
	out, err := readCapped(gr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func zlibBrotliCompress(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(data); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "brotliCompress: %s", err)
	}
	if err := bw.Close(); err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "brotliCompress: %s", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func zlibBrotliDecompress(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	br := brotli.NewReader(bytes.NewReader(data))
	out, err := readCapped(br)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func zlibZstdCompress(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "zstdCompress: %s", err)
	}
	out := enc.EncodeAll(data, nil)
	enc.Close()
	return base64.StdEncoding.EncodeToString(out), nil
}

func zlibZstdDecompress(dataB64 string) (string, error) {
	data, err := decodeB64(dataB64)
	if err != nil {
		return "", err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInternal, "", "zstdDecompress: %s", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, make([]byte, 0, len(data)*3))
	if err != nil {
		return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "zstdDecompress: %s", err)
	}
	if len(out) > maxInflatedSize {
		return "", jsvalue.QuotaExceeded("decompressed output exceeds the maximum allowed size")
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

const zlibModuleJS = `
(function() {
  function asyncOp(name) {
    return function(data, cb) {
      var jobID = globalThis['__zlib_async_' + name](__bufferSourceToB64(data));
      var promise = globalThis.__zlib_newPromise(jobID).then(function(b64) {
        return __b64ToBuffer(b64);
      });
      if (typeof cb === 'function') {
        promise.then(function(buf) { cb(null, buf); }, function(err) { cb(err); });
        return undefined;
      }
      return promise;
    };
  }
  function syncOp(name) {
    return function(data) {
      return __b64ToBuffer(globalThis['__zlib_sync_' + name](__bufferSourceToB64(data)));
    };
  }
  globalThis.__zlibMod = {
    deflate: asyncOp('deflate'), deflateSync: syncOp('deflate'),
    inflate: asyncOp('inflate'), inflateSync: syncOp('inflate'),
    deflateRaw: asyncOp('deflateRaw'), deflateRawSync: syncOp('deflateRaw'),
    inflateRaw: asyncOp('inflateRaw'), inflateRawSync: syncOp('inflateRaw'),
    gzip: asyncOp('gzip'), gzipSync: syncOp('gzip'),
    gunzip: asyncOp('gunzip'), gunzipSync: syncOp('gunzip'),
    brotliCompress: asyncOp('brotliCompress'), brotliCompressSync: syncOp('brotliCompress'),
    brotliDecompress: asyncOp('brotliDecompress'), brotliDecompressSync: syncOp('brotliDecompress'),
    zstdCompress: asyncOp('zstdCompress'), zstdCompressSync: syncOp('zstdCompress'),
    zstdDecompress: asyncOp('zstdDecompress'), zstdDecompressSync: syncOp('zstdDecompress')
  };
})();
`
