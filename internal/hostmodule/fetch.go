package hostmodule

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

// SSRFEnabled controls whether fetch validates destination IPs against the
// private-range blocklist. Tests pointed at an httptest server on
// 127.0.0.1 set this false.
var SSRFEnabled = true

// ForbiddenFetchHeaders may not be set by script; they control framing or
// routing in ways fetch() itself already governs.
var ForbiddenFetchHeaders = map[string]bool{
	"host": true, "transfer-encoding": true, "connection": true,
	"keep-alive": true, "upgrade": true, "proxy-authorization": true,
	"proxy-connection": true, "te": true, "trailer": true,
}

// fetchTransport is the keep-alive pool: one *http.Transport shared across
// every fetch() call, keyed internally by (scheme, host, port) the way
// net/http already does, with HTTP/2 negotiated via ALPN.
var fetchTransport = buildFetchTransport()

func buildFetchTransport() *http.Transport {
	t := &http.Transport{
		DialContext:         ssrfSafeDialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{},
	}
	_ = http2.ConfigureTransport(t)
	return t
}

type fetchResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	BodyB64    string            `json:"bodyB64"`
	Redirected bool              `json:"redirected"`
	FinalURL   string            `json:"finalURL"`
}

// BuildFetch returns a Builder exposing fetch(input, init) with SSRF
// protection, a configurable allow/deny list, and the shared keep-alive
// transport. Grounded on the teacher's fetch.go __fetchStart/__fetchResolve
// idiom, rehosted on AsyncBridge and the Native I/O Worker pool instead of
// the teacher's own goroutine-per-request model.
func BuildFetch(pool *iopool.Pool, timeout time.Duration, extraAllow, extraDeny []string) registry.Builder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	allow := append(parseHostList(os.Getenv("LLRT_NET_ALLOW")), lowerAll(extraAllow)...)
	deny := append(parseHostList(os.Getenv("LLRT_NET_DENY")), lowerAll(extraDeny)...)

	return func(rt core.JSRuntime, exports *registry.Exports) error {
		bridge, err := NewAsyncBridge(rt, pool, "fetch")
		if err != nil {
			return err
		}

		if err := rt.RegisterFunc("__fetch_start", func(argsJSON string) (string, error) {
			var args fetchArgs
			if jsonErr := json.Unmarshal([]byte(argsJSON), &args); jsonErr != nil {
				return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch: parsing arguments: %s", jsonErr)
			}
			if args.URL == "" {
				return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch requires a URL")
			}
			if denyErr := checkHostPolicy(args.URL, allow, deny); denyErr != nil {
				return "", denyErr
			}
			for h := range args.Headers {
				if ForbiddenFetchHeaders[strings.ToLower(h)] {
					return "", jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch: forbidden header %q", h)
				}
			}

			jobID := bridge.NewJobID()
			bridge.Run(jobID, func() (any, error) {
				return doFetch(args, timeout)
			}, EncodeJSON)
			return jobID, nil
		}); err != nil {
			return err
		}

		if err := rt.Eval(fetchPolyfillJS); err != nil {
			return err
		}
		exports.Set("fetch", registry.RawRef{Expr: "globalThis.fetch"})
		return nil
	}
}

type fetchArgs struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	BodyIsBase64 bool              `json:"bodyIsBase64"`
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func parseHostList(v string) []string {
	v = strings.ReplaceAll(v, ",", " ")
	var out []string
	for _, h := range strings.Fields(v) {
		out = append(out, strings.ToLower(h))
	}
	return out
}

func checkHostPolicy(rawURL string, allow, deny []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch: invalid URL %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range deny {
		if host == d || strings.HasSuffix(host, "."+d) {
			return jsvalue.NewError(jsvalue.KindNetworkDenied, "", "URL denied: %s", host)
		}
	}
	if len(allow) > 0 {
		ok := false
		for _, a := range allow {
			if host == a || strings.HasSuffix(host, "."+a) {
				ok = true
				break
			}
		}
		if !ok {
			return jsvalue.NewError(jsvalue.KindNetworkDenied, "", "URL not allow-listed: %s", host)
		}
	}
	if SSRFEnabled && isPrivateHostname(rawURL) {
		return jsvalue.NewError(jsvalue.KindNetworkDenied, "", "fetch to private IP addresses is not allowed")
	}
	return nil
}

func doFetch(args fetchArgs, timeout time.Duration) (*fetchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var bodyReader io.Reader
	if args.Body != "" {
		if args.BodyIsBase64 {
			raw, err := base64.StdEncoding.DecodeString(args.Body)
			if err != nil {
				return nil, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch: invalid base64 body")
			}
			bodyReader = strings.NewReader(string(raw))
		} else {
			bodyReader = strings.NewReader(args.Body)
		}
	}

	method := args.Method
	if method == "" {
		method = "GET"
	}
	req, err := http.NewRequestWithContext(ctx, method, args.URL, bodyReader)
	if err != nil {
		return nil, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "fetch: %s", err)
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Transport: fetchTransport}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, jsvalue.NewError(jsvalue.KindTimeout, "", "fetch: timed out after %s", timeout)
		}
		return nil, jsvalue.NewError(jsvalue.KindNetworkDenied, "", "fetch: %s", err)
	}
	defer resp.Body.Close()

	const maxBody = 10 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, jsvalue.NewError(jsvalue.KindInternal, "", "fetch: reading body: %s", err)
	}
	if len(data) > maxBody {
		return nil, jsvalue.NewError(jsvalue.KindQuotaExceeded, "", "fetch: response exceeds %d bytes", maxBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &fetchResult{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Headers:    headers,
		BodyB64:    base64.StdEncoding.EncodeToString(data),
		Redirected: resp.Request.URL.String() != args.URL,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

// isPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses.
func isPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// private ranges at connect time, preventing DNS-rebinding TOCTOU attacks.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !SSRFEnabled {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		}
	}
	return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4", "::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("hostmodule: invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

const fetchPolyfillJS = `
(function() {
  globalThis.fetch = function(input, init) {
    var url = '', method = 'GET', headers = {}, body = '', bodyIsBase64 = false;

    function extractBody(b) {
      if (b == null) return;
      if (b instanceof ArrayBuffer || ArrayBuffer.isView(b)) {
        var arr = b instanceof ArrayBuffer ? new Uint8Array(b) : new Uint8Array(b.buffer, b.byteOffset, b.byteLength);
        var bin = '';
        for (var i = 0; i < arr.length; i++) bin += String.fromCharCode(arr[i]);
        body = btoa(bin);
        bodyIsBase64 = true;
      } else {
        body = String(b);
      }
    }

    if (typeof input === 'string') {
      url = input;
    } else if (input instanceof URL) {
      url = input.toString();
    } else if (input && typeof input === 'object') {
      url = input.url || '';
      method = input.method || 'GET';
      if (input._body != null) extractBody(input._body);
    }

    var signal = null;
    if (init && typeof init === 'object') {
      if (init.method !== undefined) method = String(init.method).toUpperCase();
      if (init.headers) {
        if (init.headers instanceof Headers) {
          init.headers.forEach(function(v, k) { headers[k] = v; });
        } else {
          for (var k in init.headers) { if (init.headers.hasOwnProperty(k)) headers[k.toLowerCase()] = String(init.headers[k]); }
        }
      }
      if (init.body != null) extractBody(init.body);
      if (init.signal) signal = init.signal;
    }

    if (signal && signal.aborted) {
      return Promise.reject(new DOMException('The operation was aborted.', 'AbortError'));
    }

    var argsJSON = JSON.stringify({ url: url, method: method, headers: headers, body: body, bodyIsBase64: bodyIsBase64 });
    try {
      var jobID = __fetch_start(argsJSON);
    } catch (e) {
      return Promise.reject(e);
    }
    var resultPromise = globalThis.__fetch_newPromise(jobID).then(function(r) {
      var bodyBytes = r.bodyB64 ? __b64ToBytes(r.bodyB64) : new Uint8Array(0);
      var ct = (r.headers['content-type'] || '').toLowerCase();
      var isText = ct.indexOf('text/') === 0 || ct.indexOf('json') !== -1 || ct.indexOf('xml') !== -1 || ct.indexOf('urlencoded') !== -1;
      var bodyValue = isText ? new TextDecoder().decode(bodyBytes) : bodyBytes.buffer;
      var resp = new Response(bodyValue, { status: r.status, statusText: r.statusText, headers: r.headers });
      Object.defineProperty(resp, 'redirected', { value: !!r.redirected });
      Object.defineProperty(resp, 'url', { value: r.finalURL || url });
      return resp;
    });

    if (!signal) return resultPromise;

    var abortPromise = new Promise(function(_, reject) {
      signal.addEventListener('abort', function() {
        __fetch_cancel(jobID);
        reject(new DOMException('The operation was aborted.', 'AbortError'));
      });
    });
    return Promise.race([resultPromise, abortPromise]);
  };

  if (typeof globalThis.__b64ToBytes !== 'function') {
    globalThis.__b64ToBytes = function(b64) {
      var bin = atob(b64);
      var out = new Uint8Array(bin.length);
      for (var i = 0; i < bin.length; i++) out[i] = bin.charCodeAt(i);
      return out;
    };
  }
})();
`
