package hostmodule

import (
	"context"
	"net"
	"time"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/iopool"
	"github.com/cryguy/coldstart/internal/jsvalue"
	"github.com/cryguy/coldstart/internal/registry"
)

type dnsLookupArgs struct {
	Hostname string `json:"hostname"`
	Family   int    `json:"family"` // 0, 4, or 6
	All      bool   `json:"all"`
}

type dnsAddress struct {
	Address string `json:"address"`
	Family  int    `json:"family"`
}

// BuildDNS returns a Builder exposing dns.lookup, backed by net.Resolver —
// grounded on the fetch module's own use of net.Resolver for the SSRF
// hostname check, generalized into its own host module surface.
func BuildDNS(pool *iopool.Pool) registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		bridge, err := NewAsyncBridge(rt, pool, "dns")
		if err != nil {
			return err
		}

		if err := rt.RegisterFunc("__dns_lookup", func(argsJSON string) string {
			jobID := bridge.NewJobID()
			bridge.Run(jobID, func() (any, error) {
				var args dnsLookupArgs
				if err := jsonUnmarshal(argsJSON, &args); err != nil {
					return nil, jsvalue.NewError(jsvalue.KindInvalidArgument, "", "dns.lookup: %s", err)
				}
				return dnsLookup(args)
			}, EncodeJSON)
			return jobID
		}); err != nil {
			return err
		}

		if err := rt.Eval(dnsModuleJS); err != nil {
			return err
		}
		exports.Set("lookup", registry.RawRef{Expr: "globalThis.__dnsMod.lookup"})
		return nil
	}
}

func dnsLookup(args dnsLookupArgs) ([]dnsAddress, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	network := "ip"
	switch args.Family {
	case 4:
		network = "ip4"
	case 6:
		network = "ip6"
	}

	resolver := &net.Resolver{}
	ips, err := resolver.LookupIP(ctx, network, args.Hostname)
	if err != nil {
		return nil, jsvalue.NewError(jsvalue.KindNotFound, "ENOTFOUND", "getaddrinfo ENOTFOUND %s", args.Hostname)
	}
	if len(ips) == 0 {
		return nil, jsvalue.NewError(jsvalue.KindNotFound, "ENOTFOUND", "getaddrinfo ENOTFOUND %s", args.Hostname)
	}

	out := make([]dnsAddress, 0, len(ips))
	for _, ip := range ips {
		family := 4
		if ip.To4() == nil {
			family = 6
		}
		out = append(out, dnsAddress{Address: ip.String(), Family: family})
		if !args.All {
			break
		}
	}
	return out, nil
}

const dnsModuleJS = `
(function() {
  globalThis.__dnsMod = {
    lookup: function(hostname, options, cb) {
      if (typeof options === 'function') { cb = options; options = {}; }
      options = options || {};
      var family = 0;
      if (options === 4 || options === 6) family = options;
      else if (options.family === 'IPv4') family = 4;
      else if (options.family === 'IPv6') family = 6;
      else if (options.family) family = options.family;
      var all = !!options.all;

      var argsJSON = JSON.stringify({ hostname: hostname, family: family, all: all });
      var jobID = globalThis.__dns_lookup(argsJSON);
      var promise = globalThis.__dns_newPromise(jobID, options.signal).then(function(addrs) {
        if (all) return addrs;
        var a = addrs[0];
        return a;
      });
      if (typeof cb === 'function') {
        promise.then(function(result) {
          if (all) { cb(null, result); return; }
          cb(null, result.address, result.family);
        }, function(err) { cb(err); });
        return undefined;
      }
      return promise;
    }
  };
})();
`
