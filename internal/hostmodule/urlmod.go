package hostmodule

import (
	"encoding/json"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/registry"
)

// parsedURL mirrors the WHATWG URL property set the JS-side URL class
// assigns onto itself via Object.assign(this, parsed).
type parsedURL struct {
	Error    string `json:"error,omitempty"`
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
}

// parseURLJSON backs the global URL class's constructor: it resolves input
// against base (when given) using net/url and normalizes the hostname with
// idna so Unicode and punycode hosts compare equal, the way a conformant
// URL parser must, without reimplementing the full WHATWG URL state
// machine spec.md places out of scope.
func parseURLJSON(input, base string) string {
	p, err := buildParsedURL(input, base)
	if err != nil {
		p = &parsedURL{Error: err.Error()}
	}
	data, _ := json.Marshal(p)
	return string(data)
}

func buildParsedURL(input, base string) (*parsedURL, error) {
	var u *url.URL
	var err error
	if base != "" {
		baseURL, baseErr := url.Parse(base)
		if baseErr != nil {
			return nil, baseErr
		}
		u, err = baseURL.Parse(input)
	} else {
		u, err = url.Parse(input)
	}
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		return nil, errInvalidURL(input)
	}

	hostname := u.Hostname()
	if hostname != "" {
		if normalized, idnaErr := idna.Lookup.ToASCII(hostname); idnaErr == nil {
			hostname = normalized
		}
	}
	host := hostname
	if p := u.Port(); p != "" {
		host = hostname + ":" + p
	}

	origin := u.Scheme + "://" + host
	username := u.User.Username()
	password, _ := u.User.Password()

	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}

	href := u.Scheme + "://"
	if username != "" {
		href += username
		if password != "" {
			href += ":" + password
		}
		href += "@"
	}
	href += host + u.EscapedPath() + search + hash

	return &parsedURL{
		Href: href, Protocol: u.Scheme + ":", Username: username, Password: password,
		Host: host, Hostname: hostname, Port: u.Port(), Pathname: u.EscapedPath(),
		Search: search, Hash: hash, Origin: origin,
	}, nil
}

type urlParseError struct{ msg string }

func (e *urlParseError) Error() string { return e.msg }

func errInvalidURL(input string) error {
	return &urlParseError{msg: "Invalid URL: " + input}
}

// BuildURL returns a Builder exposing URL, URLSearchParams, parse and
// domainToASCII (there is no format function) for code that
// prefers `require("url")` over the global URL class — both share the same
// Go-backed parser so normalization never diverges between the two
// surfaces.
func BuildURL() registry.Builder {
	return func(rt core.JSRuntime, exports *registry.Exports) error {
		if err := rt.RegisterFunc("__url_parse", parseURLJSON); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__url_domainToASCII", func(host string) (string, error) {
			return idna.Lookup.ToASCII(strings.ToLower(host))
		}); err != nil {
			return err
		}
		if err := rt.Eval(urlModuleJS); err != nil {
			return err
		}
		exports.Set("URL", registry.RawRef{Expr: "globalThis.URL"})
		exports.Set("URLSearchParams", registry.RawRef{Expr: "globalThis.URLSearchParams"})
		exports.Set("parse", registry.RawRef{Expr: "globalThis.__urlmod_parse"})
		exports.Set("domainToASCII", registry.RawRef{Expr: "__url_domainToASCII"})
		return nil
	}
}

const urlModuleJS = `
(function() {
  globalThis.__urlmod_parse = function(input, base) {
    return new URL(input, base);
  };
})();
`
