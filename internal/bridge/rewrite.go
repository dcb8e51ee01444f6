package bridge

import (
	"net/http"
	"net/url"
	"strings"
)

// RewriteHeaders applies §4.10's header-rewrite rules, in order, to an
// upstream response's header set before it is sent downstream:
//   - Set-Cookie: a Domain attribute that equals or is a suffix of
//     legacyHostname is substituted with realOriginAuthority; any
//     other Domain is invalid for this response and is dropped (with
//     a warning), the remaining cookie attributes preserved.
//   - Location: an absolute URL whose authority is
//     scheme://legacyHostname is rewritten to scheme://realOriginAuthority.
//   - every other header passes through unchanged.
//
// The returned header set does not yet carry the CORS header §4.10
// adds "before emitting the first body byte" — see AddCORSHeader,
// applied separately so callers can control exactly when it's added.
func RewriteHeaders(upstream http.Header, scheme, legacyHostname, realOriginAuthority string) (http.Header, []string) {
	out := make(http.Header, len(upstream))
	var warnings []string

	for key, values := range upstream {
		switch http.CanonicalHeaderKey(key) {
		case "Set-Cookie":
			for _, v := range values {
				rewritten, ok := rewriteCookieDomain(v, legacyHostname, realOriginAuthority)
				if !ok {
					warnings = append(warnings, "dropped Set-Cookie with Domain invalid for this response: "+v)
					continue
				}
				out.Add("Set-Cookie", rewritten)
			}
		case "Location":
			for _, v := range values {
				out.Add("Location", rewriteLocation(v, scheme, legacyHostname, realOriginAuthority))
			}
		default:
			for _, v := range values {
				out.Add(key, v)
			}
		}
	}

	return out, warnings
}

// AddCORSHeader adds the Access-Control-Allow-Origin header §4.10
// requires before any body byte is sent, literally as specified:
// scheme://legacyHostname (the origin third-party scripts on the page
// may be addressing directly).
func AddCORSHeader(h http.Header, scheme, legacyHostname string) {
	h.Set("Access-Control-Allow-Origin", scheme+"://"+legacyHostname)
}

// StripAcceptEncoding empties the request's Accept-Encoding header
// before forwarding upstream, per §4.10 ("the rewriter does not
// implement gzip decoding").
func StripAcceptEncoding(h http.Header) {
	h.Del("Accept-Encoding")
}

func domainMatchesOrIsSuffixOf(domain, host string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	host = strings.ToLower(host)
	if domain == host {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// rewriteCookieDomain parses a single Set-Cookie line's attributes
// well enough to replace a Domain attribute, preserving every other
// attribute and the name=value pair verbatim.
func rewriteCookieDomain(setCookie, legacyHostname, realOriginAuthority string) (string, bool) {
	parts := strings.Split(setCookie, ";")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(trimmed), "domain=") {
			continue
		}
		domain := trimmed[len("domain="):]
		if !domainMatchesOrIsSuffixOf(domain, legacyHostname) {
			return "", false
		}
		leading := part[:len(part)-len(strings.TrimLeft(part, " "))]
		parts[i] = leading + "Domain=" + realOriginAuthority
		return strings.Join(parts, ";"), true
	}
	// No Domain attribute at all: nothing to rewrite, pass through.
	return setCookie, true
}

// rewriteLocation rewrites an absolute Location URL whose authority
// is scheme://legacyHostname to scheme://realOriginAuthority, leaving
// relative URLs and URLs pointing elsewhere untouched.
func rewriteLocation(location, scheme, legacyHostname, realOriginAuthority string) string {
	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() {
		return location
	}
	if !strings.EqualFold(u.Scheme, scheme) || !strings.EqualFold(u.Host, legacyHostname) {
		return location
	}
	u.Scheme = scheme
	u.Host = realOriginAuthority
	return u.String()
}
