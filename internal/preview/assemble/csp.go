package assemble

import (
	"net/url"
	"strings"
)

// SandboxAttr is the capability set granted to rendered previews: script
// execution and same-origin storage only. No top navigation, popups,
// forms, or modals. Widening this is the highest-impact regression in the
// preview pipeline; change it only together with the isolation model.
const SandboxAttr = "allow-scripts allow-same-origin"

// Policy builds the Content-Security-Policy for a preview document. The
// backend origin is added to connect-src so previews can reach the
// application's own API.
func Policy(backendURL string) string {
	connect := "'self'"
	if origin := backendOrigin(backendURL); origin != "" {
		connect += " " + origin
	}

	directives := []string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: blob:",
		"font-src 'self'",
		"connect-src " + connect,
		"frame-src 'none'",
		"object-src 'none'",
		"media-src 'none'",
		"base-uri 'none'",
		"form-action 'none'",
	}
	return strings.Join(directives, "; ") + ";"
}

// SecurityHeaders returns the response headers a server must send with a
// preview document. The header policy also carries the sandbox directive so
// a document opened outside its iframe gets the same capabilities.
func SecurityHeaders(backendURL string) map[string]string {
	return map[string]string{
		"Content-Security-Policy": Policy(backendURL) + " sandbox " + SandboxAttr + ";",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
	}
}

// backendOrigin reduces a configured backend URL to scheme://host[:port].
// Anything that is not an absolute http(s) URL is dropped.
func backendOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return ""
	}
	if strings.ContainsAny(u.Host, " ;'\"<>") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
