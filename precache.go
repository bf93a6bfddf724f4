package assetcache

import "strings"

// DefaultStaticPrefix is the path prefix of static files.
// Only requests below it are answered by the worker.
const DefaultStaticPrefix = "/static/"

// DefaultPrecache lists the URLs precached on install, besides static files.
var DefaultPrecache = []string{
	"/manifest.json",
}

// DefaultPrecacheStatic lists the static files precached on install.
// They are relative to the static prefix.
var DefaultPrecacheStatic = []string{
	"tracker/pwa/icon-192.png",
	"tracker/pwa/icon-512.png",
	"tracker/logo.png",
	"tracker/default-avatar.png",
}

// StaticURL resolves a static file name against the static prefix,
// e.g. "tracker/logo.png" becomes "/static/tracker/logo.png".
func StaticURL(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(name, "/")
}

// PrecacheList returns the full, ordered precache list:
// the plain URLs first, then the resolved static files.
func PrecacheList(prefix string, urls, static []string) []string {
	list := make([]string, 0, len(urls)+len(static))
	list = append(list, urls...)
	for _, name := range static {
		list = append(list, StaticURL(prefix, name))
	}
	return list
}
