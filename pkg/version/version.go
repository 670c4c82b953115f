// Package version derives the runner's build identity. The commit is
// resolved once at init: an -ldflags override wins (container builds
// have no .git), then the VCS stamp from debug.ReadBuildInfo, then
// "dev". A locally modified tree gets a "-dirty" suffix so mixed
// deployments are tellable apart.
package version

import "runtime/debug"

// AppName appears in version strings, the status API, and the
// User-Agent sent to the record store.
const AppName = "rcrt-runner"

// commitOverride is injected with
// -ldflags "-X .../pkg/version.commitOverride=<sha>".
var commitOverride string

// GitCommit is the short commit hash, or "dev" when no build metadata
// is available (go test, builds outside a checkout).
var GitCommit = resolve()

// Full returns "rcrt-runner/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

func resolve() string {
	if commitOverride != "" {
		return short(commitOverride)
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision == "" {
		return "dev"
	}
	if modified == "true" {
		return short(revision) + "-dirty"
	}
	return short(revision)
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
