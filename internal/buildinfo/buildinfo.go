// Package buildinfo exposes version metadata set with -ldflags, falling back
// to the VCS stamp the Go toolchain embeds.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	commit, builtAt := Commit, BuiltAt
	goVersion := ""
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}
	return map[string]string{
		"service": "fleetsync",
		"version": Version,
		"commit":  commit,
		"builtAt": builtAt,
		"go":      goVersion,
	}
}
