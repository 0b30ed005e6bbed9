// Package version reports build information embedded by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// ModuleInfo is one dependency of the binary.
type ModuleInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	GoVersion    string       `json:"go_version"`
	Module       string       `json:"module"`
	Version      string       `json:"version"`
	Commit       string       `json:"commit,omitempty"`
	Dependencies []ModuleInfo `json:"dependencies"`
}

// Current reads the build metadata of the running binary. A binary built
// without module information reports "unknown" fields rather than failing.
func Current() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{GoVersion: "unknown", Module: "unknown", Version: "unknown"}
	}

	out := &BuildInfo{
		GoVersion:    info.GoVersion,
		Module:       info.Path,
		Version:      info.Main.Version,
		Dependencies: make([]ModuleInfo, 0, len(info.Deps)),
	}
	if out.Version == "" || out.Version == "(devel)" {
		out.Version = "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			out.Commit = setting.Value
		}
	}

	for _, dep := range info.Deps {
		mod := ModuleInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			mod.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, mod)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})
	return out
}
