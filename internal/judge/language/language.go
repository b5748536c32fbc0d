// Package language holds the static registry of supported languages:
// filenames, command templates, multipliers, and compile-step limits.
package language

import (
	"math"
	"sort"
	"strings"

	"arbiter/internal/judge/sandbox/spec"
	"arbiter/pkg/errors"

	"github.com/google/shlex"
)

// Profile describes how one language is compiled and executed.
type Profile struct {
	ID         string
	Name       string
	SourceFile string
	BinaryFile string

	CompileEnabled bool
	// Templates are expanded with {src}, {bin} and {extraFlags} and then
	// split with shell quoting rules. Paths are relative to the box
	// working directory.
	CompileCmdTpl string
	RunCmdTpl     string
	Env           []string

	// Multipliers scale per-problem time and memory limits for languages
	// with slower runtimes. Zero means no scaling.
	TimeMultiplier   float64
	MemoryMultiplier float64

	// CompileLimits bound the compile step; run limits come from the
	// problem metadata.
	CompileLimits spec.Limits

	SeccompProfile string
}

var defaultCompileLimits = spec.Limits{
	WallTimeMs: 10000,
	CPUTimeMs:  10000,
	MemoryKB:   1024 * 1024,
	FileSizeKB: 64 * 1024,
	Processes:  64,
}

var registry = map[string]Profile{
	"cpp": {
		ID:             "cpp",
		Name:           "C++17 (g++)",
		SourceFile:     "main.cpp",
		BinaryFile:     "main",
		CompileEnabled: true,
		CompileCmdTpl:  "g++ -O2 -std=c++17 -pipe -static {extraFlags} -o {bin} {src}",
		RunCmdTpl:      "./{bin}",
		CompileLimits:  defaultCompileLimits,
		SeccompProfile: "native.json",
	},
	"c": {
		ID:             "c",
		Name:           "C11 (gcc)",
		SourceFile:     "main.c",
		BinaryFile:     "main",
		CompileEnabled: true,
		CompileCmdTpl:  "gcc -O2 -std=c11 -pipe -static {extraFlags} -o {bin} {src}",
		RunCmdTpl:      "./{bin}",
		CompileLimits:  defaultCompileLimits,
		SeccompProfile: "native.json",
	},
	"java": {
		ID:               "java",
		Name:             "Java 17",
		SourceFile:       "Main.java",
		BinaryFile:       "Main.class",
		CompileEnabled:   true,
		CompileCmdTpl:    "javac -encoding UTF-8 {src}",
		RunCmdTpl:        "java -XX:+UseSerialGC -Xss64m Main",
		TimeMultiplier:   2,
		MemoryMultiplier: 2,
		CompileLimits: spec.Limits{
			WallTimeMs: 20000,
			CPUTimeMs:  20000,
			MemoryKB:   2 * 1024 * 1024,
			FileSizeKB: 64 * 1024,
			Processes:  128,
		},
		SeccompProfile: "jvm.json",
	},
	"python": {
		ID:               "python",
		Name:             "Python 3",
		SourceFile:       "main.py",
		CompileEnabled:   false,
		RunCmdTpl:        "python3 {src}",
		TimeMultiplier:   3,
		MemoryMultiplier: 2,
		SeccompProfile:   "python.json",
	},
	"go": {
		ID:             "go",
		Name:           "Go",
		SourceFile:     "main.go",
		BinaryFile:     "main",
		CompileEnabled: true,
		CompileCmdTpl:  "go build -o {bin} {src}",
		RunCmdTpl:      "./{bin}",
		Env:            []string{"GOCACHE=/tmp/gocache", "GOFLAGS=-mod=mod", "HOME=/tmp"},
		TimeMultiplier: 2,
		CompileLimits: spec.Limits{
			WallTimeMs: 30000,
			CPUTimeMs:  30000,
			MemoryKB:   2 * 1024 * 1024,
			FileSizeKB: 256 * 1024,
			Processes:  128,
		},
		SeccompProfile: "native.json",
	},
}

// Lookup returns the profile for a language id.
func Lookup(id string) (Profile, bool) {
	p, ok := registry[id]
	return p, ok
}

// IDs returns the supported language ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CompileCommand expands and splits the compile template.
// extraFlags must already be filtered by the caller.
func (p Profile) CompileCommand(extraFlags []string) ([]string, error) {
	if !p.CompileEnabled {
		return nil, errors.Newf(errors.InvalidParams, "language %s has no compile step", p.ID)
	}
	return expandTemplate(p.CompileCmdTpl, p, extraFlags)
}

// RunCommand expands and splits the run template.
func (p Profile) RunCommand() ([]string, error) {
	return expandTemplate(p.RunCmdTpl, p, nil)
}

func expandTemplate(tpl string, p Profile, extraFlags []string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", p.SourceFile)
	expanded = strings.ReplaceAll(expanded, "{bin}", p.BinaryFile)
	if strings.Contains(expanded, "{extraFlags}") {
		expanded = strings.ReplaceAll(expanded, "{extraFlags}", strings.Join(extraFlags, " "))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, errors.New(errors.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

// MergeLimits overlays nonzero override fields on base.
func MergeLimits(base, override spec.Limits) spec.Limits {
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.MemoryKB > 0 {
		base.MemoryKB = override.MemoryKB
	}
	if override.StackKB > 0 {
		base.StackKB = override.StackKB
	}
	if override.FileSizeKB > 0 {
		base.FileSizeKB = override.FileSizeKB
	}
	if override.Processes > 0 {
		base.Processes = override.Processes
	}
	return base
}

// ScaleLimits applies the profile's time and memory multipliers.
func (p Profile) ScaleLimits(limits spec.Limits) spec.Limits {
	limits.WallTimeMs = scale(limits.WallTimeMs, p.TimeMultiplier)
	limits.CPUTimeMs = scale(limits.CPUTimeMs, p.TimeMultiplier)
	limits.MemoryKB = scale(limits.MemoryKB, p.MemoryMultiplier)
	return limits
}

func scale(value int64, multiplier float64) int64 {
	if value <= 0 || multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
