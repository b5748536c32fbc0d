package language

import (
	"reflect"
	"sort"
	"testing"

	"arbiter/internal/judge/sandbox/spec"
	appErr "arbiter/pkg/errors"
)

func TestLookup(t *testing.T) {
	t.Parallel()
	p, ok := Lookup("cpp")
	if !ok {
		t.Fatal("cpp not registered")
	}
	if p.SourceFile != "main.cpp" || !p.CompileEnabled {
		t.Fatalf("cpp profile = %+v", p)
	}
	if _, ok := Lookup("cobol"); ok {
		t.Fatal("unknown language reported as registered")
	}
}

func TestIDsAreSorted(t *testing.T) {
	t.Parallel()
	ids := IDs()
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not sorted: %v", ids)
	}
	for _, want := range []string{"c", "cpp", "go", "java", "python"} {
		if _, ok := Lookup(want); !ok {
			t.Errorf("%s missing from registry", want)
		}
	}
}

func TestCompileCommandExpansion(t *testing.T) {
	t.Parallel()
	p, _ := Lookup("cpp")
	cmd, err := p.CompileCommand([]string{"-DONLINE_JUDGE"})
	if err != nil {
		t.Fatalf("compile command: %v", err)
	}
	want := []string{"g++", "-O2", "-std=c++17", "-pipe", "-static", "-DONLINE_JUDGE", "-o", "main", "main.cpp"}
	if !reflect.DeepEqual(cmd, want) {
		t.Fatalf("cmd = %v, want %v", cmd, want)
	}
}

func TestCompileCommandWithoutExtraFlags(t *testing.T) {
	t.Parallel()
	p, _ := Lookup("c")
	cmd, err := p.CompileCommand(nil)
	if err != nil {
		t.Fatalf("compile command: %v", err)
	}
	for _, arg := range cmd {
		if arg == "" {
			t.Fatalf("empty argument leaked into %v", cmd)
		}
	}
}

func TestCompileCommandRejectsInterpretedLanguage(t *testing.T) {
	t.Parallel()
	p, _ := Lookup("python")
	if _, err := p.CompileCommand(nil); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("error = %v, want InvalidParams", err)
	}
}

func TestRunCommandExpansion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		id   string
		want []string
	}{
		{"cpp", []string{"./main"}},
		{"python", []string{"python3", "main.py"}},
		{"java", []string{"java", "-XX:+UseSerialGC", "-Xss64m", "Main"}},
	}
	for _, tc := range cases {
		p, _ := Lookup(tc.id)
		cmd, err := p.RunCommand()
		if err != nil {
			t.Fatalf("%s run command: %v", tc.id, err)
		}
		if !reflect.DeepEqual(cmd, tc.want) {
			t.Fatalf("%s cmd = %v, want %v", tc.id, cmd, tc.want)
		}
	}
}

func TestMergeLimits(t *testing.T) {
	t.Parallel()
	base := spec.Limits{WallTimeMs: 2000, CPUTimeMs: 1000, MemoryKB: 65536, FileSizeKB: 16384, Processes: 1}
	merged := MergeLimits(base, spec.Limits{CPUTimeMs: 500, MemoryKB: 131072})
	if merged.CPUTimeMs != 500 || merged.MemoryKB != 131072 {
		t.Fatalf("overrides not applied: %+v", merged)
	}
	if merged.WallTimeMs != 2000 || merged.FileSizeKB != 16384 || merged.Processes != 1 {
		t.Fatalf("zero overrides clobbered base: %+v", merged)
	}
}

func TestScaleLimits(t *testing.T) {
	t.Parallel()
	limits := spec.Limits{WallTimeMs: 2000, CPUTimeMs: 1000, MemoryKB: 65536}

	java, _ := Lookup("java")
	scaled := java.ScaleLimits(limits)
	if scaled.CPUTimeMs != 2000 || scaled.WallTimeMs != 4000 || scaled.MemoryKB != 131072 {
		t.Fatalf("java scaling = %+v", scaled)
	}

	// cpp has no multipliers; limits pass through untouched.
	cpp, _ := Lookup("cpp")
	if got := cpp.ScaleLimits(limits); got != limits {
		t.Fatalf("cpp scaling changed limits: %+v", got)
	}
}

func TestScaleLimitsRoundsUp(t *testing.T) {
	t.Parallel()
	python, _ := Lookup("python")
	scaled := python.ScaleLimits(spec.Limits{CPUTimeMs: 333})
	if scaled.CPUTimeMs != 999 {
		t.Fatalf("cpu = %d, want 999", scaled.CPUTimeMs)
	}
}
