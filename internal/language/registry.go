// Package language is the static catalog of supported languages: runtime
// image, source file name, setup and run commands, and default resource
// limits. The registry is populated once at startup and read-only after
// that; adding a language means adding a table entry here and nothing else.
package language

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// ErrNotSupported is returned by Lookup for unknown language ids.
var ErrNotSupported = errors.New("language not supported")

// Spec describes how to execute one language. Immutable: Lookup hands out
// deep copies so callers can never mutate the catalog.
type Spec struct {
	// ID is the canonical language identifier (e.g. "python").
	ID string

	// Name is the human-readable display name.
	Name string

	// Image is the runtime container image.
	Image string

	// FileName is the source file name inside /app, extension included.
	FileName string

	// SetupCommands are shell commands run once after code injection,
	// before the run command.
	SetupCommands []string

	// RunCommand is the argv started in /app.
	RunCommand []string

	// SyntaxCheck is the argv for a compile/parse-only validation pass,
	// with "{{file}}" standing in for the source file. Nil means the
	// language has no syntax-only mode.
	SyntaxCheck []string

	// Timeout is the default wall-clock limit.
	Timeout time.Duration

	// MemoryBytes is the default memory limit.
	MemoryBytes int64

	// Entrypoint names a structural requirement the preparer must
	// guarantee (e.g. a class named "Main"). Empty for most languages.
	Entrypoint string

	// AuxFiles are extra files injected alongside the source (e.g. a
	// project manifest), keyed by file name.
	AuxFiles map[string]string
}

// Extension returns the file extension of the spec's source file.
func (s Spec) Extension() string {
	if i := strings.LastIndex(s.FileName, "."); i >= 0 {
		return s.FileName[i:]
	}
	return ""
}

// Registry is the keyed language catalog.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds the built-in catalog.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec, len(builtins))}
	for _, s := range builtins {
		r.specs[s.ID] = s
	}
	return r
}

// Lookup resolves a language id (aliases included) to its spec. The
// returned Spec is a copy.
func (r *Registry) Lookup(id string) (Spec, error) {
	s, ok := r.specs[Normalize(id)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotSupported, id)
	}
	return copySpec(s), nil
}

// List returns all specs sorted by id.
func (r *Registry) List() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, copySpec(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of supported languages.
func (r *Registry) Len() int {
	return len(r.specs)
}

// Normalize maps common aliases onto canonical language ids.
func Normalize(id string) string {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "js", "node", "nodejs", "javascript":
		return "javascript"
	case "ts", "typescript":
		return "typescript"
	case "py", "python3", "python":
		return "python"
	case "golang", "go":
		return "go"
	case "c++", "cpp":
		return "cpp"
	case "c#", "cs", "csharp":
		return "csharp"
	case "rb", "ruby":
		return "ruby"
	case "rs", "rust":
		return "rust"
	case "sh", "shell", "bash":
		return "bash"
	default:
		return strings.ToLower(strings.TrimSpace(id))
	}
}

func copySpec(s Spec) Spec {
	out := s
	out.SetupCommands = append([]string(nil), s.SetupCommands...)
	out.RunCommand = append([]string(nil), s.RunCommand...)
	out.SyntaxCheck = append([]string(nil), s.SyntaxCheck...)
	if s.AuxFiles != nil {
		out.AuxFiles = make(map[string]string, len(s.AuxFiles))
		for k, v := range s.AuxFiles {
			out.AuxFiles[k] = v
		}
	}
	return out
}

const csprojManifest = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <OutputType>Exe</OutputType>
    <TargetFramework>net7.0</TargetFramework>
  </PropertyGroup>
</Project>`

var builtins = []Spec{
	{
		ID:          "python",
		Name:        "Python",
		Image:       "python:3.11-slim",
		FileName:    "code.py",
		RunCommand:  []string{"python", "-u", "/app/code.py"},
		SyntaxCheck: []string{"python", "-m", "py_compile", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:          "javascript",
		Name:        "JavaScript",
		Image:       "node:18-alpine",
		FileName:    "code.js",
		RunCommand:  []string{"node", "/app/code.js"},
		SyntaxCheck: []string{"node", "--check", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:            "typescript",
		Name:          "TypeScript",
		Image:         "node:18-alpine",
		FileName:      "code.ts",
		SetupCommands: []string{"npm install -g typescript ts-node"},
		RunCommand:    []string{"sh", "-c", "npx ts-node /app/code.ts"},
		Timeout:       30 * time.Second,
		MemoryBytes:   128 * units.MiB,
	},
	{
		ID:          "java",
		Name:        "Java",
		Image:       "openjdk:11-jdk-slim",
		FileName:    "Main.java",
		RunCommand:  []string{"sh", "-c", "cd /app && javac Main.java && java Main"},
		SyntaxCheck: []string{"javac", "-d", "/app", "{{file}}"},
		Timeout:     45 * time.Second,
		MemoryBytes: 256 * units.MiB,
		Entrypoint:  "Main",
	},
	{
		ID:          "cpp",
		Name:        "C++",
		Image:       "gcc:latest",
		FileName:    "code.cpp",
		RunCommand:  []string{"sh", "-c", "cd /app && g++ -o main code.cpp && ./main"},
		SyntaxCheck: []string{"g++", "-fsyntax-only", "{{file}}"},
		Timeout:     45 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:          "c",
		Name:        "C",
		Image:       "gcc:latest",
		FileName:    "code.c",
		RunCommand:  []string{"sh", "-c", "cd /app && gcc -o main code.c && ./main"},
		SyntaxCheck: []string{"gcc", "-fsyntax-only", "{{file}}"},
		Timeout:     45 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:          "go",
		Name:        "Go",
		Image:       "golang:1.21-alpine",
		FileName:    "code.go",
		RunCommand:  []string{"go", "run", "/app/code.go"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:          "rust",
		Name:        "Rust",
		Image:       "rust:latest",
		FileName:    "code.rs",
		RunCommand:  []string{"sh", "-c", "cd /app && rustc code.rs && ./code"},
		Timeout:     60 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:          "php",
		Name:        "PHP",
		Image:       "php:8.2-cli",
		FileName:    "code.php",
		RunCommand:  []string{"php", "/app/code.php"},
		SyntaxCheck: []string{"php", "-l", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:          "ruby",
		Name:        "Ruby",
		Image:       "ruby:3.2-alpine",
		FileName:    "code.rb",
		RunCommand:  []string{"ruby", "/app/code.rb"},
		SyntaxCheck: []string{"ruby", "-c", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:            "csharp",
		Name:          "C#",
		Image:         "mcr.microsoft.com/dotnet/sdk:7.0",
		FileName:      "code.cs",
		SetupCommands: []string{"dotnet new console -n app --force"},
		RunCommand:    []string{"sh", "-c", "cd /app && dotnet run"},
		Timeout:       45 * time.Second,
		MemoryBytes:   256 * units.MiB,
		Entrypoint:    "Main",
		AuxFiles:      map[string]string{"app.csproj": csprojManifest},
	},
	{
		ID:          "swift",
		Name:        "Swift",
		Image:       "swift:5.8",
		FileName:    "code.swift",
		RunCommand:  []string{"swift", "/app/code.swift"},
		Timeout:     45 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:       "kotlin",
		Name:     "Kotlin",
		Image:    "openjdk:11-jdk-slim",
		FileName: "code.kt",
		SetupCommands: []string{
			"apt-get update && apt-get install -y wget unzip && wget -O kotlin.zip https://github.com/JetBrains/kotlin/releases/download/v1.9.0/kotlin-compiler-1.9.0.zip && unzip kotlin.zip && mv kotlinc /opt/ && ln -s /opt/kotlinc/bin/kotlinc /usr/local/bin/kotlinc",
		},
		RunCommand:  []string{"sh", "-c", "cd /app && kotlinc code.kt -include-runtime -d code.jar && java -jar code.jar"},
		Timeout:     60 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:          "scala",
		Name:        "Scala",
		Image:       "hseeberger/scala-sbt:11.0.16_1.7.1_2.13.8",
		FileName:    "code.scala",
		RunCommand:  []string{"scala", "/app/code.scala"},
		Timeout:     60 * time.Second,
		MemoryBytes: 512 * units.MiB,
	},
	{
		ID:          "r",
		Name:        "R",
		Image:       "r-base:latest",
		FileName:    "code.r",
		RunCommand:  []string{"Rscript", "/app/code.r"},
		Timeout:     45 * time.Second,
		MemoryBytes: 256 * units.MiB,
	},
	{
		ID:          "perl",
		Name:        "Perl",
		Image:       "perl:latest",
		FileName:    "code.pl",
		RunCommand:  []string{"perl", "/app/code.pl"},
		SyntaxCheck: []string{"perl", "-c", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:          "lua",
		Name:        "Lua",
		Image:       "nickblah/lua:5.4-alpine",
		FileName:    "code.lua",
		RunCommand:  []string{"lua", "/app/code.lua"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
	{
		ID:          "bash",
		Name:        "Bash",
		Image:       "bash:latest",
		FileName:    "code.sh",
		RunCommand:  []string{"bash", "/app/code.sh"},
		SyntaxCheck: []string{"bash", "-n", "{{file}}"},
		Timeout:     30 * time.Second,
		MemoryBytes: 128 * units.MiB,
	},
}
