package sandbox

import (
	"strings"

	"github.com/opensandbox/runbox/pkg/types"
)

// LanguageConfig describes how one language is executed inside a sandbox.
//
// Source is always staged as a file in scratch and the runner invoked
// with its path. Compiled languages add a compile step as a separate
// jail invocation inside the same sandbox; build artifacts land in the
// hidden buildDir under the scratch mount so they survive between the
// two invocations and stay out of the output scan.
type LanguageConfig struct {
	Code       types.Language
	Name       string
	SourceFile string   // staged filename inside /mnt/data
	RunCmd     []string // command for the run step; {file} is the staged source
	CompileCmd []string // command for the compile step; nil for interpreted
	// TimeoutMult scales the request wall-clock for the compile step;
	// heavier toolchains get more headroom.
	TimeoutMult float64
	UID         int
	BindPaths   []string          // read-only runtime paths bound into the jail
	Env         map[string]string // sanitized environment whitelist
}

// buildDir is the per-sandbox directory for compile artifacts, relative
// to the scratch mount. Dot-prefixed so output scans skip it.
const buildDir = "/mnt/data/.runbox"

const progPath = buildDir + "/prog"

var baseEnv = map[string]string{
	"PATH":   "/usr/local/bin:/usr/bin:/bin",
	"HOME":   "/tmp",
	"TMPDIR": "/tmp",
}

var languages = map[types.Language]*LanguageConfig{
	types.LangPython: {
		Code:        types.LangPython,
		Name:        "Python",
		SourceFile:  "code.py",
		RunCmd:      []string{"python3", "{file}"},
		TimeoutMult: 1.0,
		UID:         2001,
		BindPaths:   []string{"/usr/local/lib/python3", "/usr/local/bin/python3", "/usr/local/bin/python"},
		Env: map[string]string{
			"PYTHONUNBUFFERED":        "1",
			"PYTHONDONTWRITEBYTECODE": "1",
			"PYTHONPATH":              "/mnt/data",
			"MPLCONFIGDIR":            "/tmp/mplconfig",
			"XDG_CACHE_HOME":          "/tmp/.cache",
			"MPLBACKEND":              "Agg",
		},
	},
	types.LangJavaScript: {
		Code:        types.LangJavaScript,
		Name:        "JavaScript",
		SourceFile:  "code.js",
		RunCmd:      []string{"node", "{file}"},
		TimeoutMult: 1.0,
		UID:         2002,
		BindPaths:   []string{"/usr/local/bin/node", "/usr/local/lib/node_modules"},
		Env:         map[string]string{"NODE_PATH": "/usr/local/lib/node_modules", "NODE_ENV": "sandbox"},
	},
	types.LangTypeScript: {
		Code:        types.LangTypeScript,
		Name:        "TypeScript",
		SourceFile:  "code.ts",
		CompileCmd:  []string{"tsc", "{file}", "--outDir", buildDir, "--module", "commonjs", "--target", "ES2019"},
		RunCmd:      []string{"node", buildDir + "/code.js"},
		TimeoutMult: 1.2,
		UID:         2003,
		BindPaths:   []string{"/usr/local/bin/node", "/usr/local/bin/tsc", "/usr/local/lib/node_modules"},
		Env:         map[string]string{"NODE_PATH": "/usr/local/lib/node_modules"},
	},
	types.LangGo: {
		Code:        types.LangGo,
		Name:        "Go",
		SourceFile:  "code.go",
		CompileCmd:  []string{"go", "build", "-o", progPath, "{file}"},
		RunCmd:      []string{progPath},
		TimeoutMult: 1.5,
		UID:         2004,
		BindPaths:   []string{"/usr/local/go"},
		Env: map[string]string{
			"GO111MODULE": "off",
			"GOCACHE":     buildDir + "/go-build",
			"PATH":        "/usr/local/go/bin:/usr/local/bin:/usr/bin:/bin",
		},
	},
	types.LangJava: {
		Code:        types.LangJava,
		Name:        "Java",
		SourceFile:  "Code.java",
		CompileCmd:  []string{"javac", "-d", buildDir, "{file}"},
		RunCmd:      []string{"java", "-cp", buildDir + ":/opt/java/lib/*", "Code"},
		TimeoutMult: 2.0,
		UID:         2005,
		BindPaths:   []string{"/opt/java", "/usr/lib/jvm"},
		Env: map[string]string{
			"CLASSPATH": "/mnt/data:/opt/java/lib/*",
			"JAVA_OPTS": "-Xmx512m -Xms128m",
			"PATH":      "/opt/java/openjdk/bin:/usr/local/bin:/usr/bin:/bin",
		},
	},
	types.LangC: {
		Code:        types.LangC,
		Name:        "C",
		SourceFile:  "code.c",
		CompileCmd:  []string{"gcc", "-o", progPath, "{file}"},
		RunCmd:      []string{progPath},
		TimeoutMult: 1.5,
		UID:         2006,
		Env:         map[string]string{"CC": "gcc"},
	},
	types.LangCpp: {
		Code:        types.LangCpp,
		Name:        "C++",
		SourceFile:  "code.cpp",
		CompileCmd:  []string{"g++", "-o", progPath, "{file}"},
		RunCmd:      []string{progPath},
		TimeoutMult: 1.5,
		UID:         2007,
		Env:         map[string]string{"CXX": "g++"},
	},
	types.LangPHP: {
		Code:        types.LangPHP,
		Name:        "PHP",
		SourceFile:  "code.php",
		RunCmd:      []string{"php", "{file}"},
		TimeoutMult: 1.0,
		UID:         2008,
		BindPaths:   []string{"/usr/local/etc/php", "/usr/local/bin/php", "/usr/local/lib/php"},
		Env:         map[string]string{"PHP_INI_SCAN_DIR": "/usr/local/etc/php/conf.d"},
	},
	types.LangRust: {
		Code:        types.LangRust,
		Name:        "Rust",
		SourceFile:  "code.rs",
		CompileCmd:  []string{"rustc", "{file}", "-o", progPath},
		RunCmd:      []string{progPath},
		TimeoutMult: 3.0,
		UID:         2009,
		BindPaths:   []string{"/usr/local/cargo", "/usr/local/rustup"},
		Env: map[string]string{
			"CARGO_HOME":  "/usr/local/cargo",
			"RUSTUP_HOME": "/usr/local/rustup",
			"PATH":        "/usr/local/cargo/bin:/usr/local/bin:/usr/bin:/bin",
		},
	},
	types.LangR: {
		Code:        types.LangR,
		Name:        "R",
		SourceFile:  "code.r",
		RunCmd:      []string{"Rscript", "{file}"},
		TimeoutMult: 1.5,
		UID:         2010,
		BindPaths:   []string{"/usr/local/lib/R", "/usr/lib/R"},
		Env:         map[string]string{"R_LIBS_USER": "/usr/local/lib/R/site-library"},
	},
	types.LangFortran: {
		Code:        types.LangFortran,
		Name:        "Fortran",
		SourceFile:  "code.f90",
		CompileCmd:  []string{"gfortran", "-o", progPath, "{file}"},
		RunCmd:      []string{progPath},
		TimeoutMult: 2.0,
		UID:         2011,
		Env:         map[string]string{"FC": "gfortran"},
	},
	types.LangD: {
		Code:        types.LangD,
		Name:        "D",
		SourceFile:  "code.d",
		CompileCmd:  []string{"ldc2", "{file}", "-of=" + progPath},
		RunCmd:      []string{progPath},
		TimeoutMult: 2.0,
		UID:         2012,
		BindPaths:   []string{"/usr/lib/ldc", "/usr/bin/ldc2", "/usr/bin/ldmd2"},
	},
}

// GetLanguage returns the config for a language code, or nil.
func GetLanguage(code types.Language) *LanguageConfig {
	return languages[types.Language(strings.ToLower(strings.TrimSpace(string(code))))]
}

// IsSupported reports whether the language code is one of the twelve.
func IsSupported(code types.Language) bool {
	return GetLanguage(code) != nil
}

// SupportedLanguages returns all language codes.
func SupportedLanguages() []types.Language {
	out := make([]types.Language, 0, len(languages))
	for code := range languages {
		out = append(out, code)
	}
	return out
}

// SandboxEnv merges the base environment whitelist with the language's
// own variables. Language entries win.
func (lc *LanguageConfig) SandboxEnv() map[string]string {
	env := make(map[string]string, len(baseEnv)+len(lc.Env))
	for k, v := range baseEnv {
		env[k] = v
	}
	for k, v := range lc.Env {
		env[k] = v
	}
	return env
}

// Compiled reports whether this language has a separate compile step.
func (lc *LanguageConfig) Compiled() bool {
	return len(lc.CompileCmd) > 0
}

// expandCmd substitutes the staged source path for the {file} token.
func expandCmd(cmd []string, file string) []string {
	out := make([]string, len(cmd))
	for i, a := range cmd {
		out[i] = strings.ReplaceAll(a, "{file}", file)
	}
	return out
}
