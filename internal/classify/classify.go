// Package classify sorts measured files into Code, Test, DeployScript,
// ExternalDependency or Other and rolls their NLOC up per audit.
package classify

import (
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/lucianasi/C4Audit/internal/model"
)

var (
	externalDepDirs = []string{
		"node_modules", "out", "artifacts", "build", "cache",
		".openzeppelin", "venv", "__pycache__", "dependencies",
		"@openzeppelin", "gitmodules",
	}
	testDirs = []string{
		"test", "tests", "testing", "integration-tests", "spec",
		"mock", "mocks", "harness", "certora", "helper", "helpers",
	}
	deployDirs  = []string{"deploy", "deployment", "deployments", "script", "scripts", "tasks", "migrations"}
	codeFolders = []string{"src", "contracts"}
	scriptExts  = []string{".js", ".ts", ".py", ".mjs", ".cjs"}
)

// PathParts lowercases p, drops empty and dot segments and then the first
// strip segments (unless that would leave nothing).
func PathParts(p string, strip int) []string {
	return lower(rawParts(p, strip))
}

// rawParts is PathParts without lowercasing, so camel case boundaries
// survive for tokenize.
func rawParts(p string, strip int) []string {
	var parts []string
	for _, s := range strings.Split(strings.ReplaceAll(p, `\`, "/"), "/") {
		if s == "" || s == "." || s == ".." {
			continue
		}
		parts = append(parts, s)
	}
	if strip > 0 && len(parts) > strip {
		parts = parts[strip:]
	}
	return parts
}

// tokenize splits a path segment into lowercase words on '-', '_', '.' and
// camel case boundaries: "ERC20Mock.sol" gives erc20, mock, sol.
func tokenize(seg string) []string {
	var out []string
	for _, piece := range strings.FieldsFunc(seg, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	}) {
		rs := []rune(piece)
		start := 0
		for i := 1; i < len(rs); i++ {
			prev, cur := rs[i-1], rs[i]
			if !unicode.IsUpper(cur) {
				continue
			}
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				out = append(out, strings.ToLower(string(rs[start:i])))
				start = i
			}
		}
		out = append(out, strings.ToLower(string(rs[start:])))
	}
	return out
}

// matchesAny reports whether a segment, or one of its words, is a term.
func matchesAny(segments, terms []string) bool {
	for _, s := range segments {
		if slices.Contains(terms, strings.ToLower(s)) || anyIn(tokenize(s), terms) {
			return true
		}
	}
	return false
}

func dirs(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	return parts[:len(parts)-1]
}

func base(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func anyIn(segments, terms []string) bool {
	for _, s := range segments {
		if slices.Contains(terms, s) {
			return true
		}
	}
	return false
}

// codeBeforeLib reports whether a lib directory exists and whether a src or
// contracts directory precedes it.
func codeBeforeLib(d []string) (hasLib, underCode bool) {
	i := slices.Index(d, "lib")
	if i < 0 {
		return false, false
	}
	return true, anyIn(d[:i], codeFolders)
}

func isExternalDependency(raw []string) bool {
	if matchesAny(dirs(raw), externalDepDirs) {
		return true
	}
	hasLib, underCode := codeBeforeLib(dirs(lower(raw)))
	return hasLib && !underCode
}

func isTestFile(raw []string) bool {
	if matchesAny(raw, testDirs) {
		return true
	}
	name := strings.ToLower(base(raw))
	if strings.HasSuffix(name, ".t.sol") {
		return true
	}
	return strings.HasPrefix(name, "mock") || strings.HasPrefix(name, "test")
}

func isDeployOrScript(raw []string) bool {
	if matchesAny(raw, deployDirs) {
		return true
	}
	return slices.Contains(scriptExts, path.Ext(strings.ToLower(base(raw))))
}

func lower(parts []string) []string {
	out := make([]string, len(parts))
	for i, s := range parts {
		out[i] = strings.ToLower(s)
	}
	return out
}

// HasCodeFolder reports whether any of the paths sits under src/ or
// contracts/. Repositories without one get .sol files counted as Code
// wherever they are.
func HasCodeFolder(paths []string, strip int) bool {
	for _, p := range paths {
		if anyIn(dirs(PathParts(p, strip)), codeFolders) {
			return true
		}
	}
	return false
}

// Classify assigns a class to one file path. Rules apply in order:
// external dependency, test, deploy script, code folder, bare .sol.
func Classify(p string, strip int, hasCodeFolder bool) model.SourceClass {
	raw := rawParts(p, strip)
	parts := lower(raw)
	d := dirs(parts)
	isSol := strings.HasSuffix(base(parts), ".sol")

	switch {
	case isExternalDependency(raw):
		return model.ClassExternalDependency
	case isTestFile(raw):
		return model.ClassTest
	case isDeployOrScript(raw):
		return model.ClassDeployScript
	}

	if anyIn(d, codeFolders) {
		if hasLib, underCode := codeBeforeLib(d); hasLib && underCode {
			return model.ClassCode
		}
		if isSol {
			return model.ClassCode
		}
		return model.ClassOther
	}

	if isSol && !hasCodeFolder {
		return model.ClassCode
	}
	return model.ClassOther
}
