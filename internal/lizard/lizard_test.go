package lizard

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

const sampleOutput = `NLOC,CCN,token,PARAM,length,location,file,function,long_name,start,end
12,3,88,2,14,"deposit@10-23@v2-foundry/src/Vault.sol","v2-foundry/src/Vault.sol","deposit","deposit( uint256 amount , address to )",10,23
4,1,20,0,4,"constructor@5-8@./v2-foundry/src/Token.sol","./v2-foundry/src/Token.sol","constructor","constructor( )",5,8
not,a,metric,row,at,all,x,y,z,1,2
short,row
`

func TestParseOutput(t *testing.T) {
	rows, err := ParseOutput(strings.NewReader(sampleOutput))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, model.FunctionMetric{
		NLOC: 12, CCN: 3, TokenCount: 88, ParameterCount: 2, Length: 14,
		Location:     "deposit@10-23@v2-foundry/src/Vault.sol",
		File:         "v2-foundry/src/Vault.sol",
		FunctionName: "deposit",
		Signature:    "deposit( uint256 amount , address to )",
		StartLine:    10, EndLine: 23,
	}, rows[0])
	assert.Equal(t, "v2-foundry/src/Token.sol", rows[1].File)
}

func TestParseOutput_TabSeparated(t *testing.T) {
	out := "7\t2\t30\t1\t9\tf@1-9@a.sol\ta.sol\tf\tf( x )\t1\t9\n"
	rows, err := ParseOutput(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0].NLOC)
	assert.Equal(t, "a.sol", rows[0].File)
	assert.Equal(t, 9, rows[0].EndLine)
}

func TestWriteReadFunctions(t *testing.T) {
	rows, err := ParseOutput(strings.NewReader(sampleOutput))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "functions.csv")
	require.NoError(t, WriteFunctions(path, rows))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "NLOC,CCN,token,Param,Length,location,File,function_name,signature_func,line_start,line_end\n"))

	back, err := ReadFunctions(path)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestReadFunctions_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "functions.csv")
	require.NoError(t, os.WriteFile(path, []byte("File,NLOC\na.sol,3\n"), 0o644))
	_, err := ReadFunctions(path)
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSourceFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Vault.sol"), "")
	writeFile(t, filepath.Join(root, "scripts", "deploy.ts"), "")
	writeFile(t, filepath.Join(root, "README.md"), "")
	writeFile(t, filepath.Join(root, ".git", "hooks", "x.py"), "")
	writeFile(t, filepath.Join(root, "lib", "forge-std", "Test.sol"), "")

	files, err := SourceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/forge-std/Test.sol", "scripts/deploy.ts", "src/Vault.sol"}, files)
}

func TestProjectRoots(t *testing.T) {
	audit := t.TempDir()
	writeFile(t, filepath.Join(audit, "b-repo", "x.sol"), "")
	writeFile(t, filepath.Join(audit, "a-repo", "x.sol"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(audit, "c-repo.partial"), 0o755))

	roots, err := ProjectRoots(audit)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(audit, "a-repo"), filepath.Join(audit, "b-repo")}, roots)

	flat := t.TempDir()
	writeFile(t, filepath.Join(flat, "x.sol"), "")
	roots, err = ProjectRoots(flat)
	require.NoError(t, err)
	assert.Equal(t, []string{flat}, roots)
}

// fakeLizard writes a shell script that prints one metric row per file
// argument and fails when any argument contains "broken".
func fakeLizard(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	script := `#!/bin/sh
for f in "$@"; do
  case "$f" in *broken*) echo "cannot parse $f" >&2; exit 2;; esac
done
for f in "$@"; do
  [ "$f" = "--csv" ] && continue
  echo "3,1,12,0,3,\"fn@1-3@$f\",\"$f\",\"fn\",\"fn( )\",1,3"
done
`
	path := filepath.Join(t.TempDir(), "lizard")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunner_ChunksAndSkipsFailures(t *testing.T) {
	r := NewRunner(fakeLizard(t), 1, zerolog.Nop())
	rows, err := r.Run(context.Background(), t.TempDir(), []string{"a.sol", "broken.sol", "c.sol"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.sol", rows[0].File)
	assert.Equal(t, "c.sol", rows[1].File)
}

func TestRunner_MeasureAudit(t *testing.T) {
	l := dataset.New(t.TempDir())
	writeFile(t, filepath.Join(l.RepoDir("2022-05-alchemix", "v2-foundry"), "src", "Vault.sol"), "contract V {}")
	writeFile(t, filepath.Join(l.RepoDir("2022-05-alchemix", "v2-foundry"), "test", "Vault.t.sol"), "contract T {}")
	writeFile(t, filepath.Join(l.RepoDir("2022-05-alchemix", "docs"), "README.md"), "")

	r := NewRunner(fakeLizard(t), 3000, zerolog.Nop())
	rows, err := r.MeasureAudit(context.Background(), l, "2022-05-alchemix")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v2-foundry/src/Vault.sol", rows[0].File)
	assert.Equal(t, "v2-foundry/test/Vault.t.sol", rows[1].File)

	back, err := ReadFunctions(l.FunctionsFile("2022-05-alchemix"))
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestRunner_MeasureAuditWithoutSources(t *testing.T) {
	l := dataset.New(t.TempDir())
	writeFile(t, filepath.Join(l.RepoDir("2021-01-empty", "docs"), "README.md"), "")

	r := NewRunner(fakeLizard(t), 10, zerolog.Nop())
	_, err := r.MeasureAudit(context.Background(), l, "2021-01-empty")
	assert.ErrorIs(t, err, ErrNoFunctions)
	assert.NoFileExists(t, l.FunctionsFile("2021-01-empty"))
}

func TestRunner_MeasureAuditWithoutRepositories(t *testing.T) {
	l := dataset.New(t.TempDir())
	r := NewRunner("lizard", 0, zerolog.Nop())
	_, err := r.MeasureAudit(context.Background(), l, "2021-04-norepo")
	assert.ErrorIs(t, err, ErrNoFunctions)
	assert.NoFileExists(t, l.FunctionsFile("2021-04-norepo"))
}

func TestRun_NotFound(t *testing.T) {
	res, err := run(context.Background(), "nonexistent-lizard-12345", nil, "")
	assert.Error(t, err)
	assert.Equal(t, 127, res.ExitCode)
}
