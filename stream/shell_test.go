package stream

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		command string
		isShell bool
	}{
		{"BangMarker", "!pip install numpy", "pip install numpy", true},
		{"DollarMarker", "$ ls -la", "ls -la", true},
		{"CellMagic", "%%bash\necho one\necho two", "echo one\necho two", true},
		{"LineMagic", "%sh uname -a", "uname -a", true},
		{"VerbWithArgs", "git clone https://example.com/repo.git", "git clone https://example.com/repo.git", true},
		{"BareVerb", "pwd", "pwd", true},
		{"LeadingWhitespace", "  ls\n", "ls", true},
		{"PythonCode", `print("hello")`, "", false},
		{"AssignmentToVerbName", "ls = [1, 2]", "", false},
		{"CallOfVerbName", "cat(1)", "", false},
		{"AttributeOfVerbName", "git.Repo('.')", "", false},
		{"AugmentedAssignment", "ls += [3]", "", false},
		{"SpacedCall", "cat (1)", "", false},
		{"ParentDir", "cd ..", "cd ..", true},
		{"CurrentDir", "ls .", "ls .", true},
		{"RelativePath", "cat ./file.txt", "cat ./file.txt", true},
		{"DotfileArgument", "cat .env", "cat .env", true},
		{"HiddenDirectory", "ls -la .config", "ls -la .config", true},
		{"DashArgument", "cd -", "cd -", true},
		{"MoreVerbs", "sed -n 1p file.txt", "sed -n 1p file.txt", true},
		{"VerbPrefixOnly", "lsblk", "", false},
		{"UnterminatedQuote", `echo "oops`, "", false},
		{"EmptyMarker", "!", "", false},
		{"Empty", "   ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, ok := ShellCommand(tt.code)
			assert.Equal(t, tt.isShell, ok)
			assert.Equal(t, tt.command, command)
		})
	}
}

func TestTemplateLanguage(t *testing.T) {
	tests := map[string]string{
		"code-interpreter-v1": LanguagePython,
		"python-3.12":         LanguagePython,
		"nodejs":              LanguageNodeJS,
		"javascript-runtime":  LanguageNodeJS,
		"base":                LanguageBash,
		"bash-tools":          LanguageBash,
		"desktop":             "",
		"":                    "",
	}
	for template, expected := range tests {
		t.Run(template, func(t *testing.T) {
			assert.Equal(t, expected, TemplateLanguage(template))
		})
	}
}

func TestPrepareCode(t *testing.T) {
	t.Run("PythonTemplate", func(t *testing.T) {
		code := PrepareCode("code-interpreter-v1", `!echo "it's"`)
		assert.Contains(t, code, "_sp.Popen(\"echo \\\"it's\\\"\", shell=True")
		assert.Contains(t, code, "raise SystemExit")
	})

	t.Run("NodeTemplate", func(t *testing.T) {
		code := PrepareCode("nodejs", "npm install left-pad")
		assert.Contains(t, code, `spawn("npm install left-pad", { shell: true`)
	})

	t.Run("BashTemplate", func(t *testing.T) {
		assert.Equal(t, "ls -la", PrepareCode("base", "$ ls -la"))
	})

	t.Run("UnknownTemplate", func(t *testing.T) {
		assert.Equal(t, "!ls", PrepareCode("desktop", "!ls"))
	})

	t.Run("NotShell", func(t *testing.T) {
		assert.Equal(t, "x = 1", PrepareCode("code-interpreter-v1", "x = 1"))
	})
}

// lockedBuffer lets a test hand one buffer to both pipes of a process.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShellWrappers(t *testing.T) {
	interpreters := []struct {
		template string
		argv     []string
	}{
		{"code-interpreter-v1", []string{"python3", "-c"}},
		{"nodejs", []string{"node", "-e"}},
	}

	for _, in := range interpreters {
		t.Run(in.template, func(t *testing.T) {
			if _, err := exec.LookPath(in.argv[0]); err != nil {
				t.Skipf("%s not available", in.argv[0])
			}
			if _, err := exec.LookPath("sh"); err != nil {
				t.Skip("sh not available")
			}

			run := func(t *testing.T, command string, stdout, stderr *lockedBuffer) error {
				t.Helper()
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
				defer cancel()
				code := PrepareCode(in.template, "!"+command)
				cmd := exec.CommandContext(ctx, in.argv[0], append(in.argv[1:], code)...)
				cmd.Stdout = stdout
				cmd.Stderr = stderr
				err := cmd.Run()
				require.NoError(t, ctx.Err(), "wrapper did not finish")
				return err
			}

			t.Run("LargeStderr", func(t *testing.T) {
				var stdout, stderr lockedBuffer
				err := run(t, "head -c 200000 /dev/zero | tr '\\0' x >&2; echo done", &stdout, &stderr)
				require.NoError(t, err)
				assert.Equal(t, "done\n", stdout.String())
				assert.Equal(t, 200000, len(stderr.String()))
			})

			t.Run("KeepsOrder", func(t *testing.T) {
				var combined lockedBuffer
				err := run(t, "echo out1; sleep 0.3; echo err1 >&2; sleep 0.3; echo out2", &combined, &combined)
				require.NoError(t, err)
				assert.Equal(t, "out1\nerr1\nout2\n", combined.String())
			})

			t.Run("ExitStatus", func(t *testing.T) {
				var stdout, stderr lockedBuffer
				err := run(t, "echo failing >&2; exit 3", &stdout, &stderr)
				var exitErr *exec.ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, 3, exitErr.ExitCode())
				assert.Equal(t, "failing", strings.TrimSpace(stderr.String()))
			})
		})
	}
}
