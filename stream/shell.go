package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/kballard/go-shellquote"
)

// Template languages
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageBash   = "bash"
)

var shellVerbs = map[string]struct{}{
	"apt": {}, "apt-get": {}, "awk": {}, "bash": {}, "bun": {}, "cargo": {},
	"cat": {}, "cd": {}, "chmod": {}, "chown": {}, "conda": {}, "cp": {},
	"curl": {}, "deno": {}, "df": {}, "diff": {}, "du": {}, "echo": {},
	"env": {}, "export": {}, "find": {}, "gcc": {}, "git": {}, "go": {},
	"grep": {}, "gzip": {}, "head": {}, "jq": {}, "kill": {}, "ln": {},
	"ls": {}, "make": {}, "mkdir": {}, "mv": {}, "node": {}, "npm": {},
	"npx": {}, "pip": {}, "pip3": {}, "printenv": {}, "ps": {}, "pwd": {},
	"python": {}, "python3": {}, "rm": {}, "sed": {}, "sh": {}, "sleep": {},
	"tail": {}, "tar": {}, "touch": {}, "tree": {}, "uname": {}, "unzip": {},
	"uv": {}, "wc": {}, "wget": {}, "which": {}, "whoami": {}, "xargs": {},
	"yarn": {}, "zip": {},
}

// TemplateLanguage maps a sandbox template to the language its interpreter
// runs. Unknown templates return "".
func TemplateLanguage(template string) string {
	t := strings.ToLower(template)
	switch {
	case strings.Contains(t, "python"), strings.HasPrefix(t, "code-interpreter"):
		return LanguagePython
	case strings.Contains(t, "node"), strings.Contains(t, "javascript"):
		return LanguageNodeJS
	case t == "base", strings.Contains(t, "bash"), strings.Contains(t, "shell"):
		return LanguageBash
	default:
		return ""
	}
}

// ShellCommand reports whether code is a shell command rather than source
// for the template's interpreter, and returns the command text with any
// shell marker removed. The check is a heuristic.
func ShellCommand(code string) (string, bool) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", false
	}

	if cmd, ok := stripMarker(trimmed); ok {
		return cmd, cmd != ""
	}

	verb := trimmed
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		verb = trimmed[:i]
	}
	if _, ok := shellVerbs[verb]; !ok {
		return "", false
	}

	if usesVerbAsName(strings.TrimLeftFunc(trimmed[len(verb):], unicode.IsSpace)) {
		return "", false
	}
	if _, err := shellquote.Split(trimmed); err != nil {
		return "", false
	}
	return trimmed, true
}

// usesVerbAsName reports whether the text following a verb makes the line an
// assignment or call in the interpreter's language, as in "ls += [2]".
// Path arguments such as ".." stay shell.
func usesVerbAsName(rest string) bool {
	if rest == "" {
		return false
	}
	switch rest[0] {
	case '=', '(':
		return true
	}
	if len(rest) >= 2 && rest[1] == '=' && strings.ContainsRune("+-*/%|&^", rune(rest[0])) {
		return true
	}
	return false
}

func stripMarker(code string) (string, bool) {
	switch {
	case strings.HasPrefix(code, "%%bash"), strings.HasPrefix(code, "%%sh"):
		_, body, _ := strings.Cut(code, "\n")
		return strings.TrimSpace(body), true
	case strings.HasPrefix(code, "%sh "):
		return strings.TrimSpace(strings.TrimPrefix(code, "%sh ")), true
	case strings.HasPrefix(code, "!"):
		return strings.TrimSpace(strings.TrimPrefix(code, "!")), true
	case strings.HasPrefix(code, "$ "):
		return strings.TrimSpace(strings.TrimPrefix(code, "$ ")), true
	default:
		return "", false
	}
}

// PrepareCode rewrites shell commands so the interpreter of template runs
// them. Anything else is returned unchanged.
func PrepareCode(template, code string) string {
	cmd, ok := ShellCommand(code)
	if !ok {
		return code
	}

	switch TemplateLanguage(template) {
	case LanguagePython:
		return fmt.Sprintf(pythonShellWrapper, quote(cmd))
	case LanguageNodeJS:
		return fmt.Sprintf(nodeShellWrapper, quote(cmd))
	case LanguageBash:
		return cmd
	default:
		return code
	}
}

// quote renders s as a string literal valid in both Python and JavaScript.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// pythonShellWrapper pumps stderr on a thread while the main thread pumps
// stdout, so neither pipe can fill up and lines surface as they are written.
const pythonShellWrapper = `import subprocess as _sp, sys as _sys, threading as _th
_proc = _sp.Popen(%s, shell=True, stdin=_sp.DEVNULL, stdout=_sp.PIPE, stderr=_sp.PIPE, text=True, bufsize=1)
def _pump(_src, _dst):
    for _line in _src:
        print(_line, end="", file=_dst, flush=True)
_t = _th.Thread(target=_pump, args=(_proc.stderr, _sys.stderr), daemon=True)
_t.start()
_pump(_proc.stdout, _sys.stdout)
_t.join()
if _proc.wait() != 0:
    raise SystemExit(_proc.returncode)
`

const nodeShellWrapper = `{
  const _proc = require("child_process").spawn(%s, { shell: true, stdio: ["ignore", "pipe", "pipe"] });
  _proc.stdout.on("data", (chunk) => process.stdout.write(chunk));
  _proc.stderr.on("data", (chunk) => process.stderr.write(chunk));
  _proc.on("close", (code) => {
    if (code !== 0) process.exitCode = code === null ? 1 : code;
  });
}
`
