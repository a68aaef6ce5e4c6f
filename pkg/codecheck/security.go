package codecheck

import (
	"fmt"
	"regexp"
	"strings"
)

// securityRule pairs a detection pattern with a generic description. The
// description names the capability, not the offending source, so a crafted
// candidate cannot smuggle payloads into violation messages.
type securityRule struct {
	pattern *regexp.Regexp
	what    string
}

// securityRules forbids capabilities regardless of how they are reached.
// Direct calls are the obvious case; the indirection entries catch the same
// capabilities invoked by name through reflection or dynamic dispatch.
var securityRules = []securityRule{
	// Process and command execution.
	{regexp.MustCompile("`"), "shell command execution via backticks"},
	{regexp.MustCompile(`%x[({\[]`), "shell command execution via %x"},
	{regexp.MustCompile(`\bsystem\s*[\(\s"':]`), "process execution via system"},
	{regexp.MustCompile(`\bexec\s*[\(\s"']`), "process execution via exec"},
	{regexp.MustCompile(`\bspawn\s*[\(\s"']`), "process execution via spawn"},
	{regexp.MustCompile(`\bfork\b`), "process creation via fork"},
	{regexp.MustCompile(`\bProcess\s*\.`), "direct Process manipulation"},
	{regexp.MustCompile(`\bOpen3\b`), "subprocess execution via Open3"},
	{regexp.MustCompile(`\bPTY\b`), "pseudo-terminal process execution"},

	// File and socket I/O.
	{regexp.MustCompile(`\bFile\s*\.`), "direct file access"},
	{regexp.MustCompile(`\bIO\s*\.`), "direct IO access"},
	{regexp.MustCompile(`\bDir\s*\.`), "directory access"},
	{regexp.MustCompile(`\bFileUtils\b`), "filesystem manipulation via FileUtils"},
	{regexp.MustCompile(`\bopen\s*[\(\s"']`), "arbitrary resource open"},
	{regexp.MustCompile(`\b(?:TCP|UDP|UNIX)(?:Socket|Server)\b`), "raw socket access"},
	{regexp.MustCompile(`\bSocket\s*\.`), "raw socket access"},
	{regexp.MustCompile(`\bNet::`), "direct network library access"},

	// Dynamic code evaluation.
	{regexp.MustCompile(`\beval\s*[\(\s"']`), "dynamic code evaluation via eval"},
	{regexp.MustCompile(`\b(?:instance|class|module)_eval\b`), "dynamic code evaluation via *_eval"},
	{regexp.MustCompile(`\b(?:instance|class|module)_exec\b`), "dynamic code evaluation via *_exec"},
	{regexp.MustCompile(`\bbinding\b`), "binding capture for deferred evaluation"},
	{regexp.MustCompile(`\bRubyVM\b`), "virtual machine introspection"},

	// Dynamic module loading.
	{regexp.MustCompile(`\brequire(?:_relative)?\s*[\(\s"']`), "dynamic module require"},
	{regexp.MustCompile(`\bload\s*[\(\s"']`), "dynamic module load"},
	{regexp.MustCompile(`\bautoload\s*[\(\s:]`), "deferred module autoload"},

	// Constant and method redefinition or removal.
	{regexp.MustCompile(`\bdefine_method\b`), "dynamic method definition"},
	{regexp.MustCompile(`\b(?:remove|undef)_method\b`), "method removal"},
	{regexp.MustCompile(`\balias_method\b`), "method aliasing"},
	{regexp.MustCompile(`\bconst_set\b`), "constant redefinition"},
	{regexp.MustCompile(`\bremove_const\b`), "constant removal"},

	// Process termination.
	{regexp.MustCompile(`\bexit!?\b`), "process termination via exit"},
	{regexp.MustCompile(`\babort\s*[\(\s"']`), "process termination via abort"},
	{regexp.MustCompile(`\bat_exit\b`), "exit hook installation"},

	// Load-path mutation.
	{regexp.MustCompile(`\$LOAD_PATH`), "load path mutation"},
	{regexp.MustCompile(`\$:\s*(?:<<|\.|=)`), "load path mutation"},

	// Invoke-by-name indirection. These make every other rule bypassable,
	// so they are forbidden outright.
	{regexp.MustCompile(`\b(?:__send__|public_send|send)\s*[\(\s:]`), "dynamic dispatch via send"},
	{regexp.MustCompile(`\bmethod\s*\(?\s*:`), "method object capture"},
	{regexp.MustCompile(`\bconst_get\b`), "dynamic constant lookup"},
	{regexp.MustCompile(`\binstance_variable_(?:get|set)\b`), "instance variable reflection"},
	{regexp.MustCompile(`\bObjectSpace\b`), "heap object enumeration"},
	{regexp.MustCompile(`\bKernel\s*\.`), "direct Kernel access"},
}

// checkSecurity runs the static security pass over the candidate. String
// literals and comments are stripped first so their contents never trigger
// findings, with one exception: interpolation inside double-quoted strings
// is executable and stays scannable.
func checkSecurity(code string) []Violation {
	var violations []Violation

	for i, line := range strings.Split(code, "\n") {
		scannable := stripInertText(line)
		if strings.TrimSpace(scannable) == "" {
			continue
		}
		for _, rule := range securityRules {
			if rule.pattern.MatchString(scannable) {
				violations = append(violations, Violation{
					Kind:    KindSecurityViolation,
					Line:    i + 1,
					Message: fmt.Sprintf("forbidden construct: %s", rule.what),
				})
			}
		}
	}

	return violations
}

// stripInertText removes the non-executable parts of a source line: comment
// tails, single-quoted string contents, and double-quoted string contents.
// Interpolated expressions (#{...}) inside double-quoted strings are kept,
// since they execute. Backticks are left in place; they are themselves a
// forbidden construct.
func stripInertText(line string) string {
	var out strings.Builder
	i := 0
	n := len(line)

	for i < n {
		c := line[i]
		switch c {
		case '#':
			// Comment to end of line (interpolation is handled inside the
			// double-quote branch before we ever see its '#').
			return out.String()
		case '\'':
			// Single-quoted: fully inert, skip to closing quote. A space
			// placeholder preserves token boundaries around the literal.
			out.WriteByte(' ')
			i++
			for i < n && line[i] != '\'' {
				if line[i] == '\\' {
					i++
				}
				i++
			}
			i++ // closing quote
		case '"':
			// Double-quoted: inert except for #{...} interpolation.
			out.WriteByte(' ')
			i++
			for i < n && line[i] != '"' {
				if line[i] == '\\' {
					i += 2
					continue
				}
				if line[i] == '#' && i+1 < n && line[i+1] == '{' {
					i += 2
					out.WriteByte(' ')
					for i < n && line[i] != '}' {
						out.WriteByte(line[i])
						i++
					}
					out.WriteByte(' ')
					i++ // closing brace
					continue
				}
				i++
			}
			i++ // closing quote
		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String()
}
