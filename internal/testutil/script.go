package testutil

import (
	"fmt"
	"strings"

	"github.com/roach88/hermetic/internal/sandbox"
)

// Script builds a /bin/sh program that reports its own file accesses on
// the sandbox report descriptor, the way an interposition shim would.
type Script struct {
	lines []string
}

// NewScript starts an empty script.
func NewScript() *Script { return &Script{} }

// Report emits one access report without touching the file.
func (s *Script) Report(op sandbox.Op, path string) *Script {
	s.lines = append(s.lines, fmt.Sprintf(
		`printf '{"op":"%s","path":"%%s","pid":%%d}\n' %s $$ >&%d`,
		op, shellQuote(path), sandbox.ReportFD))
	return s
}

// Copy reads src and writes its content to dst, reporting both accesses.
func (s *Script) Copy(src, dst string) *Script {
	s.Report(sandbox.OpRead, src).Report(sandbox.OpWrite, dst)
	s.lines = append(s.lines, fmt.Sprintf("cat %s > %s", shellQuote(src), shellQuote(dst)))
	return s
}

// Write writes content to dst and reports the write.
func (s *Script) Write(dst, content string) *Script {
	s.Report(sandbox.OpWrite, dst)
	s.lines = append(s.lines, fmt.Sprintf("printf '%%s' %s > %s", shellQuote(content), shellQuote(dst)))
	return s
}

// Line appends a raw shell line.
func (s *Script) Line(line string) *Script {
	s.lines = append(s.lines, line)
	return s
}

// String renders the program.
func (s *Script) String() string {
	return strings.Join(s.lines, "\n") + "\n"
}

// Args returns the /bin/sh arguments that run the script.
func (s *Script) Args() []string {
	return []string{"-c", s.String()}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
