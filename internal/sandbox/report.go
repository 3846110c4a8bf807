package sandbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Op is a file-system operation kind.
type Op string

const (
	OpRead      Op = "read"
	OpWrite     Op = "write"
	OpProbe     Op = "probe"
	OpEnumerate Op = "enumerate"
	OpExec      Op = "exec"
	OpDelete    Op = "delete"
)

// Valid reports whether op is a known kind.
func (op Op) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpProbe, OpEnumerate, OpExec, OpDelete:
		return true
	}
	return false
}

// IsWrite reports whether op mutates the file system.
func (op Op) IsWrite() bool {
	return op == OpWrite || op == OpDelete
}

// AccessReport is one observed file-system operation.
type AccessReport struct {
	Op   Op     `json:"op"`
	Path string `json:"path"`
	PID  int    `json:"pid"`
	// EnqueueTime is monotonic time since the monitor started at which the
	// listener received the report.
	EnqueueTime time.Duration `json:"-"`
	// Seq numbers the reports of one pip from 1 in arrival order.
	Seq uint64 `json:"-"`
}

// ParseReport decodes one wire line. Relative paths are rejected; the
// shim resolves them against the process working directory before sending.
func ParseReport(line []byte) (AccessReport, error) {
	var r AccessReport
	if err := json.Unmarshal(line, &r); err != nil {
		return AccessReport{}, fmt.Errorf("decode access report: %w", err)
	}
	if !r.Op.Valid() {
		return AccessReport{}, fmt.Errorf("unknown access op %q", r.Op)
	}
	if !filepath.IsAbs(r.Path) {
		return AccessReport{}, fmt.Errorf("access report path %q is not absolute", r.Path)
	}
	r.Path = filepath.Clean(r.Path)
	return r, nil
}

// AccessPolicy is handed to the process in HERMETIC_POLICY so a cooperating
// shim can enforce it. The monitor itself only observes.
type AccessPolicy struct {
	ReadRoots  []string `json:"read_roots,omitempty"`
	WriteRoots []string `json:"write_roots,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
}

const (
	// ReportFD is the child file descriptor the report pipe is attached to.
	ReportFD = 3
	// EnvReportFD names the variable announcing ReportFD to the child.
	EnvReportFD = "HERMETIC_REPORT_FD"
	// EnvPolicy names the variable carrying the JSON AccessPolicy.
	EnvPolicy = "HERMETIC_POLICY"
)
