package procmeta

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMetadata describes a running process.
type ProcessMetadata struct {
	Name        string
	Executable  string
	Args        []string
	CmdlineFull string
}

// Read collects the metadata of pid from /proc. The executable link is often
// unreadable for other users' processes; that is not an error.
func Read(pid uint32) (*ProcessMetadata, error) {
	//nolint:gosec // pids fit in int32
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	name, err := p.Name()
	if err != nil {
		return nil, fmt.Errorf("process %d name: %w", pid, err)
	}
	md := &ProcessMetadata{Name: name}

	if exe, err := p.Exe(); err == nil {
		md.Executable = exe
	}
	if args, err := p.CmdlineSlice(); err == nil {
		md.Args = args
		md.CmdlineFull = strings.Join(args, " ")
	}
	return md, nil
}
