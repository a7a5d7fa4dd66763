// Package procstat reads per-process CPU accounting from a procfs tree.
package procstat

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const DefaultProcDir = "/proc"

// ClockTicks is the kernel's USER_HZ, the unit of the stat time fields.
const ClockTicks = 100

// Field positions in /proc/<pid>/stat counted after the closing paren of
// the command name.
const (
	fieldUTime     = 11
	fieldSTime     = 12
	fieldStartTime = 19
)

type Process struct {
	PID       int32
	Command   string
	UTime     uint64 // clock ticks in user mode
	STime     uint64 // clock ticks in kernel mode
	StartTime uint64 // clock ticks after boot
}

// CPUTime is the total user and system time the process has used.
func (p Process) CPUTime() time.Duration {
	ticks := p.UTime + p.STime
	return time.Duration(ticks) * time.Second / ClockTicks
}

// StartedAfterBoot is how long after boot the process started.
func (p Process) StartedAfterBoot() time.Duration {
	return time.Duration(p.StartTime) * time.Second / ClockTicks
}

// List reads every numeric entry under dir. Processes that exit or cannot be
// read while listing are skipped.
func List(fsys afero.Fs, dir string) ([]Process, error) {
	d, err := fsys.Open(dir)
	if err != nil {
		return nil, xerrors.Errorf("open dir %q: %w", dir, err)
	}
	defer d.Close()

	entries, err := d.Readdirnames(0)
	if err != nil {
		return nil, xerrors.Errorf("readdirnames: %w", err)
	}

	processes := make([]Process, 0, len(entries))
	for _, entry := range entries {
		pid, err := strconv.ParseInt(entry, 10, 32)
		if err != nil {
			continue
		}

		data, err := afero.ReadFile(fsys, filepath.Join(dir, entry, "stat"))
		if err != nil {
			if skippable(err) {
				continue
			}
			return nil, xerrors.Errorf("read stat: %w", err)
		}

		p, err := ParseStat(string(data))
		if err != nil {
			continue
		}
		p.PID = int32(pid)
		processes = append(processes, p)
	}

	return processes, nil
}

func skippable(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var errNo syscall.Errno
	return xerrors.As(err, &errNo) && (errNo == syscall.EPERM || errNo == syscall.ESRCH)
}

// ParseStat parses the contents of a stat file. The command name may itself
// contain spaces and parentheses, so it runs to the last ')'.
func ParseStat(content string) (Process, error) {
	open := strings.IndexByte(content, '(')
	closing := strings.LastIndexByte(content, ')')
	if open < 0 || closing < open {
		return Process{}, xerrors.New("malformed stat: missing command name")
	}

	fields := strings.Fields(content[closing+1:])
	if len(fields) <= fieldStartTime {
		return Process{}, xerrors.Errorf("malformed stat: %d fields after command", len(fields))
	}

	utime, err := strconv.ParseUint(fields[fieldUTime], 10, 64)
	if err != nil {
		return Process{}, xerrors.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[fieldSTime], 10, 64)
	if err != nil {
		return Process{}, xerrors.Errorf("parse stime: %w", err)
	}
	start, err := strconv.ParseUint(fields[fieldStartTime], 10, 64)
	if err != nil {
		return Process{}, xerrors.Errorf("parse starttime: %w", err)
	}

	return Process{
		Command:   strings.TrimSpace(content[open+1 : closing]),
		UTime:     utime,
		STime:     stime,
		StartTime: start,
	}, nil
}

// Top returns up to n processes with the most CPU time, highest first. Ties
// are broken by PID.
func Top(processes []Process, n int) []Process {
	sorted := make([]Process, len(processes))
	copy(sorted, processes)

	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].CPUTime(), sorted[j].CPUTime()
		if ci != cj {
			return ci > cj
		}
		return sorted[i].PID < sorted[j].PID
	})

	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
