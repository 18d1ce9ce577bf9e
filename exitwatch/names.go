package exitwatch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Exit statuses for a malformed process list file.
const (
	ExitBadFieldCount = 5 // line is not exactly key:value
	ExitBadIdentifier = 6 // key is not group/program, or value is empty
)

// SyntaxError is returned when a line of a process list file is malformed. The
// listener must not run with a half-understood list, so Code is meant to be
// used as the process exit status.
type SyntaxError struct {
	File string
	Line string
	Code int
}

func (err *SyntaxError) Error() string {
	return fmt.Sprintf("syntax of the line %q in processes file %q is incorrect", err.Line, err.File)
}

// NameSet holds the names the listener cares about. It is built once at
// startup and never modified.
type NameSet struct {
	criticalGroups   map[string]struct{}
	criticalPrograms map[string]struct{}
	watchedPrograms  map[string]struct{}
}

// NewNameSet creates a NameSet from the given lists.
func NewNameSet(criticalGroups, criticalPrograms, watchedPrograms []string) *NameSet {
	return &NameSet{
		criticalGroups:   toSet(criticalGroups),
		criticalPrograms: toSet(criticalPrograms),
		watchedPrograms:  toSet(watchedPrograms),
	}
}

// LoadNameSet reads the critical processes file and the optional watchdog
// processes file. A missing watchdog file yields no watched programs; a
// missing critical file is an error. Group entries of the watchdog file are
// accepted but unused.
func LoadNameSet(criticalFile, watchFile string) (*NameSet, error) {
	groups, programs, err := ReadGroupsAndPrograms(criticalFile)
	if err != nil {
		return nil, err
	}

	var watched []string

	_, watchedPrograms, err := ReadGroupsAndPrograms(watchFile)
	switch {
	case err == nil:
		watched = watchedPrograms
	case errors.Is(err, os.ErrNotExist):
		// optional
	default:
		return nil, err
	}

	return NewNameSet(groups, programs, watched), nil
}

// IsCritical returns true if either the program or its group is critical.
func (s *NameSet) IsCritical(program, group string) bool {
	_, ok := s.criticalPrograms[program]
	if !ok {
		_, ok = s.criticalGroups[group]
	}
	return ok
}

// IsWatched returns true if the program's heartbeat is monitored.
func (s *NameSet) IsWatched(program string) bool {
	_, ok := s.watchedPrograms[program]
	return ok
}

// ReadGroupsAndPrograms reads a process list file, returning group and program
// names in file order.
func ReadGroupsAndPrograms(path string) (groups, programs []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open processes file")
	}
	defer f.Close()

	groups, programs, err = ParseGroupsAndPrograms(f)
	if err != nil {
		var synErr *SyntaxError
		if errors.As(err, &synErr) {
			synErr.File = path
		}
		return nil, nil, err
	}

	return groups, programs, nil
}

// ParseGroupsAndPrograms parses lines of the form group:<name> or
// program:<name>. Blank lines are skipped; anything else is a *SyntaxError.
func ParseGroupsAndPrograms(r io.Reader) (groups, programs []string, err error) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 2 {
			return nil, nil, &SyntaxError{Line: line, Code: ExitBadFieldCount}
		}

		key := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])

		switch {
		case value == "":
			return nil, nil, &SyntaxError{Line: line, Code: ExitBadIdentifier}
		case key == "group":
			groups = append(groups, value)
		case key == "program":
			programs = append(programs, value)
		default:
			return nil, nil, &SyntaxError{Line: line, Code: ExitBadIdentifier}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read processes file")
	}

	return groups, programs, nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
