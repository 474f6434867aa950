// Package task parses the ordered implementation task list of a feature.
//
// A task artifact is markdown made of repeated blocks:
//
//	## Task 1: Create user model
//	- [ ] Add the User struct and migrations
//
//	## Task 2: Add login endpoint
//	- [x] Wire POST /login
//
// Everything between two headers is the task description. A task is
// completed when its body has at least one checked marker and no
// unchecked marker. Ids must be sequential starting at 1; gaps and
// duplicates are rejected with ErrTaskFormat.
package task

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// FileName is the task artifact name inside a feature's spec directory.
const FileName = "tasks.md"

var (
	headerPattern = regexp.MustCompile(`^##\s+Task\s+(\d+)\s*:\s*(.*?)\s*$`)
	markerPattern = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]`)
)

// Task is one unit of implementation work.
type Task struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// Parse reads and parses the task artifact at path.
func Parse(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewNotFoundError("task artifact", path).WithCause(err)
		}
		return nil, errors.Wrapf(err, "failed to read task artifact %s", path)
	}
	return ParseString(string(data))
}

// ParseString parses task artifact content. Content without any task header
// yields an empty list.
func ParseString(content string) ([]Task, error) {
	var (
		tasks   []Task
		current *Task
		body    []string
		checked bool
		open    bool
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Description = strings.TrimSpace(strings.Join(body, "\n"))
		current.Completed = checked && !open
		tasks = append(tasks, *current)
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			flush()

			id, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, formatError(fmt.Sprintf("task id %q is not a number", m[1]))
			}
			want := len(tasks) + 1
			if id != want {
				return nil, formatError(fmt.Sprintf("expected task %d, found task %d", want, id))
			}

			current = &Task{ID: id, Title: m[2]}
			body = body[:0]
			checked, open = false, false
			continue
		}

		if current == nil {
			continue
		}
		if m := markerPattern.FindStringSubmatch(line); m != nil {
			if m[1] == " " {
				open = true
			} else {
				checked = true
			}
		}
		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan task artifact")
	}
	flush()

	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

func formatError(msg string) error {
	return errors.NewValidationError(msg + "; task ids must be sequential starting at 1").
		WithField("tasks").
		WithCause(errors.ErrTaskFormat)
}

// MarkCompleted flips every unchecked marker in task id's block to checked.
// It is a no-op when the block has no unchecked markers.
func MarkCompleted(path string, id int) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "failed to stat task artifact %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read task artifact %s", path)
	}

	lines := strings.Split(string(data), "\n")
	inBlock, found, changed := false, false, false
	for i, line := range lines {
		if m := headerPattern.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			n, _ := strconv.Atoi(m[1])
			inBlock = n == id
			found = found || inBlock
			continue
		}
		if !inBlock {
			continue
		}
		if loc := markerPattern.FindStringSubmatchIndex(line); loc != nil && line[loc[2]:loc[3]] == " " {
			lines[i] = line[:loc[2]] + "x" + line[loc[3]:]
			changed = true
		}
	}

	if !found {
		return errors.NewNotFoundError("task", strconv.Itoa(id))
	}
	if !changed {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode().Perm())
}

// Snapshot captures the artifact at path. The returned restore writes the
// captured content back, undoing any change made since.
func Snapshot(path string) (restore func() error, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat task artifact %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read task artifact %s", path)
	}
	return func() error {
		if err := os.WriteFile(path, data, info.Mode().Perm()); err != nil {
			return errors.Wrapf(err, "failed to restore task artifact %s", path)
		}
		return nil
	}, nil
}
