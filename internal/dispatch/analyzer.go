package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/basket/sandq/internal/persistence"
)

// maxOutputTail is how much of the analyzer's output is kept for the error
// message of a failed run.
const maxOutputTail = 64 << 10

var ErrNoCommand = errors.New("analyzer command not configured")

// CommandAnalyzer runs an external program per task. The task is written to
// its stdin as JSON and described in SANDQ_TASK_* environment variables.
type CommandAnalyzer struct {
	Command []string
	Dir     string
	Env     []string // appended to the current environment
}

func (a CommandAnalyzer) Analyze(ctx context.Context, task persistence.Task) error {
	if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
		return ErrNoCommand
	}
	input, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = a.Dir
	cmd.Env = append(append(os.Environ(), a.Env...),
		"SANDQ_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"SANDQ_TASK_TARGET="+task.Target,
		"SANDQ_TASK_CATEGORY="+string(task.Category),
	)
	cmd.Stdin = bytes.NewReader(input)

	out := &tailBuffer{limit: maxOutputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("analyzer %s failed: %w\n%s", a.Command[0], err, tail)
		}
		return fmt.Errorf("analyzer %s failed: %w", a.Command[0], err)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
