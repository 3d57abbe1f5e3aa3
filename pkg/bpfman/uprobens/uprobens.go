// Package uprobens invokes the bpfman-ns helper binary that attaches a
// uprobe inside another container's mount namespace (spec §4.5, §9
// "Helper process for cross-namespace attach").
package uprobens

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Args are the parameters forwarded to the bpfman-ns helper's argv, built
// exactly the way the original constructs them (spec §4.5 step 3 Uprobe).
type Args struct {
	ProgramPinPath string
	Offset         uint64
	Target         string
	ContainerPid   uint32
	FnName         string // optional
	Retprobe       bool
	Pid            *uint32 // optional pid filter within the container
}

func (a Args) argv() []string {
	argv := []string{
		"uprobe",
		"--program-pin-path", a.ProgramPinPath,
		"--offset", strconv.FormatUint(a.Offset, 10),
		"--target", a.Target,
		"--container-pid", strconv.FormatUint(uint64(a.ContainerPid), 10),
	}
	if a.FnName != "" {
		argv = append(argv, "--fn-name", a.FnName)
	}
	if a.Retprobe {
		argv = append(argv, "--retprobe")
	}
	if a.Pid != nil {
		argv = append(argv, "--pid", strconv.FormatUint(uint64(*a.Pid), 10))
	}
	return argv
}

// HelperPath is the path to the bpfman-ns binary; overridable in tests.
var HelperPath = "/usr/libexec/bpfman/bpfman-ns"

// Attach runs the helper and reports failure (including captured stderr)
// if it exits non-zero. Unlike the original, the helper is started with
// CommandContext so it is cancellable on daemon shutdown (SPEC_FULL
// supplement).
func Attach(ctx context.Context, a Args) error {
	cmd := exec.CommandContext(ctx, HelperPath, a.argv()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bpfman-ns exited with error: %w: %s", err, stderr.String())
	}
	return nil
}
