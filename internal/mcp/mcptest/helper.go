package mcptest

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Environment variables that turn a re-executed test binary into a
// fake tool server.
const (
	EnvHelper    = "TOOLHOST_MCPTEST_SERVER"
	EnvMode      = "TOOLHOST_MCPTEST_MODE"
	EnvCountFile = "TOOLHOST_MCPTEST_COUNT_FILE"
)

// Helper modes.
const (
	ModeNormal    = "normal"
	ModeBadInit   = "bad_init"
	ModeMalformed = "malformed_init"
	ModeSilent    = "silent_init"
	ModeExit      = "exit"          // exit with status 3 before reading anything
	ModeOnce      = "once"          // normal on first launch, exit 3 afterwards
	ModeLogStderr = "stderr"        // normal, but writes diagnostics to stderr
	ModePaged     = "paged"         // normal, tools/list paginated two at a time
	ModeCrashOnce = "crash_on_boot" // exit 3 on first launch, normal afterwards
	ModeOrphan    = "orphan"        // the crash tool leaves a child holding stdout and stderr open
	ModeShrink    = "shrink"        // normal on first launch, without hello_world afterwards
	ModeLinger    = "linger"        // sleep without speaking, then exit 0
)

// LingerFor is how long a ModeLinger process stays alive.
const LingerFor = 5 * time.Second

// Cmd is how to launch the helper server.
type Cmd struct {
	Path string
	Args []string
	Env  map[string]string
}

// Helper returns the command that re-executes the current test binary
// as a fake server in the given mode. The test package's TestMain must
// call RunIfHelper first thing. countFile, when non-empty, is used to
// count launches for the once and crash_on_boot modes.
func Helper(mode, countFile string) Cmd {
	env := map[string]string{
		EnvHelper: "1",
		EnvMode:   mode,
	}
	if countFile != "" {
		env[EnvCountFile] = countFile
	}
	return Cmd{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  env,
	}
}

// RunIfHelper turns the process into a fake server and exits when the
// helper environment variable is set. Otherwise it returns immediately.
func RunIfHelper() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	os.Exit(runHelper(os.Getenv(EnvMode), os.Getenv(EnvCountFile)))
}

func runHelper(mode, countFile string) int {
	launch, err := bumpCount(countFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		return 2
	}

	opts := Options{Name: "mcptest-helper"}
	switch mode {
	case ModeBadInit:
		opts.Init = InitError
	case ModeMalformed:
		opts.Init = InitMalformed
	case ModeSilent:
		opts.Init = InitSilent
	case ModeExit:
		return 3
	case ModeOnce:
		if launch > 1 {
			fmt.Fprintln(os.Stderr, "mcptest: refusing to start again")
			return 3
		}
	case ModeCrashOnce:
		if launch == 1 {
			fmt.Fprintln(os.Stderr, "mcptest: crashing on first boot")
			return 3
		}
	case ModeLogStderr:
		fmt.Fprintln(os.Stderr, "mcptest: starting up")
		fmt.Fprintln(os.Stderr, "mcptest: ready for requests")
	case ModePaged:
		opts.PageSize = 2
	case ModeShrink:
		if launch > 1 {
			opts.Tools = withoutTool(DefaultTools(), "hello_world")
		}
	case ModeLinger:
		time.Sleep(LingerFor)
		return 0
	}

	err = New(opts).Serve(os.Stdin, os.Stdout)
	if errors.Is(err, ErrCrash) && mode == ModeOrphan {
		if err := spawnLinger(); err != nil {
			fmt.Fprintln(os.Stderr, "mcptest:", err)
		}
	}
	if errors.Is(err, ErrCrash) {
		fmt.Fprintln(os.Stderr, "mcptest: crash tool invoked")
		return 3
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		return 1
	}
	return 0
}

// spawnLinger starts a grandchild that inherits stdout and stderr and
// outlives this process.
func spawnLinger() error {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), EnvHelper+"=1", EnvMode+"="+ModeLinger, EnvCountFile+"=")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func withoutTool(tools []Tool, name string) []Tool {
	out := tools[:0:0]
	for _, t := range tools {
		if t.Name != name {
			out = append(out, t)
		}
	}
	return out
}

// bumpCount increments the launch counter in path and returns the new
// value. With no path every launch is the first.
func bumpCount(path string) (int, error) {
	if path == "" {
		return 1, nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	n++
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0o600); err != nil {
		return 0, err
	}
	return n, nil
}
