package posix

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/giantswarm/ptero-auth/providers"
)

const (
	// DefaultSuCommand is the command used to switch to the checked account
	DefaultSuCommand = "su"

	// DefaultCheckTimeout bounds one password check
	DefaultCheckTimeout = 10 * time.Second
)

// suUsername is stricter than validUsername: the name is passed to su as an
// argument and must never look like an option.
var suUsername = regexp.MustCompile(`^\w+$`)

// CommandRunner runs name with args, feeding stdin to the process. It
// returns the exit code of a process that ran, or an error when the process
// could not be started or was cut short.
type CommandRunner func(ctx context.Context, stdin string, name string, args ...string) (int, error)

// SuChecker verifies passwords by running `su -c true <user>` with the
// password on standard input. A zero exit status means the password was
// accepted. The su binary must read the password from a non-terminal stdin,
// as util-linux su does through PAM.
type SuChecker struct {
	command string
	timeout time.Duration
	run     CommandRunner
}

var _ PasswordChecker = (*SuChecker)(nil)

// SuConfig configures a SuChecker
type SuConfig struct {
	// Command is the su binary. Default: DefaultSuCommand
	Command string

	// Timeout bounds one check. Default: DefaultCheckTimeout
	Timeout time.Duration

	// Runner executes the command. Default: os/exec
	Runner CommandRunner
}

// NewSuChecker creates a password checker backed by su
func NewSuChecker(cfg SuConfig) *SuChecker {
	if cfg.Command == "" {
		cfg.Command = DefaultSuCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCheckTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner
	}
	return &SuChecker{command: cfg.Command, timeout: cfg.Timeout, run: cfg.Runner}
}

// Authenticate runs su as username. A non-zero exit status is reported as
// providers.ErrInvalidCredentials; failing to run su at all is an error.
func (c *SuChecker) Authenticate(ctx context.Context, username, password string) error {
	if !suUsername.MatchString(username) {
		return providers.ErrInvalidCredentials
	}
	if password == "" || strings.ContainsAny(password, "\r\n\x00") {
		return providers.ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	code, err := c.run(ctx, password+"\n", c.command, "-c", "true", username)
	if err != nil {
		return fmt.Errorf("password check for %s failed: %w", username, err)
	}
	if code != 0 {
		return providers.ErrInvalidCredentials
	}
	return nil
}

func execRunner(ctx context.Context, stdin string, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = []string{"LC_ALL=C", "PATH=/usr/sbin:/usr/bin:/sbin:/bin"}

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
