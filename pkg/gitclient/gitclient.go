// Package gitclient implements the single supported read operation
// against a remote repository: a secure shallow clone of a named
// branch, authenticated via a short-lived credential-helper script
// rather than a token embedded in the remote URL.
package gitclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
)

// Client shallow-clones repositories using a per-operation credential
// helper, never placing the token in process arguments or in an
// environment value visible to anything but the helper script itself.
type Client struct {
	token   string
	logger  logr.Logger
	timeout time.Duration
}

// New constructs a Client authenticating with token.
func New(token string, logger logr.Logger) *Client {
	return &Client{token: token, logger: logger, timeout: 2 * time.Minute}
}

// Clone performs a single shallow clone of branch from remoteURL into
// a fresh temporary directory, returning its path. The credential
// helper script is written before the clone and removed (best-effort
// zero-overwrite) on every exit path, success or failure.
func (c *Client) Clone(ctx context.Context, remoteURL, branch string) (string, error) {
	dest, err := os.MkdirTemp("", "terrafix-clone-*")
	if err != nil {
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, false, "create clone destination", err)
	}

	helperPath, cleanup, err := c.writeCredentialHelper()
	if err != nil {
		os.RemoveAll(dest)
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, false, "write credential helper", err)
	}
	defer cleanup()

	cloneCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git",
		"clone",
		"--depth", "1",
		"--branch", branch,
		"--single-branch",
		remoteURL,
		dest,
	)
	cmd.Env = append(os.Environ(),
		"GIT_ASKPASS="+helperPath,
		"GIT_TERMINAL_PROMPT=0",
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	scrubbed := scrub(out.String(), c.token)

	if runErr != nil {
		os.RemoveAll(dest)
		retryable := isRetryableGitError(scrubbed)
		c.logger.Info("git clone failed", "branch", branch, "output", scrubbed)
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, retryable, "clone repository", fmt.Errorf("%s", scrubbed))
	}

	c.logger.V(1).Info("git clone succeeded", "branch", branch, "dest", dest)
	return dest, nil
}

// writeCredentialHelper writes a short-lived script that emits the
// token as a password when invoked by git as GIT_ASKPASS. It carries
// owner-only permissions so no other local user can read the token
// off disk while it exists. The returned cleanup func deletes it,
// overwriting its contents with zeroes first on a best-effort basis.
func (c *Client) writeCredentialHelper() (string, func(), error) {
	f, err := os.CreateTemp("", "terrafix-askpass-*")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	_ = f.Close()

	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", nil, err
	}

	var script string
	if runtime.GOOS == "windows" {
		script = "@echo off\r\necho " + c.token + "\r\n"
	} else {
		script = "#!/bin/sh\necho " + shellQuote(c.token) + "\n"
	}

	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		os.Remove(path)
		return "", nil, err
	}

	cleanup := func() {
		size := int64(len(script))
		zeroes := make([]byte, size)
		_ = os.WriteFile(path, zeroes, 0o700)
		_ = os.Remove(path)
	}
	return path, cleanup, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scrub removes every occurrence of token from s before it can reach a
// log line.
func scrub(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func isRetryableGitError(output string) bool {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "the remote end hung up unexpectedly"),
		strings.Contains(lower, "rpc failed"):
		return true
	default:
		return false
	}
}

// Cleanup removes a previously cloned working copy. Pipelines call
// this on every exit path so a scoped temporary directory is never
// leaked regardless of how the pipeline terminates.
func Cleanup(path string) {
	if path == "" {
		return
	}
	_ = os.RemoveAll(filepath.Clean(path))
}
