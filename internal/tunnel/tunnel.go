// Package tunnel exposes the local relay through an ephemeral cloudflared
// tunnel so approval pages are reachable from a phone's browser.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"time"
)

var tunnelURLRe = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Tunnel wraps a cloudflared child process.
type Tunnel struct {
	binary string
	cmd    *exec.Cmd
}

// New creates a Tunnel using the given cloudflared binary name or path.
func New(binary string) *Tunnel {
	if binary == "" {
		binary = "cloudflared"
	}
	return &Tunnel{binary: binary}
}

// Start launches cloudflared against the local address and blocks until the
// public URL appears on its stderr, or the timeout expires. The process is
// killed when ctx is cancelled.
func (t *Tunnel) Start(ctx context.Context, localAddr string, timeout time.Duration) (string, error) {
	t.cmd = exec.CommandContext(ctx, t.binary, "tunnel", "--url", "http://"+localAddr)

	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return "", fmt.Errorf("start cloudflared: %w", err)
	}

	urls := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if url := ExtractURL(line); url != "" {
				select {
				case urls <- url:
				default:
				}
			}
		}
	}()

	select {
	case url := <-urls:
		slog.Info("tunnel established", "url", url)
		return url, nil
	case <-time.After(timeout):
		t.cmd.Process.Kill()
		return "", fmt.Errorf("no tunnel URL within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Wait blocks until the cloudflared process exits.
func (t *Tunnel) Wait() error {
	if t.cmd == nil {
		return nil
	}
	return t.cmd.Wait()
}

// ExtractURL returns the first trycloudflare URL in the line, or "".
func ExtractURL(line string) string {
	return tunnelURLRe.FindString(line)
}
