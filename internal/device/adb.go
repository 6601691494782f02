// Package device drives an Android device or emulator through the adb CLI.
package device

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/user/droidpilot/internal/types"
)

const commandTimeout = 30 * time.Second

// Compile-time interface compliance check.
var _ types.Device = (*Adapter)(nil)

// Adapter implements types.Device against adb.
type Adapter struct {
	adb        string
	serial     string
	scriptsDir string
}

// New creates an adb-backed device adapter. serial may be empty when only
// one device is attached.
func New(adb, serial, scriptsDir string) *Adapter {
	if adb == "" {
		adb = "adb"
	}
	return &Adapter{adb: adb, serial: serial, scriptsDir: scriptsDir}
}

// run executes an adb command and returns its combined output.
func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := args
	if a.serial != "" {
		full = append([]string{"-s", a.serial}, args...)
	}
	cmd := exec.CommandContext(ctx, a.adb, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("adb %s: %w\noutput: %s", strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// mResumedActivity: ActivityRecord{... com.example.app/.MainActivity t123}
var resumedActivityRe = regexp.MustCompile(`mResumedActivity:.*?(\S+)/\S+`)

// Capture grabs a screenshot and the currently focused app package.
func (a *Adapter) Capture(ctx context.Context) (*types.Observation, error) {
	png, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap: %w", err)
	}

	obs := &types.Observation{
		Screenshot: png,
		At:         time.Now(),
	}

	// Current app is best effort; a capture without it is still usable.
	out, err := a.run(ctx, "shell", "dumpsys", "activity", "activities")
	if err == nil {
		if m := resumedActivityRe.FindSubmatch(out); m != nil {
			obs.CurrentApp = string(m[1])
		}
	}

	return obs, nil
}

func (a *Adapter) Tap(ctx context.Context, x, y int) error {
	_, err := a.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (a *Adapter) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	if durationMS <= 0 {
		durationMS = 300
	}
	_, err := a.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMS))
	return err
}

// escapeInputText quotes text for `input text`, which treats %s as a space
// and chokes on unescaped shell metacharacters.
func escapeInputText(text string) string {
	replacer := strings.NewReplacer(
		" ", "%s",
		"\\", "\\\\",
		"\"", "\\\"",
		"'", "\\'",
		"`", "\\`",
		"&", "\\&",
		"|", "\\|",
		";", "\\;",
		"<", "\\<",
		">", "\\>",
		"(", "\\(",
		")", "\\)",
		"$", "\\$",
	)
	return replacer.Replace(text)
}

func (a *Adapter) TypeText(ctx context.Context, text string) error {
	_, err := a.run(ctx, "shell", "input", "text", escapeInputText(text))
	return err
}

func (a *Adapter) KeyEvent(ctx context.Context, key string) error {
	_, err := a.run(ctx, "shell", "input", "keyevent", key)
	return err
}

func (a *Adapter) LaunchApp(ctx context.Context, pkg string) error {
	_, err := a.run(ctx, "shell", "monkey", "-p", pkg,
		"-c", "android.intent.category.LAUNCHER", "1")
	return err
}

func (a *Adapter) Shell(ctx context.Context, command string) (string, error) {
	out, err := a.run(ctx, "shell", command)
	return string(out), err
}

// RunScript executes a named shell script from the scripts directory on the
// device. The name must be a bare filename; path traversal is rejected.
func (a *Adapter) RunScript(ctx context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid script name: %q", name)
	}
	path := filepath.Join(a.scriptsDir, name)
	if filepath.Ext(path) == "" {
		path += ".sh"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return a.Shell(ctx, string(data))
}

// PushFile writes data to a local temp file and pushes it to destPath on the
// device.
func (a *Adapter) PushFile(ctx context.Context, data []byte, destPath string) error {
	tmp, err := os.CreateTemp("", "droidpilot-push-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if _, err := a.run(ctx, "push", tmp.Name(), destPath); err != nil {
		return fmt.Errorf("push file: %w", err)
	}
	return nil
}

// SetLocation injects a coordinate pair into the emulator's location channel.
// `adb emu geo fix` takes longitude before latitude.
func (a *Adapter) SetLocation(ctx context.Context, lat, lon float64) error {
	_, err := a.run(ctx, "emu", "geo", "fix",
		strconv.FormatFloat(lon, 'f', -1, 64),
		strconv.FormatFloat(lat, 'f', -1, 64))
	return err
}
