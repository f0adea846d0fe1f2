// Package notify delivers user-visible desktop notifications. The scheduler
// and executor only see the Notifier interface; the platform mechanism is
// selected once at startup.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoBackend means no notification mechanism is available on this host.
var ErrNoBackend = errors.New("no notification backend available")

// Notifier delivers a notification with an audible cue.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// DesktopNotifier shells out to the host platform's notification tool.
type DesktopNotifier struct {
	backend string
}

// NewDesktop picks the notification mechanism for the host platform:
// osascript on macOS, powershell on Windows, and the first of notify-send,
// zenity, xmessage found on anything else. Returns ErrNoBackend when
// nothing is available.
func NewDesktop() (*DesktopNotifier, error) {
	switch runtime.GOOS {
	case "darwin":
		return &DesktopNotifier{backend: "osascript"}, nil
	case "windows":
		return &DesktopNotifier{backend: "powershell"}, nil
	default:
		for _, candidate := range []string{"notify-send", "zenity", "xmessage"} {
			if _, err := exec.LookPath(candidate); err == nil {
				return &DesktopNotifier{backend: candidate}, nil
			}
		}
		return nil, ErrNoBackend
	}
}

// Backend names the underlying tool, for logging.
func (n *DesktopNotifier) Backend() string {
	return n.backend
}

// Send displays the notification and plays the platform's default sound.
// The sound is best effort; a missing audio stack does not fail the send.
func (n *DesktopNotifier) Send(ctx context.Context, title, message string) error {
	cmd, err := n.command(ctx, title, message)
	if err != nil {
		return err
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %v: %s", n.backend, err, strings.TrimSpace(string(out)))
	}
	n.playSound(ctx)
	return nil
}

func (n *DesktopNotifier) command(ctx context.Context, title, message string) (*exec.Cmd, error) {
	switch n.backend {
	case "osascript":
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeDoubleQuotes(message), escapeDoubleQuotes(title))
		return exec.CommandContext(ctx, "osascript", "-e", script), nil
	case "powershell":
		script := fmt.Sprintf(`Add-Type -AssemblyName System.Windows.Forms;`+
			`$icon = New-Object System.Windows.Forms.NotifyIcon;`+
			`$icon.Icon = [System.Drawing.SystemIcons]::Information;`+
			`$icon.Visible = $true;`+
			`$icon.ShowBalloonTip(10000, '%s', '%s', 'Info')`,
			escapeSingleQuotes(title), escapeSingleQuotes(message))
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script), nil
	case "notify-send":
		return exec.CommandContext(ctx, "notify-send", "-u", "normal", title, message), nil
	case "zenity":
		return exec.CommandContext(ctx, "zenity", "--notification", "--text", title+": "+message), nil
	case "xmessage":
		return exec.CommandContext(ctx, "xmessage", "-center", title+": "+message), nil
	}
	return nil, ErrNoBackend
}

func (n *DesktopNotifier) playSound(ctx context.Context) {
	switch n.backend {
	case "osascript":
		// The notification itself carries the sound.
	case "powershell":
		_ = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command",
			"[System.Media.SystemSounds]::Exclamation.Play()").Run()
	default:
		_ = exec.CommandContext(ctx, "paplay",
			"/usr/share/sounds/freedesktop/stereo/message.oga").Run()
	}
}

// escapeDoubleQuotes makes s safe inside an AppleScript string literal.
// Backslashes go first so an existing `\"` cannot re-open the quote.
func escapeDoubleQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
