package pmshell

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ggoodman/installsession-go/installer"
)

var (
	createdRe  = regexp.MustCompile(`^Success: created install session \[(\d+)\]$`)
	streamedRe = regexp.MustCompile(`^Success: streamed (\d+) bytes$`)
	failureRe  = regexp.MustCompile(`^Failure \[(.*)\]$`)
)

// flagArgs maps install flags to their install-create switches.
var flagArgs = []struct {
	flag installer.InstallFlags
	arg  string
}{
	{installer.FlagReplaceExisting, "-r"},
	{installer.FlagAllowTest, "-t"},
	{installer.FlagRequestDowngrade, "-d"},
	{installer.FlagGrantPermissions, "-g"},
	{installer.FlagDontKillApp, "--dont-kill"},
}

// failureKinds classifies failure text. The first match wins.
var failureKinds = []struct {
	needles []string
	kind    error
}{
	{[]string{"securityexception", "permission"}, installer.ErrPermission},
	{[]string{"not found", "no such session", "invalid session"}, installer.ErrSessionNotFound},
	{[]string{"died", "dead"}, installer.ErrSessionDead},
	{[]string{"already committed", "is committed", "sealed", "protocol violation"}, installer.ErrProtocolViolation},
}

func createCommand(p installer.Params) (string, error) {
	if p.Mode != installer.ModeFullInstall {
		return "", fmt.Errorf("mode %s needs a package name the shell protocol cannot carry: %w", p.Mode, installer.ErrBroker)
	}
	if u := p.Flags.Unknown(); u != 0 {
		return "", fmt.Errorf("unknown install flags %#x: %w", uint32(u), installer.ErrBroker)
	}
	if p.Owner.OwnerName == "" || strings.ContainsAny(p.Owner.OwnerName, " \t\n'\"") {
		return "", fmt.Errorf("invalid owner name %q: %w", p.Owner.OwnerName, installer.ErrBroker)
	}
	args := []string{"pm", "install-create", "-i", p.Owner.OwnerName, "--user", strconv.Itoa(p.Owner.UserScope)}
	for _, f := range flagArgs {
		if p.Flags.Has(f.flag) {
			args = append(args, f.arg)
		}
	}
	return strings.Join(args, " "), nil
}

func writeCommand(id installer.SessionID, name string, size int64) (string, error) {
	if name == "" || strings.ContainsAny(name, " \t\n/'\"") {
		return "", fmt.Errorf("invalid artifact name %q: %w", name, installer.ErrBroker)
	}
	return fmt.Sprintf("pm install-write -S %d %d %s -", size, id, name), nil
}

func commitCommand(id installer.SessionID) string  { return fmt.Sprintf("pm install-commit %d", id) }
func abandonCommand(id installer.SessionID) string { return fmt.Sprintf("pm install-abandon %d", id) }

// failure turns a non-success response line into an error of the matching
// installer kind.
func failure(line string) error {
	msg := line
	if m := failureRe.FindStringSubmatch(line); m != nil {
		msg = m[1]
	} else if rest, ok := strings.CutPrefix(line, "Error: "); ok {
		msg = rest
	}
	lower := strings.ToLower(msg)
	for _, fk := range failureKinds {
		for _, n := range fk.needles {
			if strings.Contains(lower, n) {
				return fmt.Errorf("pm: %s: %w", msg, fk.kind)
			}
		}
	}
	return fmt.Errorf("pm: %s: %w", msg, installer.ErrBroker)
}

func parseCreated(line string) (installer.SessionID, error) {
	m := createdRe.FindStringSubmatch(line)
	if m == nil {
		return 0, failure(line)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("pm: bad session id in %q: %w", line, installer.ErrBroker)
	}
	return installer.SessionID(id), nil
}

func parseStreamed(line string, want int64) error {
	m := streamedRe.FindStringSubmatch(line)
	if m == nil {
		return failure(line)
	}
	n, _ := strconv.ParseInt(m[1], 10, 64)
	if n != want {
		return fmt.Errorf("pm: streamed %d of %d bytes: %w", n, want, installer.ErrTransfer)
	}
	return nil
}

func parseSuccess(line string) error {
	if line == "Success" {
		return nil
	}
	return failure(line)
}

// commitOutcome maps an install-commit response to callback arguments.
func commitOutcome(line string) (status int, message string) {
	if line == "Success" {
		return 0, ""
	}
	if m := failureRe.FindStringSubmatch(line); m != nil {
		return 1, m[1]
	}
	return 1, line
}

// errUnsupported matches errors.ErrUnsupported so the broker can fall back
// to its journal where the shell has no equivalent command.
var errUnsupported = fmt.Errorf("shell protocol: %w", errors.ErrUnsupported)
