package pmshell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
	"github.com/ggoodman/installsession-go/remote/memremote"
)

// fakePM answers package-manager commands from a memremote.Service, the way
// a device shell would.
type fakePM struct {
	svc  *memremote.Service
	in   *bufio.Reader
	out  io.WriteCloser
	stop chan struct{}
}

// dialFake returns a Conn wired to a fake shell backed by svc.
func dialFake(t *testing.T, svc *memremote.Service) *Conn {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakePM{svc: svc, in: bufio.NewReader(inR), out: outW, stop: make(chan struct{})}
	go f.serve()

	c := NewConn(inW, outR)
	t.Cleanup(func() {
		close(f.stop)
		_ = c.Close()
		_ = inR.Close()
		_ = outW.Close()
	})
	return c
}

func (f *fakePM) reply(format string, args ...any) {
	_, _ = fmt.Fprintf(f.out, format+"\n", args...)
}

func (f *fakePM) fail(err error) { f.reply("Failure [%s]", err.Error()) }

func (f *fakePM) serve() {
	defer f.out.Close()
	ctx := context.Background()
	for {
		line, err := f.in.ReadString('\n')
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) < 2 || args[0] != "pm" {
			f.reply("Error: unknown command %q", strings.TrimSpace(line))
			continue
		}
		switch args[1] {
		case "install-create":
			f.create(ctx, args[2:])
		case "install-write":
			if !f.write(ctx, args[2:]) {
				return
			}
		case "install-commit":
			f.commit(ctx, args[2:])
		case "install-abandon":
			id, _ := strconv.Atoi(args[2])
			if err := f.svc.AbandonSession(ctx, installer.SessionID(id)); err != nil {
				f.fail(err)
				continue
			}
			f.reply("Success")
		default:
			f.reply("Error: unknown command %q", args[1])
		}
	}
}

func (f *fakePM) create(ctx context.Context, args []string) {
	p := installer.Params{Mode: installer.ModeFullInstall}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-i":
			i++
			p.Owner.OwnerName = args[i]
		case "--user":
			i++
			p.Owner.UserScope, _ = strconv.Atoi(args[i])
		case "-r":
			p.Flags |= installer.FlagReplaceExisting
		case "-t":
			p.Flags |= installer.FlagAllowTest
		case "-d":
			p.Flags |= installer.FlagRequestDowngrade
		case "-g":
			p.Flags |= installer.FlagGrantPermissions
		case "--dont-kill":
			p.Flags |= installer.FlagDontKillApp
		}
	}
	id, err := f.svc.CreateSession(ctx, p)
	if err != nil {
		f.fail(err)
		return
	}
	f.reply("Success: created install session [%d]", id)
}

// write consumes the body even when the session is unusable so the command
// stream stays in sync.
func (f *fakePM) write(ctx context.Context, args []string) bool {
	// -S <size> <id> <name> -
	size, _ := strconv.ParseInt(args[1], 10, 64)
	id, _ := strconv.Atoi(args[2])
	name := args[3]
	body := make([]byte, size)
	if _, err := io.ReadFull(f.in, body); err != nil {
		return false
	}

	h, err := f.svc.OpenSession(ctx, installer.SessionID(id))
	if err != nil {
		f.fail(err)
		return true
	}
	defer h.Close()
	w, err := h.OpenWrite(ctx, name, 0, size)
	if err != nil {
		f.fail(err)
		return true
	}
	n, werr := w.Write(body)
	cerr := w.Close()
	if werr != nil || cerr != nil {
		f.fail(fmt.Errorf("write %s: %v %v", name, werr, cerr))
		return true
	}
	f.reply("Success: streamed %d bytes", n)
	return true
}

func (f *fakePM) commit(ctx context.Context, args []string) {
	id, _ := strconv.Atoi(args[0])
	h, err := f.svc.OpenSession(ctx, installer.SessionID(id))
	if err != nil {
		f.fail(err)
		return
	}
	defer h.Close()
	type outcome struct {
		status int
		msg    string
	}
	got := make(chan outcome, 2)
	if err := h.Commit(ctx, func(status int, msg string) { got <- outcome{status, msg} }); err != nil {
		f.fail(err)
		return
	}
	select {
	case o := <-got:
		if o.status == 0 {
			f.reply("Success")
			return
		}
		f.reply("Failure [%s]", o.msg)
	case <-f.stop:
	}
}

var (
	owner = identity.Identity{OwnerName: "com.android.shell", UserScope: 0}
	other = identity.Identity{OwnerName: "com.example.store", UserScope: 10}
)
