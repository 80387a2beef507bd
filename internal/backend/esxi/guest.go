package esxi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jamesprial/vmorch/internal/model"
)

var errStillRunning = errors.New("guest process still running")

func (b *Backend) credentials() guestCredentials {
	return guestCredentials{Type: "USERNAME_PASSWORD", UserName: b.cfg.GuestUser, Password: b.cfg.GuestPassword}
}

// ExecGuest starts argv through VMware Tools and polls until it exits. The
// API does not capture process output, so a zero exit returns only a status
// line.
func (b *Backend) ExecGuest(ctx context.Context, vm *model.VMConfig, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if b.cfg.GuestUser == "" {
		return "", fmt.Errorf("esxi: guest credentials are not configured")
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return "", err
	}

	req := processCreate{
		Credentials: b.credentials(),
		Spec:        processSpec{Path: argv[0], Arguments: joinArgs(argv[1:])},
	}
	var pid string
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "guest", "processes"), action("create"), req, &pid); err != nil {
		return "", fmt.Errorf("start %q in %q: %w", argv[0], vm.ID, vmErr(vm.ID, err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	info, err := backoff.Retry(ctx, func() (processInfo, error) {
		var p processInfo
		err := b.c.do(ctx, http.MethodPost, vmPath(moid, "guest", "processes", pid), action("get"),
			processGet{Credentials: b.credentials()}, &p)
		if err != nil {
			return p, backoff.Permanent(err)
		}
		if p.ExitCode == nil || p.Finished == "" {
			return p, errStillRunning
		}
		return p, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(b.cfg.Timeout))
	if err != nil {
		return "", fmt.Errorf("wait for %q in %q: %w", argv[0], vm.ID, err)
	}
	if *info.ExitCode != 0 {
		return "", fmt.Errorf("%q exited with status %d", argv[0], *info.ExitCode)
	}
	return fmt.Sprintf("pid %s exited 0", pid), nil
}

// joinArgs quotes each argument for the guest shell.
func joinArgs(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`;&|<>()*?![]{}") {
			q[i] = a
			continue
		}
		q[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(q, " ")
}
