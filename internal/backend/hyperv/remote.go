package hyperv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"unicode/utf16"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// runner executes one PowerShell script on the Hyper-V host.
type runner interface {
	Run(ctx context.Context, script string) (stdout, stderr string, err error)
	Close() error
}

// sshRunner runs scripts over an OpenSSH connection to the host. Each script
// gets its own session.
type sshRunner struct {
	conn *ssh.Client
	log  *zap.Logger
}

func dialSSH(cfg Config, log *zap.Logger) (runner, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("hyperv: password or key file is required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn("host key verification disabled", zap.String("host", cfg.Host))
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	return &sshRunner{conn: conn, log: log}, nil
}

func (r *sshRunner) Run(ctx context.Context, script string) (string, string, error) {
	session, err := r.conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.log.Debug("error closing ssh session", zap.Error(err))
		}
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run("powershell -NoLogo -NoProfile -NonInteractive -EncodedCommand " + encodeCommand(script))
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return "", "", ctx.Err()
	}
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("remote command failed: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *sshRunner) Close() error { return r.conn.Close() }

// encodeCommand renders script in the form -EncodedCommand expects:
// base64 over UTF-16LE.
func encodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
