package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

const defaultConnectTimeout = 30 * time.Second

// sftpSession is the subset of an sftp client the uploader needs.
type sftpSession interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	Create(p string) (io.WriteCloser, error)
	Close() error
}

type sftpDialer func(ctx context.Context) (sftpSession, error)

// SCPBackend copies files over an ssh session.
type SCPBackend struct {
	cfg     config.SCP
	policy  RetryPolicy
	dial    sftpDialer
	hostKey ssh.HostKeyCallback
	log     *logrus.Entry
}

func NewSCP(cfg config.SCP, log *logrus.Entry) (*SCPBackend, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, apperr.New(apperr.ConfigInvalid, "scp.host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	hostKey, err := hostKeyCallback(cfg.KnownHostsPath, systemKnownHosts(), log)
	if err != nil {
		return nil, err
	}

	policy := policyFrom(cfg.Retry)
	policy.ReportExhausted = true
	b := &SCPBackend{
		cfg:     cfg,
		policy:  policy,
		hostKey: hostKey,
		log:     log.WithFields(logrus.Fields{"component": "storage", "backend": config.ArchiveSCP}),
	}
	b.dial = b.dialSFTP
	return b, nil
}

func (b *SCPBackend) Name() string { return config.ArchiveSCP }

// Upload provisions the remote directory, transfers the file and returns
// its public URL. Each attempt opens and closes its own session.
func (b *SCPBackend) Upload(ctx context.Context, t Target) (string, error) {
	if err := checkSource(t.SourcePath); err != nil {
		return "", err
	}

	attempts, err := b.policy.Do(ctx, b.log, t.MaxAttempts, func(ctx context.Context, attempt int) error {
		return b.transfer(ctx, t)
	})
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"path":     t.SourcePath,
			"dest":     t.DestPath,
			"attempts": attempts,
		}).Error("scp upload failed")
		return "", err
	}

	u := PublicURL(b.cfg.BaseURL, t.GeneratedPath, path.Base(t.DestPath))
	b.log.WithFields(logrus.Fields{"dest": t.DestPath, "attempts": attempts}).Infof("uploaded %s", u)
	return u, nil
}

func (b *SCPBackend) transfer(ctx context.Context, t Target) error {
	session, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := provision(session, path.Dir(t.DestPath)); err != nil {
		return apperr.Wrapf(err, apperr.TransportFailed, "create remote directory for %s", t.DestPath)
	}

	src, err := os.Open(t.SourcePath)
	if err != nil {
		return apperr.Wrapf(err, apperr.SourceNotFound, "open %s", t.SourcePath)
	}
	defer src.Close()

	dst, err := session.Create(t.DestPath)
	if err != nil {
		return apperr.Wrapf(err, apperr.TransportFailed, "create remote file %s", t.DestPath)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return apperr.Wrapf(err, apperr.TransportFailed, "copy to %s", t.DestPath)
	}
	if err := dst.Close(); err != nil {
		return apperr.Wrapf(err, apperr.TransportFailed, "close remote file %s", t.DestPath)
	}
	return nil
}

// provision walks dir from the root and creates missing segments.
// A not-exist probe triggers Mkdir; existing segments are left alone.
func provision(s sftpSession, dir string) error {
	dir = path.Clean(dir)
	if dir == "." || dir == "/" {
		return nil
	}

	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current = path.Join(current, part)
		_, err := s.Stat(current)
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", current, err)
		}
		if err := s.Mkdir(current); err != nil {
			return fmt.Errorf("mkdir %s: %w", current, err)
		}
	}
	return nil
}

// hostKeyCallback verifies strictly against an explicit known_hosts file.
// Otherwise it consults the user's known_hosts, rejecting a changed key for
// a listed host and accepting hosts it has never seen.
func hostKeyCallback(explicit, system string, log *logrus.Entry) (ssh.HostKeyCallback, error) {
	if explicit != "" {
		cb, err := knownhosts.New(explicit)
		if err != nil {
			return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "load known hosts %s", explicit)
		}
		return cb, nil
	}
	if _, err := os.Stat(system); system == "" || err != nil {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	known, err := knownhosts.New(system)
	if err != nil {
		log.WithError(err).Warnf("ignoring unreadable known hosts %s", system)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			log.WithField("host", hostname).Debug("host not in known hosts, accepting key")
			return nil
		}
		return err
	}, nil
}

func systemKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func (b *SCPBackend) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if b.cfg.PrivateKeyPath != "" {
		signer, err := b.loadKey()
		if err != nil {
			b.log.WithError(err).Warn("failed to load private key, falling back to password")
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if len(methods) == 0 && b.cfg.Password != "" {
		methods = append(methods, ssh.Password(b.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, apperr.New(apperr.NoCredentials, "no usable private key or password configured for scp").AsPermanent()
	}
	return methods, nil
}

func (b *SCPBackend) loadKey() (ssh.Signer, error) {
	pem, err := os.ReadFile(b.cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	if b.cfg.PrivateKeyPassphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(b.cfg.PrivateKeyPassphrase))
	}
	return ssh.ParsePrivateKey(pem)
}

func (b *SCPBackend) dialSFTP(ctx context.Context) (sftpSession, error) {
	auth, err := b.authMethods()
	if err != nil {
		return nil, err
	}

	timeout := defaultConnectTimeout
	if b.cfg.ConnectTimeout > 0 {
		timeout = time.Duration(b.cfg.ConnectTimeout) * time.Second
	}
	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            auth,
		HostKeyCallback: b.hostKey,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.TransportFailed, "connect to %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, clientCfg)
	if err != nil {
		_ = nc.Close()
		return nil, apperr.Wrapf(err, apperr.TransportFailed, "ssh handshake with %s", addr)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, apperr.Wrapf(err, apperr.TransportFailed, "start sftp subsystem on %s", addr)
	}
	return &sftpClient{Client: client, conn: conn}, nil
}

type sftpClient struct {
	*sftp.Client
	conn *ssh.Client
}

func (c *sftpClient) Create(p string) (io.WriteCloser, error) {
	return c.Client.Create(p)
}

func (c *sftpClient) Close() error {
	err := c.Client.Close()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
