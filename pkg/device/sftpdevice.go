package device

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"fat32fs.dev/pkg/xerror"
)

// SFTP is a BlockDevice backed by a single remote disk-image file opened
// over an *sftp.Client, grounded on pkg/blobserver/sftp's use of
// sc.OpenFile / sc.Open for remote blob access.
type SFTP struct {
	mu          sync.Mutex
	client      *sftp.Client
	remotePath  string
	f           *sftp.File
	sectorBytes int
	sectorBPB   uint32
}

// DialSFTPConfig holds the connection parameters for DialSFTP.
type DialSFTPConfig struct {
	// Addr is "host" or "host:port"; ":22" is assumed if no port is given.
	Addr     string
	User     string
	Password string
	// ServerFingerprint is the expected SHA256 host key fingerprint
	// (ssh.FingerprintSHA256 format), or "insecure-skip-verify" to accept
	// any host key.
	ServerFingerprint string
}

// hostKeyCallback builds an ssh.HostKeyCallback that accepts a server only
// when its host key's SHA256 fingerprint matches want, or when want is
// "insecure-skip-verify".
func hostKeyCallback(want string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if got == want || want == "insecure-skip-verify" {
			return nil
		}
		return xerror.New("sftpdevice.DialSFTP", xerror.EIO)
	}
}

// DialSFTP dials cfg.Addr over SSH and returns an *sftp.Client on top of the
// resulting connection, grounded on pkg/blobserver/sftp's
// newFromConfig/dialSFTP connection setup (ssh.ClientConfig with a
// fingerprint-checking HostKeyCallback, ssh.Dial, then sftp.NewClient).
// Closing the returned client also closes the underlying SSH connection.
func DialSFTP(cfg DialSFTPConfig) (*sftp.Client, error) {
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	cc := &ssh.ClientConfig{
		User:            cfg.User,
		HostKeyCallback: hostKeyCallback(cfg.ServerFingerprint),
		Timeout:         10 * time.Second,
	}
	if cfg.Password != "" {
		cc.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	}
	sshc, err := ssh.Dial("tcp", addr, cc)
	if err != nil {
		return nil, xerror.Wrap("sftpdevice.DialSFTP", xerror.EIO, err)
	}
	client, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return nil, xerror.Wrap("sftpdevice.DialSFTP", xerror.EIO, err)
	}
	return client, nil
}

// OpenSFTP opens (or creates) remotePath on client as the backing image
// for a BlockDevice of the given geometry.
func OpenSFTP(client *sftp.Client, remotePath string, sectorBytes int, sectorBPB uint32) (*SFTP, error) {
	f, err := client.OpenFile(remotePath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, xerror.Wrap("sftpdevice.OpenSFTP", xerror.EIO, err)
	}
	return &SFTP{
		client:      client,
		remotePath:  remotePath,
		f:           f,
		sectorBytes: sectorBytes,
		sectorBPB:   sectorBPB,
	}, nil
}

func (d *SFTP) SectorBytes() int  { return d.sectorBytes }
func (d *SFTP) SectorBPB() uint32 { return d.sectorBPB }

func (d *SFTP) ReadBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sectorID) * int64(d.sectorBytes)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return xerror.Wrap("sftpdevice.ReadBlock", xerror.EIO, err)
	}
	return nil
}

func (d *SFTP) WriteBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sectorID) * int64(d.sectorBytes)
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return xerror.Wrap("sftpdevice.WriteBlock", xerror.EIO, err)
	}
	return nil
}

// Close releases the remote file handle. It does not close the
// underlying *sftp.Client, which the caller may share across devices.
func (d *SFTP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Close(); err != nil {
		return xerror.Wrap("sftpdevice.Close", xerror.EIO, err)
	}
	return nil
}
