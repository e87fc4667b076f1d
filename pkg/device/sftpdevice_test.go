package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"

	"fat32fs.dev/pkg/xerror"
)

func testSSHPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return sshPub
}

func TestHostKeyCallbackAcceptsMatchingFingerprint(t *testing.T) {
	key := testSSHPublicKey(t)
	cb := hostKeyCallback(ssh.FingerprintSHA256(key))
	if err := cb("host:22", nil, key); err != nil {
		t.Fatalf("matching fingerprint rejected: %v", err)
	}
}

func TestHostKeyCallbackRejectsMismatch(t *testing.T) {
	key := testSSHPublicKey(t)
	cb := hostKeyCallback("SHA256:not-the-right-fingerprint")
	if err := cb("host:22", nil, key); !xerror.Is(err, xerror.EIO) {
		t.Fatalf("mismatched fingerprint: got %v, want EIO", err)
	}
}

func TestHostKeyCallbackInsecureSkipVerify(t *testing.T) {
	key := testSSHPublicKey(t)
	cb := hostKeyCallback("insecure-skip-verify")
	if err := cb("host:22", nil, key); err != nil {
		t.Fatalf("insecure-skip-verify should accept any key: %v", err)
	}
}
