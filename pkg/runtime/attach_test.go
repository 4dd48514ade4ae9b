package runtime

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeControlServer is a minimal scripted control-port server: handle is
// invoked once per line the client writes and returns the exact reply text
// (including trailing "\r\n") to send back.
func fakeControlServer(t *testing.T, handle func(cmd string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			reply := handle(strings.TrimRight(line, "\r\n"))
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestAttachDiscoversCookieViaProtocolInfo(t *testing.T) {
	dir := t.TempDir()
	cookiePath := filepath.Join(dir, "control_auth_cookie")
	if err := os.WriteFile(cookiePath, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0600); err != nil {
		t.Fatalf("writing cookie file: %v", err)
	}

	addr := fakeControlServer(t, func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "PROTOCOLINFO"):
			return "250-PROTOCOLINFO 1\r\n" +
				"250-AUTH METHODS=COOKIE COOKIEFILE=\"" + cookiePath + "\"\r\n" +
				"250-VERSION Tor=\"0.4.8.0\"\r\n" +
				"250 OK\r\n"
		case strings.HasPrefix(cmd, "AUTHENTICATE"):
			if !strings.Contains(cmd, "deadbeef") {
				return "515 Authentication failed\r\n"
			}
			return "250 OK\r\n"
		case strings.HasPrefix(cmd, "SETEVENTS"):
			return "250 OK\r\n"
		default:
			return "510 Unrecognized command\r\n"
		}
	})

	r := newBareRuntime()
	if err := r.Attach(context.Background(), "tcp", addr, "", ""); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if r.currentConn() == nil {
		t.Fatal("expected currentConn() to be non-nil after Attach")
	}
}

func TestAttachUsesExplicitCredentialWithoutDiscovery(t *testing.T) {
	var sawProtocolInfo bool
	addr := fakeControlServer(t, func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "PROTOCOLINFO"):
			sawProtocolInfo = true
			return "250 OK\r\n"
		case strings.HasPrefix(cmd, "AUTHENTICATE"):
			return "250 OK\r\n"
		case strings.HasPrefix(cmd, "SETEVENTS"):
			return "250 OK\r\n"
		default:
			return "510 Unrecognized command\r\n"
		}
	})

	r := newBareRuntime()
	if err := r.Attach(context.Background(), "tcp", addr, "cafef00d", ""); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if sawProtocolInfo {
		t.Error("expected Attach with an explicit cookie to skip PROTOCOLINFO discovery")
	}
}

func TestAttachFailsWhenAlreadyConnected(t *testing.T) {
	r := newBareRuntime()
	r.conn = fakeOpenConn(t)

	err := r.Attach(context.Background(), "tcp", "127.0.0.1:1", "", "")
	if err == nil {
		t.Fatal("expected an error attaching a Runtime that already has a connection")
	}
}
