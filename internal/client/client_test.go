package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"schedd/internal/protocol"
)

// cannedServer answers every request line with the next reply in order.
func cannedServer(t *testing.T, replies ...string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for _, r := range replies {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			if _, err := conn.Write([]byte(r)); err != nil {
				return
			}
		}
		// Hold the connection open without answering.
		_, _ = br.ReadString('\n')
	}()
	return ln.Addr().String()
}

func TestUpsertStatusMapping(t *testing.T) {
	t.Parallel()
	addr := cannedServer(t,
		"201-conn-00000001: \"a\"\n",
		"200-conn-00000001: \"a\"\n",
		"203-conn-00000001: \n",
		"400-conn-00000001: \"invalid time spec\"\n",
	)
	c, err := Dial(context.Background(), addr, Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if created, err := c.Upsert(ctx, "a", "5 0 0", "c", []any{1}, nil); err != nil || !created {
		t.Fatalf("201: created=%v err=%v", created, err)
	}
	if created, err := c.Upsert(ctx, "a", "5 0 0", "c", []any{1}, nil); err != nil || created {
		t.Fatalf("200: created=%v err=%v", created, err)
	}
	if _, err := c.Upsert(ctx, "a", "5 0 0", "c", nil, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("203: err = %v", err)
	}
	if _, err := c.Upsert(ctx, "a", "x", "c", []any{1}, nil); err == nil || err.Error() != "invalid time spec" {
		t.Fatalf("400: err = %v", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	addr := cannedServer(t)
	c, err := Dial(context.Background(), addr, Options{Codec: protocol.CodecJSON, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Do(ctx, protocol.ServiceRequest("status", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Do ignored the context deadline")
	}
}
