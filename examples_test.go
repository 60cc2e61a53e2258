package wisp_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/scheduler"
	"github.com/xtaci/wisp/socket"
	wsync "github.com/xtaci/wisp/sync"
)

// A key-value server ported from the original source's key-value++.cpp:
// one acceptor fiber, one fiber per connection, a single map guarded by
// a Mutex shared across every client fiber. This exercises sockets and
// the fiber-aware Mutex together rather than either in isolation.
func TestKeyValueServer(t *testing.T) {
	sched, err := scheduler.New(scheduler.Attr{NumWorkers: 4})
	require.NoError(t, err)

	ln, err := socket.Listen(sched, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()

	var mu wsync.Mutex
	data := make(map[string]string)

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		for {
			conn, err := ln.Accept(f)
			if err != nil {
				return nil
			}
			if _, err := f.Spawn(fiber.DefaultAttr, func(cf *fiber.Fiber) any {
				serveClient(cf, conn, &mu, data)
				return nil
			}); err != nil {
				conn.Close()
			}
		}
	})
	require.NoError(t, err)

	resultCh := make(chan []string, 1)
	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		conn, err := socket.DialFor(sched, f, "tcp", addr, 2*time.Second)
		if err != nil {
			resultCh <- []string{"dial error: " + err.Error()}
			return nil
		}
		defer conn.Close()

		var got []string
		for _, cmd := range []string{"set alpha 1\n", "get alpha\n", "get missing\n", "delete alpha\n"} {
			if _, err := conn.Write(f, []byte(cmd)); err != nil {
				got = append(got, "write error: "+err.Error())
				break
			}
			line, err := readLine(f, conn)
			if err != nil {
				got = append(got, "read error: "+err.Error())
				break
			}
			got = append(got, line)
		}
		ln.Close()
		resultCh <- got
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.Run()
		close(done)
	}()

	select {
	case got := <-resultCh:
		require.Equal(t, []string{"OK", "1", "Not found", "Unknown command"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("key-value round trip never completed")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never drained")
	}
	require.NoError(t, sched.Destroy())

	// No fibers remain running at this point, so the map is safe to read
	// without the mutex.
	require.Equal(t, "1", data["alpha"])
}

func serveClient(f *fiber.Fiber, conn *socket.Socket, mu *wsync.Mutex, data map[string]string) {
	defer conn.Close()
	buf := make([]byte, 1024)
	var pending strings.Builder
	for {
		n, err := conn.Read(f, buf)
		if err != nil {
			return
		}
		pending.Write(buf[:n])
		for {
			line, rest, ok := cutLine(pending.String())
			if !ok {
				break
			}
			pending.Reset()
			pending.WriteString(rest)
			resp := handleCommand(f, mu, data, line)
			if _, err := conn.Write(f, []byte(resp+"\n")); err != nil {
				return
			}
		}
	}
}

func cutLine(s string) (line, rest string, ok bool) {
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return "", s, false
	}
	return strings.TrimSpace(s[:idx]), s[idx+1:], true
}

func handleCommand(f *fiber.Fiber, mu *wsync.Mutex, data map[string]string, line string) string {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return "Parsing failed"
	}
	switch fields[0] {
	case "get":
		mu.Lock(f)
		v, ok := data[fields[1]]
		mu.Unlock(f)
		if !ok {
			return "Not found"
		}
		return v
	case "set":
		if len(fields) < 3 {
			return "Parsing failed"
		}
		mu.Lock(f)
		data[fields[1]] = fields[2]
		mu.Unlock(f)
		return "OK"
	default:
		return "Unknown command"
	}
}

// readLine reads until '\n' or the deadline is reached, buffering across
// multiple Read calls since the server's response may arrive split.
func readLine(f *fiber.Fiber, conn *socket.Socket) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := conn.ReadUntil(f, buf, deadline)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(buf[0])
	}
}
