// Command wispecho is a runnable echo server: one acceptor fiber spawns
// one fiber per accepted connection, each looping read/write until the
// peer closes. Ported from the original source's echo++.cpp, which
// spawns exactly this shape of fiber-per-connection acceptor loop.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/scheduler"
	"github.com/xtaci/wisp/socket"
)

var (
	addr        string
	numWorkers  int
	idleTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:   "wispecho",
		Short: "Fiber-per-connection echo server",
		Long: `wispecho accepts TCP connections and echoes back whatever each one
sends, one fiber per connection, until the peer closes or idles out.`,
		RunE: runEcho,
	}
)

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7007", "address to listen on")
	rootCmd.Flags().IntVar(&numWorkers, "workers", 0, "worker threads (0 = GOMAXPROCS)")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "per-read idle timeout (0 = none)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEcho(cmd *cobra.Command, args []string) error {
	sched, err := scheduler.New(scheduler.Attr{NumWorkers: numWorkers})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ln, err := socket.Listen(sched, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	fmt.Fprintf(os.Stdout, "wispecho: listening on %s\n", ln.Addr())

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		acceptor(f, ln)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spawn acceptor: %w", err)
	}

	sched.Run()
	return sched.Destroy()
}

func acceptor(f *fiber.Fiber, ln *socket.Listener) {
	for {
		conn, err := ln.Accept(f)
		if err != nil {
			return
		}
		_, err = f.Spawn(fiber.DefaultAttr, func(cf *fiber.Fiber) any {
			echo(cf, conn)
			return nil
		})
		if err != nil {
			conn.Close()
		}
	}
}

func echo(f *fiber.Fiber, conn *socket.Socket) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		var n int
		var err error
		if idleTimeout > 0 {
			n, err = conn.ReadFor(f, buf, idleTimeout)
		} else {
			n, err = conn.Read(f, buf)
		}
		if err != nil {
			return
		}
		if _, err := conn.Write(f, buf[:n]); err != nil {
			return
		}
	}
}
