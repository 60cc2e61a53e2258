// Command wispfib computes Fibonacci numbers via nested joinable fibers:
// fibonacci(n) spawns fibonacci(n-1) and fibonacci(n-2) as child fibers
// and joins both. Ported from the original source's fibonacci++.cpp,
// which notes this is a deliberately naive recursive workload meant to
// exercise fiber creation/join depth, not a fast algorithm.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/scheduler"
)

var (
	n          int
	numWorkers int

	rootCmd = &cobra.Command{
		Use:   "wispfib",
		Short: "Recursive Fibonacci over nested joinable fibers",
		RunE:  runFib,
	}
)

func init() {
	rootCmd.Flags().IntVar(&n, "n", 20, "which Fibonacci number to compute")
	rootCmd.Flags().IntVar(&numWorkers, "workers", 0, "worker threads (0 = GOMAXPROCS)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFib(cmd *cobra.Command, args []string) error {
	sched, err := scheduler.New(scheduler.Attr{NumWorkers: numWorkers})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	result := make(chan int, 1)
	start := time.Now()
	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		result <- fibonacci(f, n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spawn root fiber: %w", err)
	}

	sched.Run()
	if err := sched.Destroy(); err != nil {
		return err
	}

	fmt.Printf("fibonacci(%d) = %d (%s)\n", n, <-result, time.Since(start))
	return nil
}

func fibonacci(f *fiber.Fiber, n int) int {
	if n <= 1 {
		return n
	}

	a, err := f.Spawn(fiber.DefaultAttr, func(cf *fiber.Fiber) any {
		return fibonacci(cf, n-1)
	})
	if err != nil {
		panic(err)
	}
	b, err := f.Spawn(fiber.DefaultAttr, func(cf *fiber.Fiber) any {
		return fibonacci(cf, n-2)
	})
	if err != nil {
		panic(err)
	}

	r1, err := a.Join(f)
	if err != nil {
		panic(err)
	}
	r2, err := b.Join(f)
	if err != nil {
		panic(err)
	}
	return r1.(int) + r2.(int)
}
