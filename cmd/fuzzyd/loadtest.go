package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/fuzzytales/fuzzy/pkg/client"
	"github.com/fuzzytales/fuzzy/pkg/logging"
	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

// loadStats tracks load test results
type loadStats struct {
	rounds            atomic.Int64 // complete create/join/start/finish cycles
	failedRounds      atomic.Int64
	requests          atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	timeouts          atomic.Int64
	serverErrors      atomic.Int64
}

func (s *loadStats) recordRequest(start time.Time) {
	s.requests.Add(1)
	s.totalResponseTime.Add(time.Since(start).Microseconds())
}

func (s *loadStats) recordFailure(err error) {
	s.failedRounds.Add(1)
	var serverErr *client.ServerError
	switch {
	case errors.As(err, &serverErr):
		s.serverErrors.Add(1)
	case errors.Is(err, client.ErrTimeout):
		s.timeouts.Add(1)
	}
}

func (s *loadStats) snapshot() (rounds, failed, requests int64, avgResponseUs float64) {
	rounds = s.rounds.Load()
	failed = s.failedRounds.Load()
	requests = s.requests.Load()
	if requests > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(requests)
	}
	return
}

type loadtestOptions struct {
	addr      string
	rooms     int
	members   int
	duration  time.Duration
	timeout   time.Duration
	roomDelay time.Duration
}

func loadtestCmd() *cobra.Command {
	opts := loadtestOptions{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Exercise a running server with concurrent rooms",
		Long: `Run concurrent lobby rounds against a server.

Each round opens a room, fills it with members, starts the game and then
closes the room by disconnecting the owner. Rooms ramp up over the first
quarter of the test.

Examples:
  fuzzyd loadtest --rooms 50 --members 3 --duration 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.DefaultConfig())
			return runLoadtest(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", defaultAddr, "Server address (host:port)")
	cmd.Flags().IntVar(&opts.rooms, "rooms", 10, "Number of concurrent rooms")
	cmd.Flags().IntVar(&opts.members, "members", 3, "Members joining each room besides the owner")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Per-request timeout")
	cmd.Flags().DurationVar(&opts.roomDelay, "delay", 100*time.Millisecond, "Pause between rounds of one room")

	return cmd
}

func runLoadtest(opts loadtestOptions) error {
	if opts.rooms < 1 || opts.members < 0 {
		return fmt.Errorf("need at least one room and a non-negative member count")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutdown signal received, stopping test")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Ramp up over 25% of test duration
	staggerDelay := opts.duration / 4 / time.Duration(opts.rooms)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info().
		Str("server", opts.addr).
		Int("rooms", opts.rooms).
		Int("members", opts.members).
		Dur("duration", opts.duration).
		Dur("stagger", staggerDelay).
		Msg("starting load test")

	stats := &loadStats{}
	start := time.Now()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logStats(stats, start)
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.rooms; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := runRound(id, opts, stats); err != nil {
					stats.recordFailure(err)
					log.Debug().Err(err).Int("room", id).Msg("round failed")
				} else {
					stats.rounds.Add(1)
				}
				select {
				case <-ctx.Done():
				case <-time.After(opts.roomDelay):
				}
			}
		}(i)

		select {
		case <-ctx.Done():
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	close(stopStats)

	logStats(stats, start)
	log.Info().
		Int64("connection_errors", stats.connectionErrors.Load()).
		Int64("server_errors", stats.serverErrors.Load()).
		Int64("timeouts", stats.timeouts.Load()).
		Msg("load test complete")
	return nil
}

func logStats(stats *loadStats, start time.Time) {
	rounds, failed, requests, avgUs := stats.snapshot()
	elapsed := time.Since(start).Seconds()
	cpuPct, memPct := hostLoad()
	log.Info().
		Int64("rounds", rounds).
		Float64("rounds_per_sec", float64(rounds)/elapsed).
		Int64("failed", failed).
		Int64("requests", requests).
		Float64("avg_ms", avgUs/1000.0).
		Int("goroutines", runtime.NumGoroutine()).
		Float64("host_cpu_pct", cpuPct).
		Float64("host_mem_pct", memPct).
		Msg("stats")
}

// hostLoad samples host CPU and memory usage. Zero when unavailable.
func hostLoad() (cpuPct, memPct float64) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// runRound plays one room lifecycle: create, join, start, owner leaves
func runRound(id int, opts loadtestOptions, stats *loadStats) error {
	owner, err := dialLoadClient(opts, stats)
	if err != nil {
		return err
	}
	defer owner.Close()

	t := time.Now()
	roomID, err := owner.CreateRoom(fmt.Sprintf("load-%d", id))
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	stats.recordRequest(t)

	members := make([]*client.Client, 0, opts.members)
	defer func() {
		for _, m := range members {
			m.Close()
		}
	}()

	for i := 0; i < opts.members; i++ {
		m, err := dialLoadClient(opts, stats)
		if err != nil {
			return err
		}
		members = append(members, m)

		t := time.Now()
		if err := m.JoinRoom(roomID); err != nil {
			return fmt.Errorf("join room %d: %w", roomID, err)
		}
		stats.recordRequest(t)
	}

	t = time.Now()
	if err := owner.StartGame(); err != nil {
		return fmt.Errorf("start game: %w", err)
	}
	stats.recordRequest(t)

	for _, m := range members {
		if err := expectNotification(m, protocol.CommandGameStart, opts.timeout); err != nil {
			return err
		}
	}

	owner.Close()
	for _, m := range members {
		if err := expectNotification(m, protocol.CommandGameFinish, opts.timeout); err != nil {
			return err
		}
	}
	return nil
}

func dialLoadClient(opts loadtestOptions, stats *loadStats) (*client.Client, error) {
	c, err := client.Dial(opts.addr)
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}
	c.SetTimeout(opts.timeout)
	return c, nil
}

func expectNotification(c *client.Client, want protocol.CommandType, timeout time.Duration) error {
	got, err := c.WaitNotification(timeout)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", want, err)
	}
	if got != want {
		return fmt.Errorf("expected %s, got %s", want, got)
	}
	return nil
}
