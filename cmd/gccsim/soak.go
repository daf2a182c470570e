package main

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/internal/sim"
	"github.com/thesyncim/gcc/pkg/bwe"
)

// soakResult summarizes a soak run.
type soakResult struct {
	Duration         time.Duration
	Samples          int
	FinalTarget      int64
	FeedbackReports  uint64
	PeakHeapMB       float64
	TotalGCCycles    uint32
	SequenceWraps    uint64
	SuspiciousEvents int
	Stalls           int
	HeapExceeded     bool
	Status           string
}

// soakMonitor watches a running simulation from its sample handler.
type soakMonitor struct {
	logger         *zap.Logger
	controller     *bwe.Controller
	statusInterval time.Duration
	maxHeapMB      float64

	result       soakResult
	lastStatus   time.Duration
	lastFeedback uint64
}

func (m *soakMonitor) onSample(s sim.Sample) {
	m.result.Samples++
	m.result.Duration = s.At
	m.result.FinalTarget = s.Target

	if s.At > 0 && s.Target <= 0 {
		m.logger.Warn("non-positive target", zap.String("at", formatDuration(s.At)), zap.Int64("target", s.Target))
		m.result.SuspiciousEvents++
	}
	if s.At-m.lastStatus < m.statusInterval {
		return
	}
	m.lastStatus = s.At

	stats := m.controller.Stats()
	if stats.FeedbackReport == m.lastFeedback {
		m.logger.Error("no transport feedback since last status", zap.String("at", formatDuration(s.At)))
		m.result.Stalls++
		m.result.Status = "FAIL"
	}
	m.lastFeedback = stats.FeedbackReport
	m.result.FeedbackReports = stats.FeedbackReport

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapMB := float64(mem.HeapAlloc) / (1024 * 1024)
	m.result.PeakHeapMB = max(m.result.PeakHeapMB, heapMB)
	m.result.TotalGCCycles = mem.NumGC

	fmt.Printf("[%s] target %s, acknowledged %s, loss %d/256, rtt %v, heap %.2f MB, gc %d\n",
		formatDuration(s.At),
		formatBitrate(s.Target),
		formatBitrate(s.Acknowledged),
		s.FractionLossQ8,
		s.RTT,
		heapMB,
		mem.NumGC)

	if heapMB > m.maxHeapMB {
		m.logger.Error("heap limit exceeded", zap.Float64("heap_mb", heapMB), zap.Float64("limit_mb", m.maxHeapMB))
		m.result.HeapExceeded = true
		m.result.Status = "FAIL"
	}
}

func runSoak(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := loadScenario(c)
	if err != nil {
		return err
	}
	s.Duration = c.Duration("duration")
	// Expectations are placed for the scenario's own duration.
	s.Expect = nil

	monitor := &soakMonitor{
		logger:         e.logger,
		statusInterval: c.Duration("status-interval"),
		maxHeapMB:      c.Float64("max-heap-mb"),
		result:         soakResult{Status: "PASS"},
	}

	simulation, release, err := e.newSimulation(s,
		sim.WithSpeed(c.Float64("speed")),
		sim.WithSampleInterval(c.Duration("sample-interval")),
		sim.WithSampleHandler(monitor.onSample),
		sim.WithoutSampleHistory(),
	)
	if err != nil {
		return err
	}
	defer release()
	monitor.controller = simulation.Controller()

	fmt.Printf("Soak: %s for %v (virtual)\n\n", s.Name, s.Duration)

	ctx, cancel := signalContext(c)
	defer cancel()

	start := time.Now()
	result, err := simulation.Run(ctx)
	if err != nil {
		fmt.Printf("\nStopped: %v\n", err)
	}

	r := monitor.result
	if err == nil {
		r.FinalTarget = result.Stats.TargetBitrate
		r.FeedbackReports = result.Stats.FeedbackReport
		// Every packet offered to the link carries a 16-bit transport
		// sequence number.
		r.SequenceWraps = uint64(result.Link.Sent) >> 16
	}
	printSoakSummary(r, time.Since(start))

	if r.Status != "PASS" || r.FinalTarget <= 0 {
		return errors.New("soak failed")
	}
	return nil
}

func printSoakSummary(r soakResult, wall time.Duration) {
	fmt.Printf("\n")
	fmt.Printf("Soak Complete\n")
	fmt.Printf("=============\n")
	fmt.Printf("Virtual duration:  %v\n", r.Duration.Round(time.Second))
	fmt.Printf("Wall time:         %v\n", wall.Round(time.Second))
	fmt.Printf("Samples:           %d\n", r.Samples)
	fmt.Printf("Final target:      %s\n", formatBitrate(r.FinalTarget))
	fmt.Printf("Feedback reports:  %d\n", r.FeedbackReports)
	fmt.Printf("Sequence wraps:    %d\n", r.SequenceWraps)
	fmt.Printf("Peak HeapAlloc:    %.2f MB\n", r.PeakHeapMB)
	fmt.Printf("Total GC cycles:   %d\n", r.TotalGCCycles)
	fmt.Printf("Suspicious events: %d\n", r.SuspiciousEvents)
	fmt.Printf("Status:            %s\n", r.Status)
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - Final target > 0:        %s\n", checkMark(r.FinalTarget > 0))
	fmt.Printf("  - Heap within limit:       %s\n", checkMark(!r.HeapExceeded))
	fmt.Printf("  - Feedback never stalled:  %s\n", checkMark(r.Stalls == 0))
	fmt.Printf("  - No suspicious targets:   %s\n", checkMark(r.SuspiciousEvents == 0))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
