package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thesyncim/gcc/internal/sim"
)

var csvHeader = []string{
	"at_ms", "capacity_bps", "target_bps", "delay_based_bps", "loss_based_bps",
	"acknowledged_bps", "link_queue_ms", "pacer_queue_ms", "fraction_loss_q8",
	"rtt_ms", "delay_state",
}

func writeCSV(path string, samples []sim.Sample) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		if err := w.Write(csvRecord(s)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func csvRecord(s sim.Sample) []string {
	ms := func(d time.Duration) string {
		return strconv.FormatInt(d.Milliseconds(), 10)
	}
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	return []string{
		ms(s.At),
		i(s.Capacity),
		i(s.Target),
		i(s.DelayBased),
		i(s.LossBased),
		i(s.Acknowledged),
		ms(s.LinkQueue),
		ms(s.PacerQueue),
		strconv.Itoa(int(s.FractionLossQ8)),
		ms(s.RTT),
		s.DelayState.String(),
	}
}
