package bwe

import (
	"testing"
	"time"
)

var testEpoch = time.Unix(1_000_000_000, 0)

func at(ms float64) time.Time {
	return testEpoch.Add(time.Duration(ms * float64(time.Millisecond)))
}

func feedPacket(c *InterArrivalCalculator, sendMs, arrivalMs float64, size int) (InterArrivalDelta, bool) {
	return c.ComputeDeltas(at(sendMs), at(arrivalMs), at(arrivalMs), size)
}

func TestInterArrivalCalculator_BurstGrouping(t *testing.T) {
	calc := NewInterArrivalCalculator(5 * time.Millisecond)

	// three packets within 5 ms of send time form one group
	for i, send := range []float64{0, 2, 4} {
		if _, ok := feedPacket(calc, send, 50+send, 100+50*i); ok {
			t.Fatalf("packet %d: unexpected delta inside the first group", i)
		}
	}
	g := calc.CurrentGroup()
	if g == nil {
		t.Fatal("current group should not be nil")
	}
	if g.NumPackets != 3 {
		t.Errorf("NumPackets = %d, want 3", g.NumPackets)
	}
	if g.Size != 450 {
		t.Errorf("Size = %d, want 450", g.Size)
	}

	// sent 10 ms after the first packet: new group, but no delta until a
	// previous group exists
	if _, ok := feedPacket(calc, 10, 60, 120); ok {
		t.Error("second group should not produce a delta yet")
	}
	if calc.PreviousGroup() == nil || calc.PreviousGroup().NumPackets != 3 {
		t.Fatalf("previous group = %+v, want 3 packets", calc.PreviousGroup())
	}
	if calc.CurrentGroup().NumPackets != 1 {
		t.Errorf("current group has %d packets, want 1", calc.CurrentGroup().NumPackets)
	}

	delta, ok := feedPacket(calc, 20, 70, 100)
	if !ok {
		t.Fatal("third group should produce a delta")
	}
	if delta.SizeDelta != 120-450 {
		t.Errorf("SizeDelta = %d, want %d", delta.SizeDelta, 120-450)
	}
}

func TestInterArrivalCalculator_Deltas(t *testing.T) {
	tests := []struct {
		name        string
		arrivalGap  float64
		wantArrival time.Duration
	}{
		{"stable", 20, 20 * time.Millisecond},
		{"queue building", 30, 30 * time.Millisecond},
		{"queue draining", 15, 15 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewInterArrivalCalculator(DefaultBurstThreshold)
			var (
				delta InterArrivalDelta
				ok    bool
			)
			for i := 0; i < 3; i++ {
				delta, ok = feedPacket(calc, float64(i)*20, 100+float64(i)*tt.arrivalGap, 1000)
			}
			if !ok {
				t.Fatal("expected a delta after three groups")
			}
			if d := delta.SendDelta - 20*time.Millisecond; d < -10*time.Microsecond || d > 10*time.Microsecond {
				t.Errorf("SendDelta = %v, want ~20ms", delta.SendDelta)
			}
			if delta.ArrivalDelta != tt.wantArrival {
				t.Errorf("ArrivalDelta = %v, want %v", delta.ArrivalDelta, tt.wantArrival)
			}
			if delta.SizeDelta != 0 {
				t.Errorf("SizeDelta = %d, want 0", delta.SizeDelta)
			}
		})
	}
}

func TestInterArrivalCalculator_ArrivalBurstJoinsGroup(t *testing.T) {
	calc := NewInterArrivalCalculator(DefaultBurstThreshold)
	feedPacket(calc, 0, 100, 100)

	// sent 10 ms later but arrived 1 ms after the previous packet: the
	// packets were queued together on the path
	feedPacket(calc, 10, 101, 100)
	if g := calc.CurrentGroup(); g.NumPackets != 2 {
		t.Errorf("NumPackets = %d, want 2 (arrival burst)", g.NumPackets)
	}
}

func TestInterArrivalCalculator_OutOfOrderIgnored(t *testing.T) {
	calc := NewInterArrivalCalculator(DefaultBurstThreshold)
	feedPacket(calc, 20, 100, 100)

	if _, ok := feedPacket(calc, 10, 101, 100); ok {
		t.Error("out-of-order packet should not produce a delta")
	}
	if g := calc.CurrentGroup(); g.NumPackets != 1 {
		t.Errorf("NumPackets = %d, want 1 (reordered packet dropped)", g.NumPackets)
	}
}

func TestInterArrivalCalculator_SendTimeWrap(t *testing.T) {
	calc := NewInterArrivalCalculator(DefaultBurstThreshold)

	// the abs-send-time ring wraps every 64 s; start 30 ms before the wrap
	base := time.Unix(64*15625000, 0).Add(-30 * time.Millisecond)
	var (
		delta InterArrivalDelta
		ok    bool
	)
	for i := 0; i < 4; i++ {
		send := base.Add(time.Duration(i) * 20 * time.Millisecond)
		delta, ok = calc.ComputeDeltas(send, send.Add(40*time.Millisecond), send, 500)
	}
	if !ok {
		t.Fatal("expected a delta across the wrap")
	}
	if d := delta.SendDelta - 20*time.Millisecond; d < -10*time.Microsecond || d > 10*time.Microsecond {
		t.Errorf("SendDelta across wrap = %v, want ~20ms", delta.SendDelta)
	}
}

func TestInterArrivalCalculator_ReorderedGroupsReset(t *testing.T) {
	calc := NewInterArrivalCalculator(DefaultBurstThreshold)
	feedPacket(calc, 0, 1000, 100)
	feedPacket(calc, 20, 1020, 100)
	feedPacket(calc, 40, 1010, 100)

	// every following group arrived before its predecessor
	arrival := 1005.0
	for i := 0; i < reorderedResetThreshold; i++ {
		if _, ok := feedPacket(calc, float64(60+20*i), arrival, 100); ok {
			t.Fatalf("group %d: negative arrival delta must not produce a delta", i)
		}
		arrival -= 5
	}
	if calc.PreviousGroup() != nil {
		t.Error("calculator should reset after consecutive reordered groups")
	}
}

func TestInterArrivalCalculator_ArrivalClockJumpResets(t *testing.T) {
	calc := NewInterArrivalCalculator(DefaultBurstThreshold)
	feedPacket(calc, 0, 100, 100)
	feedPacket(calc, 20, 120, 100)

	// remote arrival clock jumps by 5 s while local processing time does not
	calc.ComputeDeltas(at(40), at(5140), at(140), 100)
	if _, ok := calc.ComputeDeltas(at(60), at(5160), at(160), 100); ok {
		t.Error("clock jump should not produce a delta")
	}
	if calc.PreviousGroup() != nil {
		t.Error("calculator should reset after an arrival clock jump")
	}
}

func TestInterArrivalCalculator_Reset(t *testing.T) {
	calc := NewInterArrivalCalculator(0)
	feedPacket(calc, 0, 100, 100)
	feedPacket(calc, 20, 120, 100)

	calc.Reset()
	if calc.CurrentGroup() != nil || calc.PreviousGroup() != nil {
		t.Error("groups should be nil after Reset")
	}
}
