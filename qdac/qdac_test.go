package qdac

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// newTestDac returns a session over a simulator with a frozen clock and a
// recording sleep, with the initialization chatter cleared from the log
func newTestDac(t *testing.T, boards int) (*QDac, *Sim, *[]time.Duration) {
	t.Helper()
	sim := NewSim(boards)
	q, err := NewFromConn(sim)
	if err != nil {
		t.Fatalf("session setup failed: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	sleeps := &[]time.Duration{}
	q.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	sim.ClearCommands()
	return q, sim, sleeps
}

func cmdIndex(cmds []string, want string) int {
	for i, c := range cmds {
		if c == want {
			return i
		}
	}
	return -1
}

func cmdIndexPrefix(cmds []string, prefix string) int {
	for i, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestSessionDiscoversChannels(t *testing.T) {
	q, _, _ := newTestDac(t, 3)
	if q.NumChannels() != 24 {
		t.Errorf("expected 24 channels on a 3 board unit, got %d", q.NumChannels())
	}
	if q.NumSyncOutputs() != 2 {
		t.Errorf("expected 2 sync outputs on a 3 board unit, got %d", q.NumSyncOutputs())
	}
	if q.Version() != "1.07" {
		t.Errorf("expected firmware version 1.07, got %q", q.Version())
	}
}

func TestSingleBoardHasOneSyncOutput(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	if q.NumSyncOutputs() != 1 {
		t.Errorf("expected 1 sync output on a 1 board unit, got %d", q.NumSyncOutputs())
	}
}

func TestSetVoltageImmediate(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	if err := q.SetVoltage(1, 1.5); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	cmds := sim.Commands()
	iWav := cmdIndex(cmds, "wav 1 0 0 0")
	iSet := cmdIndex(cmds, "set 1 1.500000")
	if iWav == -1 || iSet == -1 || iWav > iSet {
		t.Errorf("expected generator disconnect then set, got %v", cmds)
	}
	v, err := q.Voltage(1)
	if err != nil || v != 1.5 {
		t.Errorf("cached voltage is %f (err %v), expected 1.5", v, err)
	}
}

func TestSetVoltageOutOfRangeRejected(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	if err := q.SetVoltage(1, 11); err == nil {
		t.Error("expected an error setting 11V in the +/-10V range")
	}
	if len(sim.Commands()) != 0 {
		t.Errorf("rejected set reached the device: %v", sim.Commands())
	}
}

func TestSlopedSetRampsThroughGenerator(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	if err := q.SetSlope(1, 10); err != nil {
		t.Fatalf("set slope failed: %v", err)
	}
	// 1V at 10 V/s is a 100ms ramp, 100 steps of 1ms
	if err := q.SetVoltage(1, 1); err != nil {
		t.Fatalf("sloped set failed: %v", err)
	}
	cmds := sim.Commands()
	if cmdIndex(cmds, "wav 1 1 1.000000 0.000000") == -1 {
		t.Errorf("waveform was not programmed, got %v", cmds)
	}
	if cmdIndex(cmds, "fun 1 4 1 100 1 0") == -1 {
		t.Errorf("staircase was not programmed with 100 steps and no trigger, got %v", cmds)
	}
	if cmdIndexPrefix(cmds, "trig") != -1 {
		t.Errorf("a single channel ramp fired a trigger: %v", cmds)
	}
}

func TestSetSlopeRangeEnforced(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	for _, bad := range []float64{0, 1e-4, 2e4, -1} {
		if err := q.SetSlope(1, bad); err == nil {
			t.Errorf("slope %g accepted, expected rejection", bad)
		}
	}
	if err := q.SetSlope(1, 1e-3); err != nil {
		t.Errorf("slope 0.001 rejected: %v", err)
	}
	if err := q.SetSlope(1, 1e4); err != nil {
		t.Errorf("slope 10000 rejected: %v", err)
	}
}

func TestRampVoltagesExample(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	dur, err := q.RampVoltages([]int{1, 2}, nil, []float64{0, 1}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	if dur != 100*time.Millisecond {
		t.Errorf("expected a 100ms ramp, got %v", dur)
	}
	cmds := sim.Commands()
	iFun1 := cmdIndex(cmds, "fun 1 4 1 100 1 1")
	iFun2 := cmdIndex(cmds, "fun 2 4 1 100 1 1")
	if iFun1 == -1 || iFun2 == -1 {
		t.Fatalf("both generators must step 100 times on the shared trigger, got %v", cmds)
	}
	if cmdIndex(cmds, "wav 1 1 0.000000 0.000000") == -1 {
		t.Errorf("channel 1 waveform wrong, got %v", cmds)
	}
	if cmdIndex(cmds, "wav 2 2 1.000000 0.000000") == -1 {
		t.Errorf("channel 2 waveform wrong, got %v", cmds)
	}
	iTrig := cmdIndex(cmds, "trig 1")
	if iTrig == -1 {
		t.Fatalf("shared trigger was never fired: %v", cmds)
	}
	if iTrig < iFun1 || iTrig < iFun2 {
		t.Errorf("trigger fired before both generators were programmed: %v", cmds)
	}
}

func TestShortRampTimeClamped(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	dur, err := q.RampVoltages([]int{1}, nil, []float64{0.5}, time.Millisecond)
	if err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	if dur != 2*time.Millisecond {
		t.Errorf("sub-2ms ramp should clamp to 2ms, got %v", dur)
	}
}

func TestRampGroupsMayNotOverlap(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	_, err := q.RampVoltages2D(
		Group{Channels: []int{1, 2}, End: []float64{0, 0}},
		Group{Channels: []int{2, 3}, End: []float64{0, 0}},
		time.Millisecond, 10, 10)
	if err == nil {
		t.Fatal("expected overlapping groups to be rejected")
	}
	if len(sim.Commands()) != 0 {
		t.Errorf("rejected ramp reached the device: %v", sim.Commands())
	}
}

func TestRampShapeMismatchRejectedBeforeWrite(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	_, err := q.RampVoltages([]int{1, 2}, nil, []float64{0.5}, time.Second)
	if err == nil {
		t.Fatal("expected channel/voltage count mismatch to be rejected")
	}
	if len(sim.Commands()) != 0 {
		t.Errorf("rejected ramp reached the device: %v", sim.Commands())
	}
}

func TestRampVoltages2DStaircaseNesting(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	dur, err := q.RampVoltages2D(
		Group{Channels: []int{1}, Start: []float64{0}, End: []float64{1}},
		Group{Channels: []int{2}, Start: []float64{0}, End: []float64{0.5}},
		2*time.Millisecond, 5, 10)
	if err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	if dur != 100*time.Millisecond {
		t.Errorf("5x10 steps of 2ms should last 100ms, got %v", dur)
	}
	cmds := sim.Commands()
	// slow channel advances once per fast pass: 20ms per step, 5 steps, once
	if cmdIndex(cmds, "fun 1 4 20 5 1 1") == -1 {
		t.Errorf("slow generator misprogrammed, got %v", cmds)
	}
	// fast channel: 2ms per step, 10 steps, repeated 5 times
	if cmdIndex(cmds, "fun 2 4 2 10 5 1") == -1 {
		t.Errorf("fast generator misprogrammed, got %v", cmds)
	}
}

func TestNinthConcurrentRampFails(t *testing.T) {
	q, _, _ := newTestDac(t, 2)
	for ch := 1; ch <= 8; ch++ {
		if _, err := q.RampVoltages([]int{ch}, nil, []float64{0.1}, 10*time.Second); err != nil {
			t.Fatalf("ramp %d failed: %v", ch, err)
		}
	}
	_, err := q.RampVoltages([]int{9}, nil, []float64{0.1}, 10*time.Second)
	if !errors.Is(err, ErrNoGeneratorAvailable) {
		t.Errorf("expected ErrNoGeneratorAvailable for the ninth concurrent ramp, got %v", err)
	}
}

func TestGeneratorRecycledFromFinishingRamp(t *testing.T) {
	q, sim, sleeps := newTestDac(t, 2)
	// channel 1's generator finishes inside the reclaim horizon, the rest do not
	if _, err := q.RampVoltages([]int{1}, nil, []float64{0.5}, time.Second); err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	for ch := 2; ch <= 8; ch++ {
		if _, err := q.RampVoltages([]int{ch}, nil, []float64{0.1}, 10*time.Second); err != nil {
			t.Fatalf("ramp %d failed: %v", ch, err)
		}
	}
	sim.ClearCommands()
	if _, err := q.RampVoltages([]int{9}, nil, []float64{0.1}, 10*time.Second); err != nil {
		t.Fatalf("ramp with recycled generator failed: %v", err)
	}
	if len(*sleeps) == 0 || (*sleeps)[0] != time.Second {
		t.Errorf("expected a 1s wait for the finishing ramp, got %v", *sleeps)
	}
	cmds := sim.Commands()
	iPark := cmdIndex(cmds, "wav 1 0 0 0")
	if iPark == -1 {
		t.Fatalf("displaced channel was not parked in DC mode: %v", cmds)
	}
	if g, ok := q.assignedFGs[9]; !ok || g.id != 1 {
		t.Errorf("channel 9 did not inherit generator 1: %+v", q.assignedFGs[9])
	}
	if _, ok := q.assignedFGs[1]; ok {
		t.Error("displaced channel still owns a generator")
	}
}

func TestMultiChannelRampCannotPoachItsOwnGenerators(t *testing.T) {
	q, _, sleeps := newTestDac(t, 2)
	for ch := 1; ch <= 7; ch++ {
		if _, err := q.RampVoltages([]int{ch}, nil, []float64{0.1}, 10*time.Second); err != nil {
			t.Fatalf("ramp %d failed: %v", ch, err)
		}
	}
	// channel 8 takes the last free generator; channel 9 must fail cleanly
	// rather than steal the generator channel 8 just received
	_, err := q.RampVoltages([]int{8, 9}, nil, []float64{0.1, 0.1}, 10*time.Second)
	if !errors.Is(err, ErrNoGeneratorAvailable) {
		t.Fatalf("expected ErrNoGeneratorAvailable, got %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("acquire waited %v instead of failing", *sleeps)
	}
	if g, ok := q.assignedFGs[8]; !ok || g.id != 8 {
		t.Errorf("channel 8 lost its generator: %+v", q.assignedFGs[8])
	}
}

func TestSessionRecoversRunningRampState(t *testing.T) {
	// a unit with a staircase ramp in flight on channel 3, driven by
	// generator 2 on trigger 3, marked on sync output 1
	sim := NewSim(2)
	sim.voltages[3] = 0.25
	sim.wavGen[3] = 2
	sim.wavAmp[3] = 1.0
	sim.funWave[2] = waveformStaircase
	sim.funStep[2] = 10
	sim.funSteps[2] = 100
	sim.funReps[2] = 1
	sim.funTrig[2] = 3
	sim.synFG[1] = 2
	sim.synDelay[1] = 5
	sim.synDuration[1] = 20
	q, err := NewFromConn(sim)
	if err != nil {
		t.Fatalf("session setup failed: %v", err)
	}
	g, ok := q.assignedFGs[3]
	if !ok || g.id != 2 {
		t.Fatalf("running generator was not recovered: %+v", q.assignedFGs)
	}
	if !g.end.After(time.Now()) {
		t.Error("running ramp considered already finished")
	}
	if q.assignedTriggers[2] != 3 {
		t.Errorf("trigger binding was not recovered: %v", q.assignedTriggers)
	}
	if s, _ := q.Sync(3); s != 1 {
		t.Errorf("sync assignment was not recovered, got %d", s)
	}
	if d, _ := q.SyncDelay(3); d != 5*time.Millisecond {
		t.Errorf("sync delay was not recovered, got %v", d)
	}
	if d, _ := q.SyncDuration(3); d != 20*time.Millisecond {
		t.Errorf("sync duration was not recovered, got %v", d)
	}
	// a new ramp must route around the busy generator
	if _, err := q.RampVoltages([]int{5}, nil, []float64{0.1}, time.Second); err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	if g := q.assignedFGs[5]; g.id == 2 {
		t.Error("new ramp took the generator of the in-flight ramp")
	}
}

func TestReleaseSlopeFreesGeneratorImmediately(t *testing.T) {
	q, sim, sleeps := newTestDac(t, 2)
	for ch := 1; ch <= 8; ch++ {
		if _, err := q.RampVoltages([]int{ch}, nil, []float64{0.1}, 10*time.Second); err != nil {
			t.Fatalf("ramp %d failed: %v", ch, err)
		}
	}
	if err := q.ReleaseSlope(3); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	cmds := sim.Commands()
	if cmdIndex(cmds, "wav 3 0 0 0") == -1 {
		t.Errorf("released channel was not pinned in DC mode: %v", cmds)
	}
	if _, err := q.RampVoltages([]int{9}, nil, []float64{0.1}, 10*time.Second); err != nil {
		t.Fatalf("ramp after release failed: %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("acquiring a released generator slept %v, expected no wait", *sleeps)
	}
}

func TestReleaseSlopeFreesTrigger(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	if _, err := q.RampVoltages([]int{1, 2}, nil, []float64{0.5, 0.5}, time.Second); err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	if len(q.assignedTriggers) != 2 {
		t.Fatalf("expected both generators bound to the shared trigger, got %v", q.assignedTriggers)
	}
	if err := q.ReleaseSlope(1); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if len(q.assignedTriggers) != 1 {
		t.Errorf("released channel's trigger binding survived: %v", q.assignedTriggers)
	}
}

func TestSyncProgrammedBeforeWaveforms(t *testing.T) {
	q, sim, _ := newTestDac(t, 3)
	if err := q.SetSync(1, 1); err != nil {
		t.Fatalf("set sync failed: %v", err)
	}
	sim.ClearCommands()
	if _, err := q.RampVoltages([]int{1, 2}, nil, []float64{0.5, 0.5}, time.Second); err != nil {
		t.Fatalf("ramp failed: %v", err)
	}
	cmds := sim.Commands()
	iSyn := cmdIndexPrefix(cmds, "syn 1 ")
	iWav := cmdIndexPrefix(cmds, "wav 1 ")
	if iSyn == -1 {
		t.Fatalf("sync output was never configured: %v", cmds)
	}
	if iWav == -1 || iSyn > iWav {
		t.Errorf("sync must be configured before the waveforms arm: %v", cmds)
	}
}

func TestSyncStealingEvictsOtherChannel(t *testing.T) {
	q, sim, _ := newTestDac(t, 3)
	if err := q.SetSync(1, 1); err != nil {
		t.Fatalf("set sync failed: %v", err)
	}
	sim.ClearCommands()
	if err := q.SetSync(2, 1); err != nil {
		t.Fatalf("steal failed: %v", err)
	}
	if s, _ := q.Sync(1); s != 0 {
		t.Errorf("evicted channel still claims sync %d", s)
	}
	if s, _ := q.Sync(2); s != 1 {
		t.Errorf("stealing channel has sync %d, expected 1", s)
	}
	if cmdIndex(sim.Commands(), "syn 1 0 0 0") == -1 {
		t.Errorf("stolen sync register was not cleared: %v", sim.Commands())
	}
}

func TestModeChangeCurrentRangeOnly(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	if err := q.SetMode(1, ModeVHighILow); err != nil {
		t.Fatalf("mode change failed: %v", err)
	}
	cmds := sim.Commands()
	if len(cmds) != 1 || cmds[0] != "cur 1 0" {
		t.Errorf("a current range only change should be a lone cur command, got %v", cmds)
	}
	if m, _ := q.Mode(1); m != ModeVHighILow {
		t.Errorf("mode cache is %v", m)
	}
}

func TestModeChangeAtNonZeroVoltageRejected(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	if err := q.SetVoltage(1, 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	err := q.SetMode(1, ModeVLowILow)
	if !errors.Is(err, ErrNonZeroVoltage) {
		t.Errorf("expected ErrNonZeroVoltage, got %v", err)
	}
	if m, _ := q.Mode(1); m != ModeVHighIHigh {
		t.Errorf("rejected mode change altered the cache: %v", m)
	}
}

func TestModeForceClipsIntoNewRange(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	if err := q.SetVoltage(1, 2); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	q.ModeForce = true
	sim.ClearCommands()
	if err := q.SetMode(1, ModeVLowILow); err != nil {
		t.Fatalf("forced mode change failed: %v", err)
	}
	cmds := sim.Commands()
	iCur := cmdIndex(cmds, "cur 1 0")
	iVol := cmdIndex(cmds, "vol 1 1")
	iSet := cmdIndex(cmds, "set 1 1.000000")
	if iCur == -1 || iVol == -1 || iSet == -1 {
		t.Fatalf("missing relay or voltage command: %v", cmds)
	}
	// the current sense relay must open before the voltage relay steps up
	if iCur > iVol {
		t.Errorf("relay order wrong: %v", cmds)
	}
	if v, _ := q.Voltage(1); v != 1 {
		t.Errorf("2V should clip to 1V in the attenuated range, got %f", v)
	}
}

func TestModeChangeBackClosesCurrentRelayLast(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	q.ModeForce = true
	if err := q.SetMode(1, ModeVLowILow); err != nil {
		t.Fatalf("mode change failed: %v", err)
	}
	sim.ClearCommands()
	if err := q.SetMode(1, ModeVHighIHigh); err != nil {
		t.Fatalf("mode change back failed: %v", err)
	}
	cmds := sim.Commands()
	iVol := cmdIndex(cmds, "vol 1 0")
	iCur := cmdIndex(cmds, "cur 1 1")
	if iVol == -1 || iCur == -1 {
		t.Fatalf("missing relay command: %v", cmds)
	}
	// stepping the voltage range down, the sense relay closes only afterward
	if iCur < iVol {
		t.Errorf("relay order wrong: %v", cmds)
	}
}

func TestCurrentConvertsFromMicroamps(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	i, err := q.Current(1)
	if err != nil {
		t.Fatalf("current read failed: %v", err)
	}
	if diff := i - 0.0987e-6; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected 0.0987uA as amps, got %g", i)
	}
}

func TestUpdateCacheRefreshesFromStatusDump(t *testing.T) {
	q, sim, _ := newTestDac(t, 2)
	// change the instrument behind the session's back
	sim.voltages[2] = 0.5
	sim.vranges[5] = vRangeLow
	sim.iranges[5] = iRangeLow
	if err := q.UpdateCache(false); err != nil {
		t.Fatalf("cache update failed: %v", err)
	}
	if v, _ := q.Voltage(2); v != 0.5 {
		t.Errorf("channel 2 cached voltage is %f, expected 0.5", v)
	}
	if m, _ := q.Mode(5); m != ModeVLowILow {
		t.Errorf("channel 5 cached mode is %v, expected low/low", m)
	}
}

func TestReadVoltageRefreshesCache(t *testing.T) {
	q, sim, _ := newTestDac(t, 1)
	sim.voltages[4] = -0.25
	v, err := q.ReadVoltage(4)
	if err != nil || v != -0.25 {
		t.Fatalf("read voltage returned %f, %v", v, err)
	}
	if cached, _ := q.Voltage(4); cached != -0.25 {
		t.Errorf("cache was not refreshed, holds %f", cached)
	}
}

func TestRawPassthrough(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	resp, err := q.Raw("tem 0 1")
	if err != nil {
		t.Fatalf("raw command failed: %v", err)
	}
	if resp != "25.400000" {
		t.Errorf("unexpected raw reply %q", resp)
	}
}

func TestChannelValidation(t *testing.T) {
	q, _, _ := newTestDac(t, 1)
	if _, err := q.Voltage(0); err == nil {
		t.Error("channel 0 accepted")
	}
	if _, err := q.Voltage(9); err == nil {
		t.Error("channel 9 accepted on a 1 board unit")
	}
}
