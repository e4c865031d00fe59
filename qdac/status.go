package qdac

import (
	"fmt"
	"strconv"
	"strings"
)

// voltage and current range labels as printed by the status dump
var (
	vRangeNames = map[string]int{
		"X 1":   vRangeHigh,
		"X 0.1": vRangeLow,
	}
	iRangeNames = map[string]int{
		"hi cur": iRangeHigh,
		"lo cur": iRangeLow,
	}
)

// statusHeader is the lowercased, tab split header line of the status dump
var statusHeader = []string{"channel", "out v", "", "voltage range", "current range"}

// UpdateCache reads the status dump from the device and refreshes the cached
// voltage and mode of every channel.  With updateCurrents, the sensed output
// current of every channel is read as well, which takes about 0.2 s per
// channel on low current range.
//
// Use this when the instrument may have been changed behind the session's
// back, e.g. from its front panel or another program.
func (q *QDac) UpdateCache(updateCurrents bool) error {
	resp, err := q.ask("status")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "Software Version: ") {
		// something else is talking on the line; resynchronize before bailing
		q.waitAndClear()
		return fmt.Errorf("qdac: unrecognized status response: %q", resp)
	}
	header, err := q.readLine()
	if err != nil {
		return err
	}
	got := strings.Split(strings.TrimRight(strings.ToLower(header), " \t"), "\t")
	if len(got) != len(statusHeader) {
		return fmt.Errorf("qdac: unrecognized status header: %q", header)
	}
	for i := range got {
		if strings.TrimSpace(got[i]) != statusHeader[i] {
			return fmt.Errorf("qdac: unrecognized status header: %q", header)
		}
	}

	seen := map[int]bool{}
	for len(seen) < q.numChans {
		line, err := q.readLine()
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return fmt.Errorf("qdac: unrecognized status line: %q", line)
		}
		ch, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return fmt.Errorf("qdac: unrecognized status line: %q", line)
		}
		if err := q.validateChan(ch); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return fmt.Errorf("qdac: unrecognized status line: %q", line)
		}
		vrange, ok := vRangeNames[strings.TrimSpace(fields[3])]
		if !ok {
			return fmt.Errorf("qdac: unrecognized voltage range %q for channel %d", fields[3], ch)
		}
		irange, ok := iRangeNames[strings.TrimSpace(fields[5])]
		if !ok {
			return fmt.Errorf("qdac: unrecognized current range %q for channel %d", fields[5], ch)
		}
		mode, err := modeFromRanges(vrange, irange)
		if err != nil {
			return fmt.Errorf("qdac: channel %d: %w", ch, err)
		}
		c := q.channels[ch-1]
		c.v = v
		c.mode = mode
		seen[ch] = true
	}

	if updateCurrents {
		for ch := 1; ch <= q.numChans; ch++ {
			if _, err := q.Current(ch); err != nil {
				return err
			}
		}
	}
	return nil
}
