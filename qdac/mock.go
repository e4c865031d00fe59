package qdac

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sim is an in-memory stand-in for the instrument's serial port.  It speaks
// enough of the line protocol to initialize and drive a session, replying to
// every sub-command with one line the way the hardware does.  Use NewMock to
// get a ready session backed by one.
type Sim struct {
	boards int

	voltages map[int]float64
	vranges  map[int]int
	iranges  map[int]int
	wavGen   map[int]int
	wavAmp   map[int]float64
	wavOff   map[int]float64

	funWave  map[int]int
	funStep  map[int]int
	funSteps map[int]int
	funReps  map[int]int
	funTrig  map[int]int

	synFG       map[int]int
	synDelay    map[int]int
	synDuration map[int]int

	in       bytes.Buffer
	out      bytes.Buffer
	commands []string
	closed   bool
}

// NewSim creates a simulated unit with the given number of boards, all
// channels at zero volts in the wide voltage range with high current sensing
func NewSim(boards int) *Sim {
	s := &Sim{
		boards:      boards,
		voltages:    map[int]float64{},
		vranges:     map[int]int{},
		iranges:     map[int]int{},
		wavGen:      map[int]int{},
		wavAmp:      map[int]float64{},
		wavOff:      map[int]float64{},
		funWave:     map[int]int{},
		funStep:     map[int]int{},
		funSteps:    map[int]int{},
		funReps:     map[int]int{},
		funTrig:     map[int]int{},
		synFG:       map[int]int{},
		synDelay:    map[int]int{},
		synDuration: map[int]int{},
	}
	// the hardware powers on in the wide voltage range with high current sensing
	for ch := 1; ch <= channelsPerBoard*boards; ch++ {
		s.iranges[ch] = iRangeHigh
	}
	return s
}

// NewMock returns a session driving a simulated unit, for development and
// testing away from the hardware
func NewMock(boards int) (*QDac, error) {
	return NewFromConn(NewSim(boards))
}

// Commands returns every sub-command received so far, semicolon batches split
func (s *Sim) Commands() []string { return s.commands }

// ClearCommands discards the received command log
func (s *Sim) ClearCommands() { s.commands = nil }

func (s *Sim) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.in.Write(p)
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			// partial line, keep it for the next write
			s.in.WriteString(line)
			break
		}
		for _, cmd := range strings.Split(strings.TrimRight(line, "\r\n"), ";") {
			s.commands = append(s.commands, cmd)
			s.out.WriteString(s.respond(cmd) + "\n")
		}
	}
	return len(p), nil
}

func (s *Sim) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *Sim) Close() error {
	s.closed = true
	return nil
}

func (s *Sim) bounds(vrange int) (float64, float64) {
	if vrange == vRangeLow {
		return -1.0, 1.0
	}
	return -10.0, 10.0
}

func (s *Sim) respond(cmd string) string {
	f := strings.Fields(cmd)
	if len(f) == 0 {
		return "Error: empty command"
	}
	switch f[0] {
	case "version":
		return "Software Version: 1.07"
	case "boardNum":
		return fmt.Sprintf("numberOfBoards:%d", s.boards)
	case "ver":
		return "Verbose: " + f[1]
	case "rang":
		vrange, _ := strconv.Atoi(f[2])
		min, max := s.bounds(vrange)
		return fmt.Sprintf("Voltage range MIN: %f MAX: %f", min, max)
	case "set":
		ch, _ := strconv.Atoi(f[1])
		if len(f) == 2 {
			return fmt.Sprintf("%f", s.voltages[ch])
		}
		s.voltages[ch], _ = strconv.ParseFloat(f[2], 64)
		return fmt.Sprintf("Channel %d voltage set", ch)
	case "wav":
		ch, _ := strconv.Atoi(f[1])
		if len(f) == 2 {
			return fmt.Sprintf("%d,%f,%f", s.wavGen[ch], s.wavAmp[ch], s.wavOff[ch])
		}
		s.wavGen[ch], _ = strconv.Atoi(f[2])
		s.wavAmp[ch], _ = strconv.ParseFloat(f[3], 64)
		s.wavOff[ch], _ = strconv.ParseFloat(f[4], 64)
		return fmt.Sprintf("Channel %d waveform set", ch)
	case "fun":
		gen, _ := strconv.Atoi(f[1])
		if len(f) == 2 {
			return fmt.Sprintf("%d,%d,%d,%d,%d",
				s.funWave[gen], s.funStep[gen], s.funSteps[gen], s.funReps[gen], s.funTrig[gen])
		}
		s.funWave[gen], _ = strconv.Atoi(f[2])
		s.funStep[gen], _ = strconv.Atoi(f[3])
		s.funSteps[gen], _ = strconv.Atoi(f[4])
		s.funReps[gen], _ = strconv.Atoi(f[5])
		s.funTrig[gen], _ = strconv.Atoi(f[6])
		return fmt.Sprintf("Generator %s programmed", f[1])
	case "syn":
		n, _ := strconv.Atoi(f[1])
		if len(f) == 2 {
			return fmt.Sprintf("%d,%d,%d", s.synFG[n], s.synDelay[n], s.synDuration[n])
		}
		s.synFG[n], _ = strconv.Atoi(f[2])
		s.synDelay[n], _ = strconv.Atoi(f[3])
		s.synDuration[n], _ = strconv.Atoi(f[4])
		return fmt.Sprintf("Sync %s configured", f[1])
	case "trig":
		return fmt.Sprintf("Trigger %s fired", f[1])
	case "vol":
		ch, _ := strconv.Atoi(f[1])
		s.vranges[ch], _ = strconv.Atoi(f[2])
		return fmt.Sprintf("Channel %d voltage range set", ch)
	case "cur":
		ch, _ := strconv.Atoi(f[1])
		s.iranges[ch], _ = strconv.Atoi(f[2])
		return fmt.Sprintf("Channel %d current range set", ch)
	case "get":
		return "0.098700"
	case "tem":
		return "25.400000"
	case "cal":
		return "Calibration done"
	case "status":
		return s.statusDump()
	}
	return "Error: Unrecognized command"
}

// statusDump renders the multi-line status report; the first line doubles as
// the command's reply line
func (s *Sim) statusDump() string {
	var b strings.Builder
	b.WriteString("Software Version: 1.07\n")
	b.WriteString("Channel\tOut V\t\tVoltage range\tCurrent range\n")
	b.WriteString("\n")
	nchan := channelsPerBoard * s.boards
	for ch := 1; ch <= nchan; ch++ {
		vlabel := "X 1"
		if s.vranges[ch] == vRangeLow {
			vlabel = "X 0.1"
		}
		ilabel := "lo cur"
		if s.iranges[ch] == iRangeHigh {
			ilabel = "hi cur"
		}
		fmt.Fprintf(&b, "%d\t%f\t\t%s\t\t%s", ch, s.voltages[ch], vlabel, ilabel)
		if ch < nchan {
			b.WriteString("\n")
		}
	}
	return b.String()
}
