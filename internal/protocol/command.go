package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Verb is the first token of a host command.
type Verb string

const (
	VerbDrive     Verb = "D"
	VerbStop      Verb = "S"
	VerbEStop     Verb = "E"
	VerbRearm     Verb = "R"
	VerbTelemetry Verb = "T"
	VerbVersion   Verb = "V"
)

// MaxDuty bounds the wheel duty percent sent to the board.
const MaxDuty = 100

// Command is a decoded host command. The simulated board parses commands with
// ParseCommand; production code only encodes them.
type Command struct {
	Verb  Verb
	Seq   uint32
	Left  int
	Right int
	Arg   int64
}

// Sequencer hands out command sequence numbers.
type Sequencer struct {
	n atomic.Uint32
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint32 {
	return s.n.Add(1)
}

func clampDuty(v int) int {
	if v > MaxDuty {
		return MaxDuty
	}
	if v < -MaxDuty {
		return -MaxDuty
	}
	return v
}

// EncodeDrive renders a wheel duty command; duties are clamped to ±MaxDuty.
func EncodeDrive(seq uint32, left, right int) string {
	return fmt.Sprintf("%s %d %d %d", VerbDrive, seq, clampDuty(left), clampDuty(right))
}

func EncodeStop(seq uint32) string  { return fmt.Sprintf("%s %d", VerbStop, seq) }
func EncodeEStop(seq uint32) string { return fmt.Sprintf("%s %d", VerbEStop, seq) }
func EncodeRearm(seq uint32) string { return fmt.Sprintf("%s %d", VerbRearm, seq) }

// EncodeClockSync sets the board clock to the host's UNIX time.
func EncodeClockSync(now time.Time) string {
	return fmt.Sprintf("C=%d", now.Unix())
}

// EncodeTelemetryPeriod asks the board to report every period.
func EncodeTelemetryPeriod(period time.Duration) string {
	return fmt.Sprintf("%s %d", VerbTelemetry, period.Milliseconds())
}

// EncodeVersionQuery asks the board for a hello line.
func EncodeVersionQuery() string {
	return string(VerbVersion)
}

// ParseCommand decodes a host command line.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "C=") {
		ts, err := strconv.ParseInt(strings.TrimPrefix(line, "C="), 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("invalid clock sync %q: %w", line, err)
		}
		return Command{Verb: "C", Arg: ts}, nil
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}

	cmd := Command{Verb: Verb(fields[0])}
	switch cmd.Verb {
	case VerbVersion:
		return cmd, nil
	case VerbTelemetry:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("invalid telemetry command %q", line)
		}
		ms, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || ms <= 0 {
			return Command{}, fmt.Errorf("invalid telemetry period %q", fields[1])
		}
		cmd.Arg = ms
		return cmd, nil
	case VerbStop, VerbEStop, VerbRearm:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("invalid %s command %q", cmd.Verb, line)
		}
	case VerbDrive:
		if len(fields) != 4 {
			return Command{}, fmt.Errorf("invalid drive command %q", line)
		}
		l, errL := strconv.Atoi(fields[2])
		r, errR := strconv.Atoi(fields[3])
		if errL != nil || errR != nil {
			return Command{}, fmt.Errorf("invalid drive duties in %q", line)
		}
		cmd.Left, cmd.Right = clampDuty(l), clampDuty(r)
	default:
		return Command{}, fmt.Errorf("unknown command verb %q", fields[0])
	}

	seq, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Command{}, fmt.Errorf("invalid sequence number %q: %w", fields[1], err)
	}
	cmd.Seq = uint32(seq)
	return cmd, nil
}
