package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommands(t *testing.T) {
	assert.Equal(t, "D 3 50 -50", EncodeDrive(3, 50, -50))
	assert.Equal(t, "D 4 100 -100", EncodeDrive(4, 180, -250))
	assert.Equal(t, "S 5", EncodeStop(5))
	assert.Equal(t, "E 6", EncodeEStop(6))
	assert.Equal(t, "R 7", EncodeRearm(7))
	assert.Equal(t, "C=1700000000", EncodeClockSync(time.Unix(1700000000, 0)))
	assert.Equal(t, "T 100", EncodeTelemetryPeriod(100*time.Millisecond))
	assert.Equal(t, "V", EncodeVersionQuery())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{"D 3 50 -50", Command{Verb: VerbDrive, Seq: 3, Left: 50, Right: -50}, false},
		{"D 3 500 -50", Command{Verb: VerbDrive, Seq: 3, Left: 100, Right: -50}, false},
		{"S 12\n", Command{Verb: VerbStop, Seq: 12}, false},
		{"E 1", Command{Verb: VerbEStop, Seq: 1}, false},
		{"R 2", Command{Verb: VerbRearm, Seq: 2}, false},
		{"T 250", Command{Verb: VerbTelemetry, Arg: 250}, false},
		{"V", Command{Verb: VerbVersion}, false},
		{"C=1700000000", Command{Verb: "C", Arg: 1700000000}, false},
		{"", Command{}, true},
		{"D 3 fast slow", Command{}, true},
		{"D 3 10", Command{}, true},
		{"S", Command{}, true},
		{"S -1", Command{}, true},
		{"T 0", Command{}, true},
		{"X 1", Command{}, true},
		{"C=later", Command{}, true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint32(1), s.Next())
	assert.Equal(t, uint32(2), s.Next())
}
