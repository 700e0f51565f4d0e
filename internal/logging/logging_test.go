package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := NewLogger(Config{Level: in}).GetLevel(); got != want {
			t.Fatalf("level %q: expected %s, got %s", in, want, got)
		}
	}
}

func TestOutputStream(t *testing.T) {
	if outputStream("stdout") != os.Stdout {
		t.Fatalf("expected stdout")
	}
	if outputStream("") != os.Stderr {
		t.Fatalf("expected stderr by default")
	}
}

func TestLogWriterConsole(t *testing.T) {
	if _, ok := logWriter(Config{Format: "console"}, os.Stderr).(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer")
	}
	if logWriter(Config{Format: "json"}, os.Stderr) != os.Stderr {
		t.Fatalf("expected raw stream for json format")
	}
}
