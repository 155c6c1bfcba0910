package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitWriter_ProdEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("prod", &buf)
	defer InitWriter("dev", &bytes.Buffer{})

	log.Info().Uint("user_id", 7).Msg("login")
	log.Debug().Msg("hidden")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "login" || line["service"] != "chatcore" {
		t.Errorf("unexpected log line: %v", line)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("GlobalLevel() = %v, want info", zerolog.GlobalLevel())
	}
}

func TestInitWriter_DevEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("dev", &buf)

	log.Debug().Msg("visible")

	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Errorf("debug line missing from dev output: %q", buf.String())
	}
}
