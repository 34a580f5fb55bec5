package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	if err := SetupWriter(&buf, "warn", false); err != nil {
		t.Fatalf("SetupWriter: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "shown" || line["component"] != "test" || line["level"] != "warn" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupBadLevel(t *testing.T) {
	if err := SetupWriter(&bytes.Buffer{}, "loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
