package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/config"
)

func TestNewLevelAndFormat(t *testing.T) {
	log := New(config.LogOptions{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want JSON", log.Formatter)
	}

	log = New(config.LogOptions{Level: "warn", Format: "text"})
	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %v, want warn", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("formatter = %T, want text", log.Formatter)
	}

	// Unknown level falls back instead of failing.
	log = New(config.LogOptions{Level: "nonsense"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("fallback level = %v, want info", log.GetLevel())
	}
}

func TestSplitterRoutesBySeverity(t *testing.T) {
	var out, errw bytes.Buffer
	log := logrus.New()
	log.SetOutput(&Splitter{Out: &out, Err: &errw})
	log.SetFormatter(&logrus.TextFormatter{DisableColors: true})

	log.Info("routine work")
	log.Error("broken pipe")

	if !strings.Contains(out.String(), "routine work") {
		t.Errorf("stdout = %q, missing info entry", out.String())
	}
	if strings.Contains(out.String(), "broken pipe") {
		t.Error("error entry leaked to stdout")
	}
	if !strings.Contains(errw.String(), "broken pipe") {
		t.Errorf("stderr = %q, missing error entry", errw.String())
	}
}

func TestSplitterRoutesJSON(t *testing.T) {
	var out, errw bytes.Buffer
	log := logrus.New()
	log.SetOutput(&Splitter{Out: &out, Err: &errw})
	log.SetFormatter(&logrus.JSONFormatter{})

	log.Warn("heads up")
	log.Error("down")

	if !strings.Contains(out.String(), "heads up") {
		t.Errorf("stdout = %q", out.String())
	}
	if !strings.Contains(errw.String(), "down") {
		t.Errorf("stderr = %q", errw.String())
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oms.log")

	log := New(config.LogOptions{Level: "info", File: path})
	log.Info("first entry")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "first entry") {
		t.Errorf("log file = %q", string(data))
	}
}
