package training

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func TestNewLoggerMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", LogFileName)
	logger, closer, err := NewLogger("debug", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.WithField("iter", 3).Debug("hello")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") || !strings.Contains(string(data), "iter=3") {
		t.Errorf("unexpected log content: %s", data)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	if _, _, err := NewLogger("chatty", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	logger, closer, err := NewLogger("warn", "")
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if logger.IsLevelEnabled(logrus.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
}
