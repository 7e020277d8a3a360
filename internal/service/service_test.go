package service

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/puppetjoy/nest-cli/internal/logging"
)

func TestDryRunDoesNotConnect(t *testing.T) {
	var buf bytes.Buffer
	s := NewSystemd(logging.New(&buf, zerolog.InfoLevel), true)
	if err := s.Stop(context.Background(), "puppet-run.service", "puppet-run.timer"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Restart(context.Background(), "kexec-load.service"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s.conn != nil {
		t.Fatalf("dry run opened a bus connection")
	}
	out := buf.String()
	if !strings.Contains(out, "puppet-run.timer") || !strings.Contains(out, "systemctl restart") {
		t.Fatalf("dry run output: %q", out)
	}
}
