package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rzbill/pagedtopic/pkg/log"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(log.NewNop())
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--data-dir", dir))
	err := root.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestPublishThenInspect(t *testing.T) {
	dir := t.TempDir()
	out := mustRun(t, dir, "groups", "ensure", "--topic", "orders", "--group", "billing")
	if !strings.Contains(out, `"name":"billing"`) {
		t.Fatalf("unexpected ensure output: %s", out)
	}

	out = mustRun(t, dir, "publish", "--topic", "orders", "--count", "3", "--channel", "0")
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("expected 3 publish lines, got %d: %s", n, out)
	}
	if strings.Contains(out, `"error"`) {
		t.Fatalf("publish reported errors: %s", out)
	}

	out = mustRun(t, dir, "remaining", "--topic", "orders", "--group", "billing")
	if !strings.Contains(out, `"total":3`) {
		t.Fatalf("expected 3 remaining: %s", out)
	}

	out = mustRun(t, dir, "read", "--topic", "orders", "--channel", "0", "--limit", "2")
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, `"payload_text":"message-0"`) {
		t.Fatalf("unexpected read output: %s", out)
	}

	out = mustRun(t, dir, "groups", "list", "--topic", "orders")
	if !strings.Contains(out, `"billing"`) {
		t.Fatalf("group not listed: %s", out)
	}

	out = mustRun(t, dir, "sweep")
	if !strings.Contains(out, `"expired":0`) {
		t.Fatalf("unexpected sweep output: %s", out)
	}

	mustRun(t, dir, "groups", "destroy", "--topic", "orders", "--group", "billing")
	out = mustRun(t, dir, "groups", "list", "--topic", "orders")
	if strings.TrimSpace(out) != "" {
		t.Fatalf("expected no groups, got: %s", out)
	}
}

func TestDestroyRequiresConfirm(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "destroy", "--topic", "orders"); err == nil || !strings.Contains(err.Error(), "--confirm") {
		t.Fatalf("expected confirm error, got %v", err)
	}
	mustRun(t, dir, "groups", "ensure", "--topic", "orders", "--group", "g")
	out := mustRun(t, dir, "destroy", "--topic", "orders", "--confirm")
	if !strings.Contains(out, `"destroyed":"orders"`) {
		t.Fatalf("unexpected destroy output: %s", out)
	}
	if _, err := run(t, dir, "remaining", "--topic", "orders", "--group", "g"); err == nil {
		t.Fatalf("expected destroyed topic to be rejected")
	}
}

func TestMissingFlags(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "publish"); err == nil || !strings.Contains(err.Error(), "--topic") {
		t.Fatalf("expected --topic error, got %v", err)
	}
	if _, err := run(t, dir, "read", "--topic", "orders", "--from", "bogus"); err == nil {
		t.Fatalf("expected bad position error")
	}
}
