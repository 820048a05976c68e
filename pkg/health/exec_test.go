package health

import (
	"context"
	"errors"
	"testing"
)

func TestExecChecker_HostCommandSucceeds(t *testing.T) {
	checker := NewExecChecker([]string{"true"})
	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestExecChecker_HostCommandFails(t *testing.T) {
	checker := NewExecChecker([]string{"false"})
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestExecChecker_NoCommand(t *testing.T) {
	checker := NewExecChecker(nil)
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("Expected unhealthy with no command specified")
	}
}

type fakeExecer struct {
	out []byte
	err error
}

func (f *fakeExecer) Exec(ctx context.Context, instanceID string, command []string) ([]byte, error) {
	return f.out, f.err
}

func TestExecChecker_InstanceExecSucceeds(t *testing.T) {
	checker := NewExecChecker([]string{"pg_isready"}).
		WithInstance("inst-1").
		WithExecer(&fakeExecer{out: []byte("accepting connections")})

	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestExecChecker_InstanceExecFails(t *testing.T) {
	checker := NewExecChecker([]string{"pg_isready"}).
		WithInstance("inst-1").
		WithExecer(&fakeExecer{err: errors.New("connection refused")})

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("Expected unhealthy when the instance exec errors")
	}
}

func TestExecChecker_InstanceWithoutExecerIsUnhealthy(t *testing.T) {
	checker := NewExecChecker([]string{"pg_isready"}).WithInstance("inst-1")
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("Expected unhealthy when no execer is wired for an in-instance check")
	}
}

func TestExecChecker_Type(t *testing.T) {
	checker := NewExecChecker([]string{"true"})
	if checker.Type() != CheckTypeExec {
		t.Errorf("Expected type %s, got %s", CheckTypeExec, checker.Type())
	}
}
