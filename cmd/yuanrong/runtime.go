package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/types"
)

// localFetcher treats FunctionSpec.CodePath as already present on this
// host's filesystem: deploying a function here never downloads anything,
// it just confirms the path exists. A real deployment would fetch from an
// object store; that concern is explicitly outside the scheduler's scope.
type localFetcher struct {
	codeDir string
}

func newLocalFetcher(codeDir string) *localFetcher {
	return &localFetcher{codeDir: codeDir}
}

func (f *localFetcher) Fetch(ctx context.Context, spec types.FunctionSpec) (string, error) {
	path := spec.CodePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.codeDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", errs.Wrap(errs.InnerSystemError, err, "fetch code for function %s", spec.FunctionID)
	}
	return path, nil
}

// processLauncher runs a function instance as a child OS process, one per
// instance ID, and kills it on demand.
type processLauncher struct {
	mu   sync.Mutex
	cmds map[string]*exec.Cmd
}

func newProcessLauncher() *processLauncher {
	return &processLauncher{cmds: make(map[string]*exec.Cmd)}
}

func (l *processLauncher) Launch(ctx context.Context, instanceID string, spec types.FunctionSpec, codePath string) error {
	cmd := exec.Command(codePath)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "launch instance %s", instanceID)
	}

	l.mu.Lock()
	l.cmds[instanceID] = cmd
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		delete(l.cmds, instanceID)
		l.mu.Unlock()
	}()
	return nil
}

func (l *processLauncher) Kill(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	cmd, ok := l.cmds[instanceID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "kill instance %s", instanceID)
	}
	return nil
}
