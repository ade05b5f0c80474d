// Package executor runs server-pushed scripts in temporary files and
// captures their outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"queenbee/internal/protocol"
)

// Run executes one script and always returns a result; failures surface as
// exit code -1 with the reason in stderr.
func Run(ctx context.Context, taskID, script, scriptParams string, timeoutSec int) *protocol.ExecutionResult {
	if timeoutSec <= 0 {
		timeoutSec = 7200
	}
	start := time.Now()

	scriptPath, err := writeTempScript(taskID, script)
	if err != nil {
		return &protocol.ExecutionResult{
			ExitCode:      -1,
			Stderr:        fmt.Sprintf("执行错误: %v", err),
			ExecutionTime: time.Since(start).Seconds(),
		}
	}
	defer func() {
		if err := os.Remove(scriptPath); err != nil {
			log.Printf("[Executor] Failed to remove temp script %s: %v", scriptPath, err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	args := []string{scriptPath}
	args = append(args, SplitParams(scriptParams)...)

	var cmd *exec.Cmd
	if isPython(script) {
		cmd = exec.CommandContext(runCtx, "python3", args...)
	} else {
		cmd = exec.CommandContext(runCtx, "/bin/bash", args...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	elapsed := time.Since(start).Seconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return &protocol.ExecutionResult{
			ExitCode:      -1,
			Stdout:        stdout.String(),
			Stderr:        fmt.Sprintf("脚本执行超时 (>%d秒)", timeoutSec),
			ExecutionTime: elapsed,
		}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return &protocol.ExecutionResult{
				ExitCode:      -1,
				Stdout:        stdout.String(),
				Stderr:        fmt.Sprintf("执行错误: %v", err),
				ExecutionTime: elapsed,
			}
		}
	}

	return &protocol.ExecutionResult{
		ExitCode:      exitCode,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExecutionTime: elapsed,
	}
}

func writeTempScript(taskID, script string) (string, error) {
	name := fmt.Sprintf("queenbee_script_%s", taskID)
	if taskID == "" {
		name = fmt.Sprintf("queenbee_script_%d", time.Now().Unix())
	}
	ext := ".sh"
	if isPython(script) {
		ext = ".py"
	} else if !strings.HasPrefix(script, "#!") {
		script = "#!/bin/bash\n" + script
	}

	path := filepath.Join(os.TempDir(), name+ext)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("写入临时脚本失败: %w", err)
	}
	return path, nil
}

func isPython(script string) bool {
	return strings.HasPrefix(script, "#!/usr/bin/env python") ||
		strings.HasPrefix(script, "#!/usr/bin/python")
}

// SplitParams splits a parameter string on spaces while honoring single and
// double quotes.
func SplitParams(s string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	inToken := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inToken = true
		case ch == ' ' || ch == '\t':
			if inToken {
				out = append(out, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(ch)
			inToken = true
		}
	}
	if inToken {
		out = append(out, cur.String())
	}
	return out
}
