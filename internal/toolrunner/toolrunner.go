// Package toolrunner implements the Tool Supervisor: it runs the
// external flashing binary against a set of plaintext buffers, produces a
// success/failure verdict and a progress stream, and leaves no recoverable
// residue on disk.
package toolrunner

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
)

// ProgressSink receives one call per line of the tool's combined
// stdout/stderr output. Implementations must not assume they are called on
// any particular goroutine; callers that need UI affinity must marshal
// themselves.
type ProgressSink interface {
	Line(text string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(string)

// Line implements ProgressSink.
func (f ProgressFunc) Line(text string) { f(text) }

// Options configures one Run call.
type Options struct {
	ToolsDir          string
	ToolName          string
	ArgumentTemplate  []string
	Buffers           map[string][]byte // logical artifact name -> plaintext
	Allowlist         map[string]bool   // lowercase hex sha256 -> true
	OverwritePasses   int               // default 3
	IntegrityRequired bool              // if true, an empty allowlist is a hard failure, not advisory
}

// Run materializes buffers to a dedicated temp subdirectory, substitutes
// {logical-name} placeholders in argumentTemplate, and runs the tool to
// completion or cancellation. It always attempts to securely erase every
// temp file it created, regardless of how the tool exited.
func Run(ctx context.Context, opts Options, sink ProgressSink) (bool, error) {
	if sink == nil {
		sink = ProgressFunc(func(string) {})
	}
	passes := opts.OverwritePasses
	if passes <= 0 {
		passes = 3
	}

	toolPath := filepath.Join(opts.ToolsDir, opts.ToolName)
	info, err := os.Stat(toolPath)
	if err != nil || info.IsDir() {
		return false, ferrors.New(ferrors.ToolMissing, fmt.Sprintf("tool %q not found under %q", opts.ToolName, opts.ToolsDir))
	}

	if err := checkIntegrity(toolPath, opts.Allowlist, opts.IntegrityRequired); err != nil {
		return false, err
	}

	tmpDir, err := os.MkdirTemp("", "flashvault-flash-*")
	if err != nil {
		return false, ferrors.Wrap(ferrors.Internal, "create temp directory", err)
	}

	materialized, err := materialize(tmpDir, opts.Buffers)
	defer func() {
		cleanup(materialized, passes)
		_ = os.Remove(tmpDir)
	}()
	if err != nil {
		return false, err
	}

	args := substituteArgs(opts.ArgumentTemplate, materialized)

	cmd := exec.CommandContext(ctx, toolPath, args...)
	configurePlatform(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, ferrors.Wrap(ferrors.Internal, "attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, ferrors.Wrap(ferrors.Internal, "attach stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return false, ferrors.Wrap(ferrors.ToolFailed, "start tool", err)
	}

	done := make(chan struct{}, 2)
	go streamLines(stdout, sink, done)
	go streamLines(stderr, sink, done)
	<-done
	<-done

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return false, ferrors.Wrap(ferrors.Cancelled, "tool execution cancelled", ctx.Err())
	}
	if waitErr != nil {
		return false, ferrors.Wrap(ferrors.ToolFailed, "tool exited non-zero", waitErr)
	}
	return true, nil
}

func checkIntegrity(toolPath string, allowlist map[string]bool, required bool) error {
	f, err := os.Open(toolPath)
	if err != nil {
		return ferrors.Wrap(ferrors.ToolMissing, "open tool for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ferrors.Wrap(ferrors.Internal, "hash tool binary", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if len(allowlist) == 0 {
		if required {
			return ferrors.New(ferrors.ToolUntrusted, "integrity checking is required but no allowlist is configured")
		}
		return nil
	}
	if !allowlist[digest] {
		return ferrors.New(ferrors.ToolUntrusted, fmt.Sprintf("tool hash %s is not in the allowlist", digest))
	}
	return nil
}

type tempFile struct {
	name string // logical artifact name
	path string
}

// materialize writes each plaintext buffer to an exclusively-created temp
// file under dir, named with a random component and the logical artifact
// name, so later argument substitution can find it by its logical role.
func materialize(dir string, buffers map[string][]byte) ([]tempFile, error) {
	var files []tempFile
	for name, plaintext := range buffers {
		rnd := make([]byte, 8)
		if _, err := rand.Read(rnd); err != nil {
			return files, ferrors.Wrap(ferrors.Internal, "generate temp filename", err)
		}
		fname := hex.EncodeToString(rnd) + "-" + sanitize(name) + ".bin"
		path := filepath.Join(dir, fname)

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return files, ferrors.Wrap(ferrors.Internal, fmt.Sprintf("create temp file for %q", name), err)
		}
		markTemporary(f)
		_, werr := f.Write(plaintext)
		cerr := f.Close()
		if werr != nil {
			return files, ferrors.Wrap(ferrors.Internal, fmt.Sprintf("write temp file for %q", name), werr)
		}
		if cerr != nil {
			return files, ferrors.Wrap(ferrors.Internal, fmt.Sprintf("close temp file for %q", name), cerr)
		}
		files = append(files, tempFile{name: name, path: path})
	}
	return files, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

func substituteArgs(template []string, files []tempFile) []string {
	byName := make(map[string]string, len(files))
	for _, f := range files {
		byName[f.name] = f.path
	}
	out := make([]string, len(template))
	for i, arg := range template {
		for name, path := range byName {
			arg = strings.ReplaceAll(arg, "{"+name+"}", path)
		}
		out[i] = arg
	}
	return out
}

func streamLines(r io.Reader, sink ProgressSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink.Line(scanner.Text())
	}
	done <- struct{}{}
}

// cleanup overwrites every materialized temp file's full length `passes`
// times with cryptographically strong random bytes, flushing between
// passes, then unlinks it. If secure overwrite fails it falls back to a
// plain unlink so residue is never silently left behind without at least
// attempting removal.
func cleanup(files []tempFile, passes int) {
	for _, f := range files {
		if err := secureOverwrite(f.path, passes); err != nil {
			_ = os.Remove(f.path)
			continue
		}
		_ = os.Remove(f.path)
	}
}

func secureOverwrite(path string, passes int) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	scratch := make([]byte, size)
	defer flashcrypto.Zero(scratch)

	for i := 0; i < passes; i++ {
		if _, err := rand.Read(scratch); err != nil {
			return err
		}
		if _, err := f.WriteAt(scratch, 0); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}
