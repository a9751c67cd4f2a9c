// Package clip copies crash details to wherever the operator can paste them
// from: the native clipboard, the terminal clipboard, or a temp file.
package clip

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is the mechanism that made the text copyable.
type Method string

const (
	MethodNative Method = "native" // OS clipboard
	MethodOSC52  Method = "osc52"  // terminal clipboard escape sequence
	MethodFile   Method = "file"   // temp file fallback
)

// Result reports how the text was copied.
type Result struct {
	Method   Method
	FilePath string // only set when Method == MethodFile
}

// String describes the result for a status line.
func (r Result) String() string {
	switch r.Method {
	case MethodNative:
		return "copied to clipboard"
	case MethodOSC52:
		return "copied to terminal clipboard"
	case MethodFile:
		return "saved to " + r.FilePath
	default:
		return "not copied"
	}
}

// Stubbed in tests.
var (
	nativeWriteAll = atotto.WriteAll
	osc52WriteAll  = writeAllOSC52
	tempDir        = os.TempDir
)

// WriteAll copies text, trying the native clipboard, then OSC52, then a temp
// file.
func WriteAll(text string) (Result, error) {
	if err := nativeWriteAll(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := osc52WriteAll(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}
	path, err := writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("copying crash details: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// Terminals can have strict OSC52 limits.
const osc52LimitBytes = 100_000

func writeAllOSC52(text string) error {
	if text == "" {
		return errors.New("empty clipboard text")
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return errors.New("stderr is not a terminal")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}

	seq := osc52.New(text).Limit(osc52LimitBytes)
	if os.Getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if os.Getenv("STY") != "" {
		seq = seq.Screen()
	}

	// stderr keeps the sequence out of the prompt renderer on stdout.
	_, err := seq.WriteTo(os.Stderr)
	return err
}

func writeTempFile(text string) (path string, err error) {
	f, err := os.CreateTemp(tempDir(), "crashkit-details-*.txt")
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	if _, err = f.WriteString(text); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
