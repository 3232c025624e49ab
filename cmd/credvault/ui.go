package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	successText   = color.New(color.FgGreen)
	errorText     = color.New(color.FgRed)
	warningText   = color.New(color.FgYellow)
	infoText      = color.New(color.FgBlue)
	highlightText = color.New(color.FgCyan, color.Bold)
)

// stdin is shared so that prompts and line reads consume the same buffer
var stdin = bufio.NewReader(os.Stdin)

// startSpinner shows message with a spinner unless verbose logging would
// interleave with it. The returned cleanup prints FinalMSG.
func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")

	quiet := flagVerbose || flagDebug
	if !quiet {
		s.Start()
	}

	cleanup := func() {
		final := s.FinalMSG
		s.FinalMSG = ""
		if !quiet {
			s.Stop()
		}
		if final != "" {
			if !strings.HasSuffix(final, "\n") {
				final += "\n"
			}
			fmt.Fprint(os.Stderr, final)
		}
	}
	return s, cleanup
}

func okMsg(format string, a ...any) string {
	return successText.Sprint("✓") + " " + fmt.Sprintf(format, a...)
}

func failMsg(format string, a ...any) string {
	return errorText.Sprint("✗") + " " + fmt.Sprintf(format, a...)
}

// readPassword prompts on stderr and reads without echo. When stdin is not
// a terminal a single line is read instead, for scripted use.
func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}

	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// readNewPassword asks twice and requires both entries to match
func readNewPassword(prompt string) ([]byte, error) {
	first, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	second, err := readPassword("Repeat " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		return nil, err
	}
	if string(first) != string(second) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question; anything but y or yes is no
func confirm(prompt string) bool {
	answer, err := readLine(prompt + " [y/N]: ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}
