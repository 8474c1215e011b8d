package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// readPassword prompts without echo on a terminal. Piped input is read one
// line at a time.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(f) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return readLine(cmd)
}

// readNewPassword asks twice on a terminal.
func readNewPassword(cmd *cobra.Command, prompt string) (string, error) {
	first, err := readPassword(cmd, prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("password must not be empty")
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(f) {
		second, err := readPassword(cmd, "Repeat password: ")
		if err != nil {
			return "", err
		}
		if second != first {
			return "", errors.New("passwords do not match")
		}
	}
	return first, nil
}

// stdinReaders keeps one buffered reader per input so consecutive prompts
// do not lose buffered bytes.
var stdinReaders = map[io.Reader]*bufio.Reader{}

func readLine(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	reader, ok := stdinReaders[in]
	if !ok {
		reader = bufio.NewReader(in)
		stdinReaders[in] = reader
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("no input")
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPipedBody returns stdin when it is not a terminal.
func readPipedBody(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
