package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

// ReadSecret prints prompt to w and reads a line from the terminal without echo.
// When stdin is not a terminal the line is read from in instead.
func ReadSecret(w io.Writer, in io.Reader, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return "", err
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// TerminalPassphrase asks for the account file passphrase on stdin.
func TerminalPassphrase(w io.Writer) PassphraseFunc {
	return func() (string, error) {
		if p := os.Getenv("TBUP_PASSPHRASE"); p != "" {
			return p, nil
		}
		return ReadSecret(w, os.Stdin, "Passphrase: ")
	}
}
