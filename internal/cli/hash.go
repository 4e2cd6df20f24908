package cli

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashCommand handles 'opsgate hash': bcrypt a password for the
// auth.passwordBcrypt config field.
func HashCommand(args []string) int {
	fs := flag.NewFlagSet("opsgate hash", flag.ExitOnError)
	cost := fs.Int("cost", bcrypt.DefaultCost, "Bcrypt cost factor")

	fs.Usage = func() {
		fmt.Println(`Usage: opsgate hash [password]

Hash a password for HTTP Basic authentication. Without an argument the
password is read from stdin, which keeps it out of shell history.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  opsgate hash
  echo -n 's3cret' | opsgate hash`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	var password string
	if fs.NArg() > 0 {
		password = fs.Arg(0)
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: empty password")
		return 1
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
		return 1
	}

	fmt.Println(string(hash))
	return 0
}
