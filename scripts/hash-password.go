package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/habitflow/credits-server-go/internal/util"
)

// Prints a bcrypt hash for BOOTSTRAP_ADMIN_PASSWORD_HASH. The password is read
// from stdin when no argument is given, which keeps it out of shell history.
func main() {
	var password string
	if len(os.Args) >= 2 {
		password = os.Args[1]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go [password]\n")
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := util.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
