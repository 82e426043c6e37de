// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PasswordHashPrompt prompts the operator for the admin password and returns
// its sha256 hash, for use as SrvConfig.AuthSHA. The password must not be
// empty.
func PasswordHashPrompt(prompt string) ([32]byte, error) {
	var authSHA [32]byte
	fmt.Println(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return authSHA, err
	}
	if len(password) == 0 {
		return authSHA, errors.New("password must not be empty")
	}
	authSHA = sha256.Sum256(password)
	// Zero password bytes.
	for i := range password {
		password[i] = 0x00
	}
	return authSHA, nil
}
