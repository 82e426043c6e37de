// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import "fmt"

// AppName is the name of the daemon binary.
const AppName = "qcbridged"

// Semantic version components.
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease should contain only characters from the semantic
	// alphabet per semver rule 9.
	appPreRelease = "pre"
)

// Version returns the application version as a properly formed string.
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		v += "-" + appPreRelease
	}
	return v
}
