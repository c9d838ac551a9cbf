//go:build mage

// Tools for building and maintaining Strata.
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Compiles the strata binary into bin/.
func Build() error {
	mg.Deps(Vet)
	return sh.RunV("go", "build", "-o", filepath.Join("bin", "strata"), "./cmd/strata")
}

// Runs go vet over every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Runs all Strata tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Removes build artifacts.
func Clean() error {
	return sh.Rm("bin")
}
