// Orchd is a personal agent control plane.
// Copyright (C) 2026 The Orchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
Orchd Build Automation

A Go-based build and test pipeline for the orchestrator and worker binaries.

Usage:
    go run build.go              # Run full validation pipeline
    go run build.go build        # Build both binaries
    go run build.go test         # Run tests only
    go run build.go coverage     # Run tests with coverage
    go run build.go fmt          # Format Go code
    go run build.go lint         # Run go vet
    go run build.go clean        # Clean build artifacts
    go run build.go deps         # Check and download dependencies
    go run build.go validate     # Full validation pipeline
*/

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[91m"
	colorGreen = "\033[92m"
	colorBlue  = "\033[94m"
	colorCyan  = "\033[96m"
)

// binaries maps output names to their main packages.
var binaries = map[string]string{
	"orchestrator": "./cmd/orchestrator",
	"worker":       "./cmd/worker",
}

// BuildRunner manages the build process.
type BuildRunner struct {
	rootDir   string
	buildDir  string
	startTime time.Time
}

func NewBuildRunner() (*BuildRunner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &BuildRunner{
		rootDir:   wd,
		buildDir:  filepath.Join(wd, "build"),
		startTime: time.Now(),
	}, nil
}

func (br *BuildRunner) printHeader(title string) {
	fmt.Printf("\n%s%s%s%s\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
	fmt.Printf("%s%s %s%s\n", colorBold, colorBlue, title, colorReset)
	fmt.Printf("%s%s%s%s\n\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
}

func (br *BuildRunner) printStep(step string) {
	fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, step)
}

func (br *BuildRunner) printSuccess(message string) {
	fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, message)
}

func (br *BuildRunner) printError(message string) {
	fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, message)
}

// runCommand executes a command and returns exit code, stdout, and stderr.
func (br *BuildRunner) runCommand(name string, args []string, check bool) (int, string, string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = br.rootDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return 1, "", "", fmt.Errorf("command failed: %w", err)
		}
	}

	if check && exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}
	return exitCode, stdout.String(), stderr.String(), nil
}

func (br *BuildRunner) CheckPrerequisites() bool {
	br.printStep("Checking prerequisites")
	exitCode, stdout, _, err := br.runCommand("go", []string{"version"}, false)
	if err != nil || exitCode != 0 {
		br.printError("Go toolchain not found in PATH")
		return false
	}
	br.printSuccess(strings.TrimSpace(stdout))
	return true
}

func (br *BuildRunner) Clean() bool {
	br.printStep("Cleaning build artifacts")
	if err := os.RemoveAll(br.buildDir); err != nil {
		br.printError(fmt.Sprintf("Failed to remove %s: %v", br.buildDir, err))
		return false
	}
	if _, _, _, err := br.runCommand("go", []string{"clean", "-testcache"}, false); err != nil {
		br.printError(fmt.Sprintf("go clean failed: %v", err))
		return false
	}
	br.printSuccess("Cleaned")
	return true
}

func (br *BuildRunner) DownloadDependencies() bool {
	br.printStep("Downloading dependencies")
	exitCode, _, _, err := br.runCommand("go", []string{"mod", "download"}, true)
	if err != nil || exitCode != 0 {
		return false
	}
	exitCode, _, _, err = br.runCommand("go", []string{"mod", "verify"}, true)
	if err != nil || exitCode != 0 {
		return false
	}
	br.printSuccess("Dependencies ready")
	return true
}

func (br *BuildRunner) FormatCode() bool {
	br.printStep("Formatting code")
	exitCode, stdout, _, err := br.runCommand("gofmt", []string{"-l", "-w", "."}, true)
	if err != nil || exitCode != 0 {
		return false
	}
	if trimmed := strings.TrimSpace(stdout); trimmed != "" {
		fmt.Printf("Reformatted:\n%s\n", trimmed)
	}
	br.printSuccess("Formatting complete")
	return true
}

func (br *BuildRunner) LintCode() bool {
	br.printStep("Running go vet")
	exitCode, _, _, err := br.runCommand("go", []string{"vet", "./..."}, true)
	if err != nil || exitCode != 0 {
		return false
	}
	br.printSuccess("Vet clean")
	return true
}

func (br *BuildRunner) RunTests(withCoverage bool) bool {
	br.printStep("Running tests")
	args := []string{"test", "-race", "-count=1"}
	if withCoverage {
		if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
			br.printError(fmt.Sprintf("Failed to create %s: %v", br.buildDir, err))
			return false
		}
		args = append(args, "-coverprofile", filepath.Join(br.buildDir, "coverage.out"))
	}
	args = append(args, "./...")
	exitCode, stdout, _, err := br.runCommand("go", args, true)
	if err != nil || exitCode != 0 {
		return false
	}
	fmt.Print(stdout)
	if withCoverage {
		_, summary, _, _ := br.runCommand("go", []string{"tool", "cover", "-func", filepath.Join(br.buildDir, "coverage.out")}, false)
		lines := strings.Split(strings.TrimSpace(summary), "\n")
		if len(lines) > 0 {
			br.printSuccess(lines[len(lines)-1])
		}
	}
	br.printSuccess("Tests passed")
	return true
}

func (br *BuildRunner) BuildBinaries() bool {
	if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
		br.printError(fmt.Sprintf("Failed to create %s: %v", br.buildDir, err))
		return false
	}
	commit := br.gitCommit()
	ldflags := fmt.Sprintf("-X main.buildCommit=%s", commit)
	for name, pkg := range binaries {
		br.printStep(fmt.Sprintf("Building %s", name))
		out := filepath.Join(br.buildDir, name)
		if runtime.GOOS == "windows" {
			out += ".exe"
		}
		exitCode, _, _, err := br.runCommand("go", []string{"build", "-ldflags", ldflags, "-o", out, pkg}, true)
		if err != nil || exitCode != 0 {
			return false
		}
		br.printSuccess(fmt.Sprintf("Built %s", out))
	}
	return true
}

func (br *BuildRunner) gitCommit() string {
	_, stdout, _, err := br.runCommand("git", []string{"rev-parse", "--short", "HEAD"}, false)
	if err != nil {
		return "unknown"
	}
	commit := strings.TrimSpace(stdout)
	if commit == "" {
		return "unknown"
	}
	return commit
}

func (br *BuildRunner) Validate() bool {
	br.printHeader("Orchd Validation Pipeline")
	return br.CheckPrerequisites() &&
		br.DownloadDependencies() &&
		br.FormatCode() &&
		br.LintCode() &&
		br.RunTests(false) &&
		br.BuildBinaries()
}

func (br *BuildRunner) PrintSummary(success bool) {
	elapsed := time.Since(br.startTime).Round(time.Millisecond)
	if success {
		br.printSuccess(fmt.Sprintf("Done in %s", elapsed))
	} else {
		br.printError(fmt.Sprintf("Failed after %s", elapsed))
	}
}

func main() {
	flag.Parse()

	command := "validate"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	runner, err := NewBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize build runner: %v\n", err)
		os.Exit(1)
	}

	success := false
	switch command {
	case "clean":
		success = runner.Clean()
	case "deps":
		success = runner.CheckPrerequisites() && runner.DownloadDependencies()
	case "fmt":
		success = runner.CheckPrerequisites() && runner.FormatCode()
	case "lint":
		success = runner.CheckPrerequisites() && runner.LintCode()
	case "test":
		success = runner.CheckPrerequisites() && runner.DownloadDependencies() && runner.RunTests(false)
	case "coverage":
		success = runner.CheckPrerequisites() && runner.DownloadDependencies() && runner.RunTests(true)
	case "build":
		success = runner.CheckPrerequisites() && runner.DownloadDependencies() && runner.BuildBinaries()
	case "validate":
		success = runner.Validate()
	default:
		fmt.Fprintf(os.Stderr, "Invalid command: %s\n", command)
		fmt.Fprintf(os.Stderr, "Valid commands: build, test, clean, fmt, lint, coverage, deps, validate\n")
		os.Exit(1)
	}

	runner.PrintSummary(success)
	if !success {
		os.Exit(1)
	}
}
