// Command ilpatch applies a patch definition to a directory of managed
// assemblies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/OpenYiffGames/ilpatch/patcher"
	"github.com/OpenYiffGames/ilpatch/patchfile"
	"github.com/apex/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	patchFile := pflag.StringP("patch-file", "p", "", "the patch definition (required)")
	dir := pflag.StringP("dir", "d", "", "the managed assemblies directory, or the game executable (required)")
	logFile := pflag.StringP("log", "l", "", "also write a debug log to this file")
	logJSON := pflag.Bool("log-json", false, "write the log file as JSON lines")
	jobs := pflag.IntP("jobs", "j", patcher.DefaultParallelism, "number of assemblies to scan at once (2-4)")
	dryRun := pflag.BoolP("dry-run", "n", false, "find the methods and check for the marker, but do not write anything")
	verbose := pflag.BoolP("verbose", "v", false, "show debug output")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: ilpatch [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *patchFile == "" || *dir == "" {
		errexit("Error: patch-file and dir flags are required. See --help for more info.\n")
	}

	lvl := log.InfoLevel
	if *verbose {
		lvl = log.DebugLevel
	}
	sinks := []patcher.Sink{patcher.ConsoleSink(os.Stderr, lvl)}
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			errexit("Error: could not create log file: %v\n", err)
		}
		defer f.Close()
		sinks = append(sinks, patcher.FileSink(f, log.DebugLevel, *logJSON))
	}
	logger := patcher.NewLogger(sinks...)

	if *verbose {
		patchfile.Log = func(format string, a ...interface{}) {
			logger.Debugf(format, a...)
		}
	}

	def, err := patchfile.ReadFromFile(*patchFile)
	if err != nil {
		errexit("Error: could not read patch file: %v\n", err)
	}

	p, err := patcher.New(def, logger)
	if err != nil {
		errexit("Error: %v\n", err)
	}
	p.Parallelism = *jobs
	p.DryRun = *dryRun

	fs := afero.NewOsFs()
	p.Fs = fs
	target, err := patcher.ResolveAssembliesDir(fs, *dir)
	if err != nil {
		errexit("Error: could not find assemblies: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := p.Apply(ctx, target)
	if err != nil {
		logger.WithError(err).WithField("state", p.State()).Error("patch failed")
		stop()
		errexit("Error: could not apply patch: %v\n", err)
	}

	fmt.Printf("Patch %s\n", res)
}
