package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <source-device> <destination-device>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nClone a two-partition boot device onto another device, resizing the\n")
	fmt.Fprintf(os.Stderr, "root filesystem to fit. The destination is wiped.\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s /dev/mmcblk0 /dev/sda\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --force --hostname pi2 mmcblk0 sda\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	var (
		force         bool
		hostname      string
		bootMargin    uint64
		shrinkMargin  uint64
		shrinkPercent uint64
		scratchDir    string
		journalPath   string
		verbose       bool
		quiet         bool
		help          bool
	)

	flag.BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	flag.StringVar(&hostname, "hostname", "", "hostname to set on the clone")
	flag.Uint64Var(&bootMargin, "boot-margin", DefaultBootMarginBytes, "boot partition headroom in bytes")
	flag.Uint64Var(&shrinkMargin, "shrink-margin", DefaultShrinkMarginBytes, "fixed shrink safety margin in bytes")
	flag.Uint64Var(&shrinkPercent, "shrink-margin-percent", DefaultShrinkMarginPercent, "shrink safety margin as percent of used bytes")
	flag.StringVar(&scratchDir, "scratch-dir", DefaultScratchDir, "scratch area for shrink staging images")
	flag.StringVar(&journalPath, "journal", DefaultJournalPath, "clone journal database path")
	flag.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flag.BoolVarP(&quiet, "quiet", "q", false, "errors only")
	flag.BoolVarP(&help, "help", "h", false, "show this help message")
	flag.Parse()

	if help {
		printUsage()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "Error: need exactly two arguments (source and destination device)\n")
		printUsage()
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
	case quiet:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	opts := CloneOptions{
		Source:              ensureDevPrefix(args[0]),
		Destination:         ensureDevPrefix(args[1]),
		Force:               force,
		Hostname:            hostname,
		BootMarginBytes:     bootMargin,
		ShrinkMarginBytes:   shrinkMargin,
		ShrinkMarginPercent: shrinkPercent,
		ScratchDir:          scratchDir,
		JournalPath:         journalPath,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = WithLogger(ctx, logger)

	if err := Preflight(ctx, opts); err != nil {
		logger.WithError(err).Error("preflight failed")
		os.Exit(1)
	}

	journal, err := OpenJournal(opts.JournalPath)
	if err != nil {
		logger.WithError(err).Error("cannot open clone journal")
		os.Exit(1)
	}
	defer journal.Close()

	var confirm ConfirmFunc
	if !opts.Force {
		confirm = promptConfirm
	}

	pipeline := NewPipeline(NewRunner(), journal, opts, confirm)
	result, err := pipeline.Run(ctx)
	if err != nil {
		logger.WithError(err).Error("clone failed")
		if pipeline.Destructive() {
			logger.Error("destination was partially written and needs a fresh clone")
			os.Exit(2)
		}
		os.Exit(1)
	}

	for _, warn := range result.Warnings {
		logger.WithField("warning", warn.String()).Warn("completed with warning")
	}
	fmt.Printf("Cloned %s -> %s (%s), root PARTUUID %s\n",
		opts.Source, opts.Destination, result.Plan.Mode, result.Identity.RootPartUUID)
}

// promptConfirm is the interactive destructive-action gate.
func promptConfirm(plan ClonePlan, src, dst *Device) bool {
	fmt.Printf("Source:      %s (%s)\n", src.Path, humanize.IBytes(src.SizeBytes))
	fmt.Printf("Destination: %s (%s) -- ALL DATA WILL BE ERASED\n", dst.Path, humanize.IBytes(dst.SizeBytes))
	fmt.Printf("Plan:        %s\n", plan.String())
	fmt.Print("Type 'yes' to continue: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}

func ensureDevPrefix(name string) string {
	if name == "" || strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
