// Package main provides the hl7parse command line tool: SIU^S12 feeds in,
// appointment JSON out.
//
//	hl7parse schedule.hl7                         file to an indented JSON array
//	hl7parse -stream -continue-on-error - < feed  NDJSON from stdin, skipping bad messages
//
// Parsed output goes to stdout (or the -o file); diagnostics go to stderr
// so the output stays pipeable.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/carewire/go-siu/internal/domain/appointment"
	"github.com/carewire/go-siu/internal/hl7/siu"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		outPath         = flag.String("o", "", "write output to a file instead of stdout")
		compact         = flag.Bool("compact", false, "emit compact JSON instead of indented")
		continueOnError = flag.Bool("continue-on-error", false, "skip unparseable messages instead of aborting")
		stream          = flag.Bool("stream", false, "emit NDJSON incrementally, one object per line")
		verbose         = flag.Bool("v", false, "verbose diagnostics on stderr")
	)
	flag.Usage = usage
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	in, name, err := openInput(flag.Arg(0))
	if err != nil {
		logger.Error("cannot open input", zap.Error(err))
		return 1
	}
	defer in.Close()

	out, err := openOutput(*outPath)
	if err != nil {
		logger.Error("cannot open output", zap.Error(err))
		return 1
	}
	defer out.Close()

	parser := siu.New(siu.Config{ContinueOnError: *continueOnError}, logger)

	if *stream {
		return runStream(parser, in, out, name, logger)
	}
	return runEager(parser, in, out, name, *compact, logger)
}

// runEager reads the whole input, parses every message, and writes one
// JSON array.
func runEager(parser *siu.Parser, in io.Reader, out io.Writer, name string, compact bool, logger *zap.Logger) int {
	content, err := io.ReadAll(in)
	if err != nil {
		logger.Error("cannot read input", zap.String("input", name), zap.Error(err))
		return 1
	}

	appts, failures, err := parser.ParseFile(string(content))
	if err != nil {
		logger.Error("parse failed", zap.String("input", name), zap.Error(err))
		return 1
	}
	if appts == nil {
		appts = []*appointment.Appointment{}
	}

	enc := json.NewEncoder(out)
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(appts); err != nil {
		logger.Error("cannot write output", zap.Error(err))
		return 1
	}

	logger.Info("parse complete",
		zap.String("input", name),
		zap.Int("appointments", len(appts)),
		zap.Int("failed", len(failures)))
	return 0
}

// runStream emits one compact JSON object per parsed message, holding at
// most one message in memory at a time.
func runStream(parser *siu.Parser, in io.Reader, out io.Writer, name string, logger *zap.Logger) int {
	st := parser.Stream(in)

	enc := json.NewEncoder(out)
	count := 0
	for st.Next() {
		if err := enc.Encode(st.Appointment()); err != nil {
			logger.Error("cannot write output", zap.Error(err))
			return 1
		}
		count++
	}
	if err := st.Err(); err != nil {
		logger.Error("stream aborted", zap.String("input", name), zap.Error(err))
		return 1
	}

	logger.Info("stream complete",
		zap.String("input", name),
		zap.Int("appointments", count),
		zap.Int("failed", len(st.Failures())))
	return 0
}

// openInput returns the feed reader: a file when a path is given, stdin
// for "-" or no argument.
func openInput(path string) (io.ReadCloser, string, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newLogger writes console diagnostics to stderr so stdout carries only
// JSON. Without -v only warnings and errors appear.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: hl7parse [flags] [file]

Parses HL7 SIU^S12 scheduling messages into appointment JSON. Reads the
given file, or stdin when the argument is "-" or absent.

Flags:
`)
	flag.PrintDefaults()
}
