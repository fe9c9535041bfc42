/*
sgx-ra runs the attested key exchanges of this module end to end on a simulated SGX machine.

Both peers run in this process and talk over an in-memory pipe using the transport package,
so every message goes through the same wire encoding a networked deployment would use.

Usage:

	sgx-ra [--config FILE] [--log-level LEVEL] [--transcript FILE] <command>

Commands:

	epid                 EPID remote attestation between an enclave and a service provider
	dcap [--unilateral]  DCAP remote attestation, mutual by default
	la [--version N]     local attestation between two enclaves
	psi --a FILE --b FILE
	                     private set intersection of two clients' line separated items
	inspect --type TYPE FILE
	                     decode a wire message or a transcript
*/
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/edgelesssys/go-sgx-ra/config"
	"github.com/edgelesssys/go-sgx-ra/internal/logging"
	"github.com/joho/godotenv"
)

type cli struct {
	Config     string        `help:"Path to a YAML config file." type:"path"`
	EnvFile    string        `help:"Load environment variables from this file if it exists." default:".env" type:"path"`
	LogLevel   string        `help:"Override the configured log level (debug, info, warn, error)."`
	Transcript string        `help:"Write a CBOR transcript of the initiator's frames to this file." type:"path"`
	Timeout    time.Duration `help:"Abort the exchange after this long." default:"30s"`

	Epid    epidCmd    `cmd:"" help:"Run an EPID remote attestation."`
	Dcap    dcapCmd    `cmd:"" help:"Run a DCAP remote attestation."`
	La      laCmd      `cmd:"" name:"la" help:"Run a local attestation between two enclaves."`
	Psi     psiCmd     `cmd:"" help:"Intersect the items of two clients inside an enclave."`
	Inspect inspectCmd `cmd:"" help:"Decode a wire message or a transcript file."`
}

// environment is passed to every command.
type environment struct {
	cfg        config.Config
	log        *slog.Logger
	out        io.Writer
	timeout    time.Duration
	transcript string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("sgx-ra"),
		kong.Description("Run attested key exchanges on a simulated SGX machine."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	env, closeLog, err := c.environment(stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog.Close()

	if err := kctx.Run(env); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) environment(out io.Writer) (*environment, io.Closer, error) {
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logging: %w", err)
	}
	return &environment{
		cfg:        cfg,
		log:        log,
		out:        out,
		timeout:    c.Timeout,
		transcript: c.Transcript,
	}, closer, nil
}
