// Command ldtcast distributes one file from a single source instance to
// every instance listening on the LAN.
//
//	ldtcast [flags] send <url>
//	ldtcast [flags] receive
//	ldtcast [flags] peers [--wait N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ldtcast/internal/chunk"
	"ldtcast/internal/config"
	"ldtcast/internal/discovery"
	"ldtcast/internal/faults"
	"ldtcast/internal/logging"
	"ldtcast/internal/progress"
	"ldtcast/internal/session"
	"ldtcast/internal/transport"
)

func usage() {
	fmt.Fprint(os.Stderr, `ldtcast -- LAN file distribution over multicast

Usage:
  ldtcast [flags] send <url>        Become the source for <url> (path, file://, http(s)://, s3://)
  ldtcast [flags] receive           Wait for a source and receive its file
  ldtcast [flags] peers [--wait N]  List instances seen on the LAN

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
Environment:
  LDT_NAME LDT_WORK_DIR LDT_OUTPUT_DIR LDT_PORT LDT_PEERS LDT_PART_MB
  LDT_TRANSPORT LDT_SPOOL LDT_LOG_LEVEL
`)
}

type flags struct {
	config    *string
	name      *string
	port      *int
	dir       *string
	out       *string
	peers     *string
	partMB    *int
	transport *string
	spool     *string
	logLevel  *string
}

func main() { os.Exit(run()) }

func run() int {
	f := flags{
		config:    flag.String("config", "", "YAML config file"),
		name:      flag.String("name", "", "instance name shown to peers"),
		port:      flag.Int("port", discovery.DefaultPort, "UDP control port"),
		dir:       flag.String("dir", "", "work directory for parts and manifests"),
		out:       flag.String("out", "", "output directory for the joined file (default: work directory)"),
		peers:     flag.String("peers", "", "comma-separated static peers host:port"),
		partMB:    flag.Int("part-mb", 0, "part size in MB (source only)"),
		transport: flag.String("transport", "", "bulk transport: exec or spool"),
		spool:     flag.String("spool", "", "spool target: a directory or s3://bucket/prefix"),
		logLevel:  flag.String("log-level", "", "debug, info, warn or error"),
	}
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ldtcast: %v\n", err)
		return 2
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ldtcast: %v\n", err)
		return 2
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := strings.ToLower(args[0]); cmd {
	case "send":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: ldtcast [flags] send <url>")
			return 2
		}
		return transfer(ctx, cfg, log, args[1])
	case "receive":
		return transfer(ctx, cfg, log, "")
	case "peers":
		return peers(ctx, cfg, log, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return 2
	}
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were given explicitly.
func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(*f.config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "name":
			cfg.Name = *f.name
		case "port":
			cfg.SetPort(*f.port)
		case "dir":
			cfg.WorkDir = *f.dir
		case "out":
			cfg.OutputDir = *f.out
		case "peers":
			cfg.Discovery.Peers = config.SplitList(*f.peers)
		case "part-mb":
			cfg.PartSizeMB = *f.partMB
		case "transport":
			cfg.Transport.Kind = *f.transport
		case "spool":
			cfg.Transport.Spool.Target = *f.spool
		case "log-level":
			cfg.Log.Level = *f.logLevel
		}
	})
	return cfg, cfg.Validate()
}

// transfer runs one session. With a url it tries to become the source and
// falls back to receiving if another instance won the claim.
func transfer(ctx context.Context, cfg config.Config, log *zap.Logger, url string) int {
	disc, err := discovery.New(cfg.Discovery, cfg.Name, log)
	if err != nil {
		return fail(err)
	}
	if err := disc.Start(); err != nil {
		return fail(err)
	}
	defer disc.Stop()

	tr, err := transport.New(cfg.Transport, log)
	if err != nil {
		return fail(err)
	}
	sc, err := cfg.Session()
	if err != nil {
		return fail(err)
	}
	label := "receiving"
	if url != "" {
		label = chunk.BaseName(url)
	}
	bar := progress.New(os.Stderr, label, 0)
	sc.OnStart = bar.Start
	sc.OnPart = bar.Part

	s, err := session.New(sc, disc, tr, log)
	if err != nil {
		return fail(err)
	}
	if err := s.Start(ctx); err != nil {
		return fail(err)
	}
	fmt.Fprintf(os.Stderr, "ldtcast  |  %s  |  %s  |  work %s\n", cfg.Name, disc.LocalAddr(), sc.WorkDir)

	t0 := time.Now()
	var res session.Result
	if url != "" {
		res, err = s.Send(ctx, url)
		if errors.Is(err, session.ErrSourceTaken) {
			fmt.Fprintln(os.Stderr, "another instance is the source; receiving instead")
			res, err = s.Receive(ctx)
		}
	} else {
		fmt.Fprintln(os.Stderr, "waiting for a source... (Ctrl-C to stop)")
		res, err = s.Receive(ctx)
	}
	bar.Finish()
	if err != nil {
		if res.AbortObserved {
			fmt.Fprintln(os.Stderr, "the source aborted the transfer")
		}
		return fail(err)
	}

	fmt.Fprintf(os.Stderr, "done: %d parts in %s (session %s)\n",
		res.Parts, progress.FormatDuration(time.Since(t0).Seconds()), s.ID())
	if res.Path != "" {
		fmt.Println(res.Path)
	}
	return 0
}

func peers(ctx context.Context, cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	wait := fs.Duration("wait", 3*time.Second, "how long to listen for announcements")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	disc, err := discovery.New(cfg.Discovery, cfg.Name, log)
	if err != nil {
		return fail(err)
	}
	if err := disc.Start(); err != nil {
		return fail(err)
	}
	defer disc.Stop()
	if err := disc.Query(); err != nil {
		return fail(err)
	}

	fmt.Fprintf(os.Stderr, "scanning for %s ...\n", *wait)
	select {
	case <-ctx.Done():
		return fail(faults.Wrap(faults.Aborted, "peers", ctx.Err()))
	case <-time.After(*wait):
	}
	found := disc.Peers()
	if len(found) == 0 {
		fmt.Println("no peers found")
		return 0
	}
	fmt.Printf("  %-20s  %-22s  %s\n", "NAME", "ADDRESS", "LAST SEEN")
	fmt.Println("  " + strings.Repeat("-", 56))
	for _, p := range found {
		fmt.Printf("  %-20s  %-22s  %s ago\n", p.Name, p.Addr, time.Since(p.Seen).Round(time.Second))
	}
	return 0
}

// fail prints err and picks the exit code: 2 for bad configuration, 1 for
// everything else.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "ldtcast: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case faults.Is(err, faults.Configuration):
		return 2
	}
	return 1
}
