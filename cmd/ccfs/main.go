package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
	"github.com/container-investigations/cc-fs/pkg/ccfs"
	"github.com/container-investigations/cc-fs/pkg/ccindex"
	"github.com/container-investigations/cc-fs/pkg/tarindex"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "index":
		indexCommand()
	case "mount":
		mountCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ccfs - integrity-verified read-only filesystem over tar archives

Usage:
  ccfs index [-o <index-path>] [-d <expected-digest>] [-v] <tar-path>
  ccfs mount -i <index-path> [-v] <tar-path> <mountpoint>

Commands:
  index   Stream a tar archive once, building a compact index plus its
          SHA-256 digest, optionally checked against -d.
  mount   Serve a tar archive as a read-only FUSE filesystem, verifying
          every page read against the index's saved hash states.
`)
}

func indexCommand() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	outputPath := fs.String("o", "", "output index path (default: <tar-path>.index)")
	expectDigest := fs.String("d", "", "expected archive digest; mismatch is a fatal error")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: index requires exactly one tar path argument")
		fs.Usage()
		os.Exit(1)
	}
	tarPath := fs.Arg(0)

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *outputPath == "" {
		*outputPath = tarPath + ".index"
	}

	f, err := os.Open(tarPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", tarPath).Msg("ccfs: open archive")
	}
	defer f.Close()

	log.Info().Str("archive", tarPath).Msg("ccfs: indexing")

	idx, err := tarindex.IndexTar(f)
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: build index")
	}

	if *expectDigest != "" && idx.Hasher.Digest != *expectDigest {
		log.Fatal().
			Str("expected", *expectDigest).
			Str("got", idx.Hasher.Digest).
			Msg(ccerrors.ErrDigestMismatch.Error())
	}

	n, err := ccindex.SaveToFile(idx, *outputPath)
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: save index")
	}

	fmt.Printf("wrote %s, size = %d bytes\n", *outputPath, n)
	log.Info().
		Str("digest", idx.Hasher.Digest).
		Str("size", humanize.Bytes(uint64(n))).
		Msg("ccfs: index complete")
}

func mountCommand() {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	indexPath := fs.String("i", "", "index path produced by the index command (required)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(os.Args[2:])

	if *indexPath == "" || fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "error: mount requires -i <index-path> plus <tar-path> <mountpoint>")
		fs.Usage()
		os.Exit(1)
	}
	tarPath := fs.Arg(0)
	mountpoint := fs.Arg(1)

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := checkNotAlreadyMounted(mountpoint); err != nil {
		log.Fatal().Err(err).Str("mountpoint", mountpoint).Msg("ccfs: mount precondition failed")
	}

	lock := flock.New(mountpoint + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: acquire mountpoint lock")
	}
	if !locked {
		log.Fatal().Str("mountpoint", mountpoint).Msg("ccfs: mountpoint is already locked by another process")
	}
	defer lock.Unlock()

	idx, err := ccindex.LoadFromFile(*indexPath)
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: load index")
	}

	srv, err := ccfs.New(idx, tarPath)
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: prepare server")
	}
	defer srv.Close()

	fuseServer, err := ccfs.Mount(srv, mountpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("ccfs: mount")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("ccfs: signal received, unmounting")
		fuseServer.Unmount()
	}()

	fuseServer.Wait()
}

// checkNotAlreadyMounted rejects mounting onto a path the kernel
// already reports a filesystem mounted at, so a stale or concurrent
// mount is caught before cc-fs layers another one on top of it.
func checkNotAlreadyMounted(mountpoint string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountpoint))
	if err != nil {
		return fmt.Errorf("%w: inspect mount table: %v", ccerrors.ErrIo, err)
	}
	if len(mounts) > 0 {
		return fmt.Errorf("%s is already a mount point", mountpoint)
	}
	return nil
}
