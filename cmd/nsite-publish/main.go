// cmd/nsite-publish/main.go
//
// nsite-publish walks a local directory, reconciles it against a
// publisher's currently-announced files on a relay mesh, uploads whatever
// changed to a set of blob servers, and publishes signed announcement
// records for the result.
//
// Usage:
//
//	nsite-publish publish --dir ./site --relay wss://r1 --relay wss://r2 --server https://blossom.example
//	nsite-publish publish --dir ./site --key ~/.nsite/publish.key --purge
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/duskbeacon/nsite/internal/blob"
	"github.com/duskbeacon/nsite/internal/publish"
	"github.com/duskbeacon/nsite/internal/signer"
	"github.com/duskbeacon/nsite/internal/signertransport"
	"github.com/duskbeacon/nsite/internal/walker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "publish":
		cmdPublish(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nsite-publish <command> [flags]

Commands:
  publish   Reconcile a local directory against the relay mesh and publish changes

Run 'nsite-publish publish --help' for details.
`)
}

// stringList collects repeated occurrences of a flag into a slice.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func resolveKeyPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".nsite", "publish.key")
}

func cmdPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	dir := fs.String("dir", ".", "local directory to publish")
	keyPath := fs.String("key", "", "path to a 32-byte Ed25519 seed file (default ~/.nsite/publish.key)")
	bunker := fs.String("bunker", "", "base64 remote-signer credential blob from a bunker pairing; falls back to $NSITE_BUNKER. Overrides --key")
	ignorePath := fs.String("ignore", ".nsiteignore", "path to an ignore file, relative to --dir")
	purge := fs.Bool("purge", false, "delete remote files with no local counterpart")
	force := fs.Bool("force", false, "proceed when remote state is ambiguous (re-uploading every file) and skip the no-op short-circuit")
	parallelism := fs.Int("parallelism", blob.DefaultParallelism, "maximum concurrent blob uploads")
	publishRelayList := fs.Bool("publish-relays", false, "publish a relay-list record (kind 10002)")
	publishServerList := fs.Bool("publish-servers", false, "publish a server-list record (kind 10063)")
	profileName := fs.String("profile-name", "", "publish a profile record (kind 0) with this name")
	profileAbout := fs.String("profile-about", "", "profile 'about' field")
	profilePicture := fs.String("profile-picture", "", "profile 'picture' field (URL)")
	gatewayHost := fs.String("gateway-host", "", "host suffix for the reported gateway URL (default gateway.DefaultHost)")

	var relays, servers stringList
	fs.Var(&relays, "relay", "relay URL (repeatable); falls back to $NSITE_RELAYS (comma-separated)")
	fs.Var(&servers, "server", "blob server URL (repeatable); falls back to $NSITE_SERVERS (comma-separated)")
	fs.Parse(args)

	if len(relays) == 0 {
		if env := os.Getenv("NSITE_RELAYS"); env != "" {
			relays = strings.Split(env, ",")
		}
	}
	if len(servers) == 0 {
		if env := os.Getenv("NSITE_SERVERS"); env != "" {
			servers = strings.Split(env, ",")
		}
	}

	local, err := signer.LoadOrGenerateLocal(resolveKeyPath(*keyPath))
	if err != nil {
		log.Fatalf("load signer: %v", err)
	}

	if *bunker == "" {
		*bunker = os.Getenv("NSITE_BUNKER")
	}
	var s signer.Signer = local
	if *bunker != "" {
		cred, err := signertransport.DecodeCredential(*bunker)
		if err != nil {
			log.Fatalf("decode bunker credential: %v", err)
		}
		remote, err := signertransport.LoadRemoteSigner(context.Background(), cred, local)
		if err != nil {
			log.Fatalf("connect to remote signer: %v", err)
		}
		defer remote.Close()
		s = remote
	}

	ignoreSpec, err := walker.LoadIgnoreFile(filepath.Join(*dir, *ignorePath))
	if err != nil {
		log.Fatalf("load ignore file: %v", err)
	}

	var profile *publish.Profile
	if *profileName != "" || *profileAbout != "" || *profilePicture != "" {
		profile = &publish.Profile{Name: *profileName, About: *profileAbout, Picture: *profilePicture}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "cancellation requested, finishing in-flight work...")
		cancel()
	}()

	summary, err := publish.Run(ctx, publish.Options{
		Root:              *dir,
		IgnoreSpec:        ignoreSpec,
		Relays:            relays,
		Servers:           servers,
		Signer:            s,
		Force:             *force,
		Purge:             *purge,
		Parallelism:       *parallelism,
		PublishRelayList:  *publishRelayList,
		PublishServerList: *publishServerList,
		Profile:           profile,
		GatewayHost:       *gatewayHost,
	})
	signal.Stop(sigs)

	if err != nil {
		if summary != nil && summary.Ambiguous {
			fmt.Fprintln(os.Stderr, "remote state could not be confirmed and blobs already exist on a server; re-run with --force to proceed")
		}
		log.Fatalf("publish failed: %v", err)
	}

	printSummary(summary)
}

func printSummary(s *publish.Summary) {
	if s.NoOp {
		fmt.Println("nothing to do; local tree matches the published set")
		fmt.Printf("gateway: %s\n", s.GatewayURL)
		return
	}

	fmt.Printf("uploaded %d file(s), deleted %d, %d unchanged\n", len(s.UploadedPaths), len(s.DeletedPaths), s.UnchangedCount)
	for _, p := range s.UploadedPaths {
		fmt.Printf("  + %s\n", p)
	}
	for _, p := range s.DeletedPaths {
		fmt.Printf("  - %s\n", p)
	}

	fmt.Println("per-server upload successes:")
	for server, count := range s.ServerUploadCounts {
		fmt.Printf("  %s: %d\n", server, count)
	}
	fmt.Println("per-relay accepted publishes:")
	for relay, count := range s.RelayAcceptCounts {
		fmt.Printf("  %s: %d\n", relay, count)
	}

	if len(s.GroupedErrors) > 0 {
		fmt.Println("errors:")
		for msg, keys := range s.GroupedErrors {
			fmt.Printf("  %s (%d affected): %s\n", msg, len(keys), strings.Join(keys, ", "))
		}
	}

	fmt.Printf("gateway: %s\n", s.GatewayURL)
}
