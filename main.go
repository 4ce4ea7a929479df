// Copyright 2026 aptguard
//
// aptguard is both an APT transport method (invoked as
// reproduced+http, reproduced+https, …) and a small standalone CLI for
// inspecting and maintaining its own configuration. Dispatch between the
// two is by argv[0], matching the APT multicall-method convention.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aptguard/aptguard/pkg/apt"
	"github.com/aptguard/aptguard/pkg/config"
	"github.com/aptguard/aptguard/pkg/deb"
	"github.com/aptguard/aptguard/pkg/metrics"
	"github.com/aptguard/aptguard/pkg/rebuilder"
)

const version = "0.1.0"
const multicallPrefix = "reproduced+"

func main() {
	if isMulticallInvocation() {
		runTransport()
		return
	}
	os.Exit(runCLI(os.Args[1:]))
}

func isMulticallInvocation() bool {
	return strings.HasPrefix(filepath.Base(os.Args[0]), multicallPrefix)
}

func runTransport() {
	logger := log.New(os.Stderr, "[aptguard] ", log.LstdFlags)

	path, err := config.DefaultPath()
	if err != nil {
		logger.Fatalf("resolve config path: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config %s: %v", path, err)
	}

	trusted := make([]rebuilder.Rebuilder, 0, len(cfg.TrustedRebuilders))
	trusted = append(trusted, cfg.TrustedRebuilders...)

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	if addr := os.Getenv("APTGUARD_METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, logger)
	}

	transport := apt.NewTransport(apt.Verifier{
		Trusted: trusted,
		Policy:  cfg.ThresholdPolicy(),
	}, deb.NullInspector{}, reg)

	if err := transport.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Printf("transport terminated: %v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("metrics server stopped: %v", err)
	}
}

func runCLI(args []string) int {
	fs := flag.NewFlagSet("aptguard", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: aptguard <version|check-config|fetch-community>")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	switch fs.Arg(0) {
	case "version":
		fmt.Println("aptguard", version)
		return 0
	case "check-config":
		return cmdCheckConfig()
	case "fetch-community":
		return cmdFetchCommunity()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", fs.Arg(0))
		fs.Usage()
		return 2
	}
}

func cmdCheckConfig() int {
	path, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve config path: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("config: %s\n", path)
	fmt.Printf("required_threshold: %d\n", cfg.Rules.RequiredThreshold)
	fmt.Printf("blindly_trust: %v\n", cfg.Rules.BlindlyTrust)
	for _, r := range cfg.MergedRebuilders() {
		fmt.Printf("rebuilder: %-8s active=%-5v %s\n", r.Item.Name, r.Active, r.Item.URL)
	}
	return 0
}

func cmdFetchCommunity() int {
	path, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve config path: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
		return 1
	}

	list, err := rebuilder.FetchCommunityList(context.Background(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch community list: %v\n", err)
		return 1
	}
	cfg.CachedRebuilderdCommunity = list
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "save %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("cached %d community rebuilders to %s\n", len(list), path)
	return 0
}
