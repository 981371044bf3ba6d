// Package main provides the explainer CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0-dev"

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "explainer: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "CNN Explainer - inspect every activation of a small image classifier")
	fmt.Fprintf(w, "Version: %s\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version    Show version")
	fmt.Fprintln(w, "  classify   Classify an image and print the class probabilities")
	fmt.Fprintln(w, "  graph      Write the full activation graph as JSON")
	fmt.Fprintln(w, "  render     Write an SVG overview of the activation graph")
	fmt.Fprintln(w, "  convert    Convert a JSON weight descriptor to SafeTensors")
	fmt.Fprintln(w, "  serve      Serve the HTTP API")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'explainer <command> -h' for the flags of a command.")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "CNN Explainer %s\n", version)
		return nil
	case "classify":
		return runClassify(ctx, rest, stdout, stderr)
	case "graph":
		return runGraph(ctx, rest, stdout, stderr)
	case "render":
		return runRender(ctx, rest, stdout, stderr)
	case "convert":
		return runConvert(rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return errUsage
	}
}
