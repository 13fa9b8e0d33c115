// Vrx: video receiver CLI.
//
// Listens for the datagrams sent by vtx and writes the payload back out as an
// elementary stream, playable with any H.264/H.265 capable player.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/vtx/internal/receiver"
	"github.com/1ureka/vtx/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	listen := flag.String("listen", ":5602", "UDP address to listen on")
	outPath := flag.String("out", "out.h265", "Output file, or '-' for stdout")
	merged := flag.Bool("merged", true, "Strip the second header of merged datagrams")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	var (
		out  io.Writer
		file *os.File
	)
	if *outPath == "-" {
		// stdout carries video, keep logs off it
		util.SetLogOutput(os.Stderr)
		out = os.Stdout
	} else {
		pterm.Info.Println(fmt.Sprintf("Vrx v%s", version))
		pterm.Println()

		f, err := os.Create(*outPath)
		if err != nil {
			util.LogError("failed to create %s: %v", *outPath, err)
			os.Exit(1)
		}
		file, out = f, f
	}

	w := bufio.NewWriterSize(out, 1<<20)

	r, err := receiver.Listen(*listen, w, receiver.Options{Merged: *merged})
	if err != nil {
		util.LogError("%v", err)
		closeOutput(file)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx, 0)

	runErr := r.Run(ctx)
	r.Close()

	if err := w.Flush(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to flush output: %w", err)
	}
	if err := closeOutput(file); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close %s: %w", *outPath, err)
	}

	c := r.Counters()
	util.LogInfo("received %d datagrams (%d lost, %d late, %d duplicate, %d invalid, %d session changes)",
		c.Received, c.Lost, c.Late, c.Duplicate, c.Invalid, c.Resets)

	if runErr != nil {
		util.LogError("%v", runErr)
		os.Exit(1)
	}
}

// closeOutput closes the output file; stdout is left open.
func closeOutput(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
