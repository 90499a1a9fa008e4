// SPDX-License-Identifier: GPL-2.0-or-later

// Package remux is a CLI utility that converts raw h264 clips into mp4 or ts files.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"instantreplay/pkg/clip"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/h264"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const usage = `convert raw h264 clips into mp4 or ts files
example: remux --format mp4 --fps 30 ./storage/clips`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("remux", pflag.ContinueOnError)
	formatFlag := flags.String("format", "mp4", "output format, mp4 or ts")
	fpsFlag := flags.Float64("fps", 0, "frame rate, read from the SPS if unset")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		fmt.Println(usage)
		return nil
	}

	format, err := video.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	if format == video.FormatH264 {
		return fmt.Errorf("%w: output cannot be h264", video.ErrUnknownFormat)
	}

	clips, err := findClips(flags.Arg(0), format)
	if err != nil {
		return err
	}
	fmt.Printf("Found %v new clips.\n", len(clips))

	results := make([]error, len(clips))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range clips {
		i, path := i, path
		g.Go(func() error {
			results[i] = convert(path, format, *fpsFlag)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	for i, path := range clips {
		fmt.Printf("[%v/%v]", i+1, len(clips))
		if results[i] != nil {
			fmt.Printf("[ERR] %v %v\n", path, results[i])
			continue
		}
		fmt.Printf("[OK] %v\n", outputPath(path, format))
	}
	return nil
}

// findClips returns the raw clips that have not been converted yet.
func findClips(dir string, format video.Format) ([]string, error) {
	var clips []string
	walkFunc := func(path string, info fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%v %w", path, err)
		}
		if info.IsDir() {
			return nil
		}
		if f, err := video.FormatFromPath(path); err != nil || f != video.FormatH264 {
			return nil
		}

		_, err = os.Stat(outputPath(path, format))
		if !errors.Is(err, os.ErrNotExist) {
			return nil
		}

		clips = append(clips, path)
		return nil
	}
	if err := filepath.WalkDir(dir, walkFunc); err != nil {
		return nil, err
	}
	return clips, nil
}

func outputPath(path string, format video.Format) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + string(format)
}

// ErrNoParameterSets clip does not contain SPS and PPS.
var ErrNoParameterSets = errors.New("no parameter sets")

func convert(path string, format video.Format, fps float64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clip: %w", err)
	}

	parser := h264.NewParser()
	units := append(parser.Feed(raw), parser.Flush()...)

	var paramSets h264.ParamSets
	packets := make([]video.Packet, 0, len(units))
	for i, u := range units {
		paramSets.Observe(u)
		packets = append(packets, video.Packet{
			Payload:     u.Payload,
			IsSyncPoint: u.IsSyncPoint,
			Index:       i,
		})
	}

	params := video.CodecParams{FrameRate: fps}
	params.SPS, params.PPS = paramSets.Get()
	if format == video.FormatMP4 && (params.SPS == nil || params.PPS == nil) {
		return ErrNoParameterSets
	}
	if info := paramSets.SPSInfo(); info != nil {
		params.Width, params.Height = info.Width(), info.Height()
		if params.FrameRate == 0 {
			params.FrameRate = info.FPS()
		}
	}

	file, err := os.OpenFile(outputPath(path, format), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	err = clip.Muxers[format](w, packets, params)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("mux: %w", err)
	}
	return nil
}
