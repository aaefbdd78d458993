package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
	"github.com/ecopia-map/tile_scheduler/internal/tree"
	"github.com/ecopia-map/tile_scheduler/pkg"
	"github.com/ecopia-map/tile_scheduler/tools"
)

const VERSION = "0.1.0"

const logo = `
 _   _  _          _                _            _         _
| |_(_)| |  ___   ___  ___| |__   ___  __| |_   _| | ___ _ __
| __| | |/ _ \ / __|/ __| '_ \ / _ \/ _  | | | | |/ _ \ '__|
| |_| | |  __/ \__ \ (__| | | |  __/ (_| | |_| | |  __/ |
 \__|_|_|\___| |___/\___|_| |_|\___|\__,_|\__,_|_|\___|_|
        A tile scheduling and layer streaming core
        Copyright YYYY - ecopia-map
`

func main() {
	log.SetPrefix("[tile_scheduler] ")
	log.SetFlags(log.LUTC | log.Ldate | log.Lmicroseconds | log.Lshortfile)

	flagsGlobal := tools.ParseFlagsGlobal()
	log.Println(tools.FmtJSONString(flagsGlobal))

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("Please specify a subcommand [prefetch|inspect].")
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case tools.CommandPrefetch:
		mainCommandPrefetch(args)
	case tools.CommandInspect:
		mainCommandInspect(args)
	default:
		log.Fatalf("Unrecognized command [%q]. Command must be one of [prefetch|inspect]", cmd)
	}
}

func mainCommandPrefetch(args []string) {
	flags := tools.ParseFlagsForCommandPrefetch(args)

	if *flags.Help {
		showHelp()
		return
	}
	if *flags.Version {
		printVersion()
		return
	}

	if *flags.Silent {
		tools.DisableLogger()
	} else {
		printLogo()
	}
	if !*flags.LogTimestamp {
		tools.DisableLoggerTimestamp()
	}

	l, err := layerFromFlags(&flags.LayerFlags)
	if err != nil {
		log.Fatal("Error parsing input parameters: " + err.Error())
	}

	extent, err := geometry.NewExtent(*flags.Crs, *flags.West, *flags.East, *flags.South, *flags.North)
	if err != nil {
		log.Fatal("Error parsing prefetch extent: " + err.Error())
	}

	ctx := context.Background()
	streamer := pkg.NewStreamer(ctx, &pkg.StreamerOptions{
		Workers:          *flags.Workers,
		TextureByteLimit: int64(*flags.TextureByteLimit),
	})
	defer streamer.Stop()

	if err := streamer.Attach(ctx, l); err != nil {
		log.Fatal("Error attaching layer: ", err)
	}

	start := time.Now()
	err = streamer.Prefetch(ctx, l.Id, tree.View{
		Extent:       extent,
		Resolution:   *flags.Resolution,
		SSEThreshold: 1,
		MaxLevel:     *flags.MaxLevel,
	})
	if err != nil {
		log.Fatal("Error while prefetching: ", err)
	}
	tools.LogOutput("Prefetch completed in", time.Since(start).Round(time.Millisecond))
}

func mainCommandInspect(args []string) {
	flags := tools.ParseFlagsForCommandInspect(args)

	l, err := layerFromFlags(&flags.LayerFlags)
	if err != nil {
		log.Fatal("Error parsing input parameters: " + err.Error())
	}

	ctx := context.Background()
	streamer := pkg.NewStreamer(ctx, &pkg.StreamerOptions{})
	defer streamer.Stop()

	if err := streamer.Attach(ctx, l); err != nil {
		log.Fatal("Error attaching layer: ", err)
	}

	fmt.Println("layer:", l.Id)
	fmt.Println("kind:", l.Kind)
	fmt.Println("crs:", l.CRS)
	fmt.Println("extent:", l.ComputedExtent)
	if *flags.Verbose {
		fmt.Println("meta:", tools.FmtJSONString(l.Meta))
	}
}

func layerFromFlags(flags *tools.LayerFlags) (*layer.Layer, error) {
	kind, err := layer.ParseKind(*flags.Kind)
	if err != nil {
		return nil, err
	}
	strategyType, err := layer.ParseStrategyType(*flags.Strategy)
	if err != nil {
		return nil, err
	}

	l := &layer.Layer{
		Id:             *flags.LayerId,
		Kind:           kind,
		URL:            *flags.Url,
		CRS:            *flags.Crs,
		Zoom:           layer.ZoomRange{Min: *flags.ZoomMin, Max: *flags.ZoomMax},
		UpdateStrategy: layer.Strategy{Type: strategyType},
	}
	return l, l.Validate()
}

func printLogo() {
	fmt.Println(strings.ReplaceAll(logo, "YYYY", strconv.Itoa(time.Now().Year())))
}

func showHelp() {
	printLogo()
	fmt.Println("***")
	fmt.Println("tile_scheduler walks layered tile hierarchies through a deduplicating scheduler and warms their caches.")
	printVersion()
	fmt.Println("***")
	fmt.Println("")
	fmt.Println("Command line flags: ")
	flag.CommandLine.SetOutput(os.Stdout)
	flag.PrintDefaults()
}

func printVersion() {
	fmt.Println("v." + VERSION)
}
