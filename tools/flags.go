package tools

import (
	"flag"
	"log"
)

const (
	CommandPrefetch = "prefetch"
	CommandInspect  = "inspect"
)

type FlagsGlobal struct {
	Help    *bool `json:"help"`
	Version *bool `json:"version"`
}

type LayerFlags struct {
	LayerId  *string `json:"layer_id"`
	Kind     *string `json:"kind"`
	Url      *string `json:"url"`
	Crs      *string `json:"crs"`
	ZoomMin  *int    `json:"zoom_min"`
	ZoomMax  *int    `json:"zoom_max"`
	Strategy *string `json:"strategy"`
}

type FlagsForCommandPrefetch struct {
	LayerFlags
	West             *float64
	East             *float64
	South            *float64
	North            *float64
	MaxLevel         *int
	Resolution       *float64
	Workers          *int
	TextureByteLimit *int
	Silent           *bool
	LogTimestamp     *bool
	Help             *bool
	Version          *bool
}

type FlagsForCommandInspect struct {
	LayerFlags
	Verbose *bool
}

func ParseFlagsGlobal() FlagsGlobal {
	help := defineBoolFlag("help", "h", false, "Displays this help.")
	version := defineBoolFlag("version", "v", false, "Displays the version of tile_scheduler.")

	flag.Parse()

	return FlagsGlobal{
		Help:    help,
		Version: version,
	}
}

func ParseFlagsForCommandPrefetch(args []string) FlagsForCommandPrefetch {
	log.Println(FmtJSONString(args))

	flagCommand := flag.NewFlagSet("command-prefetch", flag.ExitOnError)

	layerId := defineStringFlagCommand(flagCommand, "layer", "l", "layer-0", "Identifier assigned to the attached layer.")
	kind := defineStringFlagCommand(flagCommand, "kind", "k", "imagery", "Kind of the layer source, one of 'imagery', 'cog', 'static', 'vector', '3dtiles', 'pointcloud'.")
	url := defineStringFlagCommand(flagCommand, "url", "u", "", "Url of the layer source. Imagery urls carry {z}/{x}/{y} placeholders, the other kinds point at the source metadata document.")
	crs := defineStringFlagCommand(flagCommand, "crs", "c", "EPSG:4326", "Coordinate reference system of the layer extents.")
	zoomMin := defineIntFlagCommand(flagCommand, "zoom-min", "", 0, "Lowest zoom level requested from the source.")
	zoomMax := defineIntFlagCommand(flagCommand, "zoom-max", "", 18, "Highest zoom level requested from the source.")
	strategy := defineStringFlagCommand(flagCommand, "strategy", "", "MIN_NETWORK_TRAFFIC", "Level update strategy, one of 'MIN_NETWORK_TRAFFIC', 'PROGRESSIVE', 'DICHOTOMY', 'GROUP'.")

	west := defineFloat64FlagCommand(flagCommand, "west", "", -180, "West bound of the extent to prefetch.")
	east := defineFloat64FlagCommand(flagCommand, "east", "", 180, "East bound of the extent to prefetch.")
	south := defineFloat64FlagCommand(flagCommand, "south", "", -90, "South bound of the extent to prefetch.")
	north := defineFloat64FlagCommand(flagCommand, "north", "", 90, "North bound of the extent to prefetch.")
	maxLevel := defineIntFlagCommand(flagCommand, "max-level", "d", 4, "Deepest tree level walked during the prefetch.")
	resolution := defineFloat64FlagCommand(flagCommand, "resolution", "", 0.001, "Target resolution in layer units per pixel, drives the refinement depth.")
	workers := defineIntFlagCommand(flagCommand, "workers", "w", 4, "Number of concurrent command workers.")
	textureByteLimit := defineIntFlagCommand(flagCommand, "texture-bytes", "", 0, "Byte budget of the texture cache, 0 keeps the default.")

	silent := defineBoolFlagCommand(flagCommand, "silent", "s", false, "Use to suppress all the non-error messages.")
	logTimestamp := defineBoolFlagCommand(flagCommand, "timestamp", "t", false, "Adds timestamp to log messages.")
	help := defineBoolFlagCommand(flagCommand, "help", "h", false, "Displays this help.")
	version := defineBoolFlagCommand(flagCommand, "version", "v", false, "Displays the version of tile_scheduler.")

	flagCommand.Parse(args)

	return FlagsForCommandPrefetch{
		LayerFlags: LayerFlags{
			LayerId:  layerId,
			Kind:     kind,
			Url:      url,
			Crs:      crs,
			ZoomMin:  zoomMin,
			ZoomMax:  zoomMax,
			Strategy: strategy,
		},
		West:             west,
		East:             east,
		South:            south,
		North:            north,
		MaxLevel:         maxLevel,
		Resolution:       resolution,
		Workers:          workers,
		TextureByteLimit: textureByteLimit,
		Silent:           silent,
		LogTimestamp:     logTimestamp,
		Help:             help,
		Version:          version,
	}
}

func ParseFlagsForCommandInspect(args []string) FlagsForCommandInspect {
	log.Println(FmtJSONString(args))

	flagCommand := flag.NewFlagSet("command-inspect", flag.ExitOnError)

	layerId := defineStringFlagCommand(flagCommand, "layer", "l", "layer-0", "Identifier assigned to the attached layer.")
	kind := defineStringFlagCommand(flagCommand, "kind", "k", "3dtiles", "Kind of the layer source, one of 'imagery', 'cog', 'static', 'vector', '3dtiles', 'pointcloud'.")
	url := defineStringFlagCommand(flagCommand, "url", "u", "", "Url of the layer source metadata document.")
	crs := defineStringFlagCommand(flagCommand, "crs", "c", "EPSG:4326", "Coordinate reference system of the layer extents.")
	verbose := defineBoolFlagCommand(flagCommand, "verbose", "", false, "Prints the full node index instead of the summary.")

	zoomMin := 0
	zoomMax := 18
	strategy := "MIN_NETWORK_TRAFFIC"

	flagCommand.Parse(args)

	return FlagsForCommandInspect{
		LayerFlags: LayerFlags{
			LayerId:  layerId,
			Kind:     kind,
			Url:      url,
			Crs:      crs,
			ZoomMin:  &zoomMin,
			ZoomMax:  &zoomMax,
			Strategy: &strategy,
		},
		Verbose: verbose,
	}
}

func defineBoolFlag(name string, shortHand string, defaultValue bool, usage string) *bool {
	var output bool
	flag.BoolVar(&output, name, defaultValue, usage)
	if shortHand != name {
		flag.BoolVar(&output, shortHand, defaultValue, usage+" (shorthand for "+name+")")
	}
	return &output
}

func defineStringFlagCommand(flagCommand *flag.FlagSet, name string, shortHand string, defaultValue string, usage string) *string {
	var output string
	flagCommand.StringVar(&output, name, defaultValue, usage)
	if shortHand != name && shortHand != "" {
		flagCommand.StringVar(&output, shortHand, defaultValue, usage+" (shorthand for "+name+")")
	}

	return &output
}

func defineIntFlagCommand(flagCommand *flag.FlagSet, name string, shortHand string, defaultValue int, usage string) *int {
	var output int
	flagCommand.IntVar(&output, name, defaultValue, usage)
	if shortHand != name && shortHand != "" {
		flagCommand.IntVar(&output, shortHand, defaultValue, usage+" (shorthand for "+name+")")
	}

	return &output
}

func defineFloat64FlagCommand(flagCommand *flag.FlagSet, name string, shortHand string, defaultValue float64, usage string) *float64 {
	var output float64
	flagCommand.Float64Var(&output, name, defaultValue, usage)
	if shortHand != name && shortHand != "" {
		flagCommand.Float64Var(&output, shortHand, defaultValue, usage+" (shorthand for "+name+")")
	}
	return &output
}

func defineBoolFlagCommand(flagCommand *flag.FlagSet, name string, shortHand string, defaultValue bool, usage string) *bool {
	var output bool
	flagCommand.BoolVar(&output, name, defaultValue, usage)
	if shortHand != name && shortHand != "" {
		flagCommand.BoolVar(&output, shortHand, defaultValue, usage+" (shorthand for "+name+")")
	}
	return &output
}
