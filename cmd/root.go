package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/crushmap/crushtool/config"
	"github.com/crushmap/crushtool/crush"
	"github.com/crushmap/crushtool/crush/compiler"
	"github.com/crushmap/crushtool/crush/layout"
)

var (
	// input selection: exactly one of these
	compileIn   string // -c: text map to compile
	decompileIn string // -d: binary map to decompile
	buildIn     string // --build: yaml cluster layout to generate from

	outFile   string
	clobber   bool
	verbosity int
	logLevel  string

	// placement test mode (with -d)
	testMode     bool
	testRule     int32
	testKeys     int32
	testReplicas int32
)

var rootCmd = &cobra.Command{
	Use:           "crushtool",
	Short:         "Compile, decompile, build, and test CRUSH placement maps",
	Long:          "crushtool translates between the CRUSH text format and the binary map exchanged by cluster peers, generates maps from YAML cluster layouts, and evaluates placement rules over compiled maps.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the CLI root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&compileIn, "compile", "c", "", "compile a text map to binary")
	f.StringVarP(&decompileIn, "decompile", "d", "", "decompile a binary map to text")
	f.StringVar(&buildIn, "build", "", "build a map from a yaml cluster layout")
	f.StringVarP(&outFile, "outfn", "o", "", "write output to file")
	f.BoolVar(&clobber, "clobber", false, "overwrite an existing output file")
	f.CountVarP(&verbosity, "verbose", "v", "increase verbosity (repeatable)")
	f.StringVar(&logLevel, "log", "", "log level (overrides -v and config)")

	f.BoolVar(&testMode, "test", false, "with -d: evaluate placements instead of decompiling")
	f.Int32Var(&testRule, "rule", 0, "rule id to test")
	f.Int32Var(&testKeys, "keys", 1024, "number of input keys to place")
	f.Int32Var(&testReplicas, "replicas", 2, "replica count per placement")
}

func run(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}

	selected := 0
	for _, in := range []string{compileIn, decompileIn, buildIn} {
		if in != "" {
			selected++
		}
	}
	if selected != 1 {
		return fmt.Errorf("usage: crushtool [-d map] [-c map.txt] [--build layout.yaml] [-o outfile [--clobber]]")
	}
	if testMode && decompileIn == "" {
		return fmt.Errorf("--test requires -d")
	}

	switch {
	case compileIn != "":
		return runCompile()
	case decompileIn != "":
		return runDecompile()
	default:
		return runBuild()
	}
}

// setupLogging resolves the log level: --log flag > -v count > layered
// config (env/crushtool.yaml) > warning.
func setupLogging() error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}

	levelName := cfg.LogLevel
	switch {
	case logLevel != "":
		levelName = logLevel
	case verbosity == 1:
		levelName = "info"
	case verbosity >= 2:
		levelName = "debug"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", levelName)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func runCompile() error {
	src, err := os.ReadFile(compileIn)
	if err != nil {
		return fmt.Errorf("input file %s not found", compileIn)
	}
	m, err := compiler.Compile(compileIn, string(src))
	if err != nil {
		return err
	}
	data, err := crush.Encode(m)
	if err != nil {
		return err
	}
	if outFile == "" {
		fmt.Printf("crushtool successfully compiled '%s'.  Use -o file to write it out.\n", compileIn)
		return nil
	}
	if err := writeOutput(outFile, data); err != nil {
		return err
	}
	logrus.Infof("wrote crush map to %s", outFile)
	return nil
}

func runDecompile() error {
	data, err := os.ReadFile(decompileIn)
	if err != nil {
		return fmt.Errorf("error reading '%s': %v", decompileIn, err)
	}
	m, err := crush.Decode(data)
	if err != nil {
		return err
	}
	if testMode {
		return runPlacementTest(m)
	}
	text, err := compiler.Decompile(m)
	if err != nil {
		return err
	}
	if outFile == "" {
		fmt.Print(text)
		return nil
	}
	return writeOutput(outFile, []byte(text))
}

func runBuild() error {
	spec, err := layout.Load(buildIn)
	if err != nil {
		return err
	}
	m, err := spec.Build()
	if err != nil {
		return err
	}
	if outFile == "" {
		text, err := compiler.Decompile(m)
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	}
	data, err := crush.Encode(m)
	if err != nil {
		return err
	}
	if err := writeOutput(outFile, data); err != nil {
		return err
	}
	logrus.Infof("wrote crush map to %s", outFile)
	return nil
}

// runPlacementTest maps testKeys inputs through one rule and prints how
// placements spread over the devices.
func runPlacementTest(m *crush.Map) error {
	if m.Rule(testRule) == nil {
		return fmt.Errorf("no rule %d in map", testRule)
	}
	counts := make(map[int32]int)
	short := 0
	for key := int32(0); key < testKeys; key++ {
		devices, err := crush.Place(m, testRule, uint32(key), testReplicas)
		if err != nil {
			return err
		}
		logrus.Debugf("key %d -> %v", key, devices)
		if int32(len(devices)) < testReplicas {
			short++
		}
		for _, d := range devices {
			counts[d]++
		}
	}

	ids := make([]int32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Printf("rule %d keys %d replicas %d\n", testRule, testKeys, testReplicas)
	for _, id := range ids {
		name, ok := m.ItemName(id)
		if !ok {
			name = fmt.Sprintf("device%d", id)
		}
		fmt.Printf("  device %d (%s)\t%d\n", id, name, counts[id])
	}
	if short > 0 {
		fmt.Printf("  %d keys placed fewer than %d replicas\n", short, testReplicas)
	}
	return nil
}

// writeOutput writes data to path, refusing to overwrite unless --clobber.
func writeOutput(path string, data []byte) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !clobber {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("output file %s exists; use --clobber to overwrite", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
