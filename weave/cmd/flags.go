package cmd

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/PatchLens/go-aspect-weaver/weave"
)

// EnvPrefix prefixes the environment variables read as flag defaults, e.g. AKWEAVE_CACHEDIR.
const EnvPrefix = "AKWEAVE"

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags. Flags not given on the command line
// fall back to the -config file, then to AKWEAVE_ environment variables.
func ParseFlags(customFlags []CustomFlag) (*weave.Config, error) {
	config := &weave.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	configFile := flag.String("config", "", "Optional yaml, json or toml file providing flag values")
	assemblies := flag.String("assemblies", "", "Comma separated assembly images to weave, positional arguments are added")
	references := flag.String("refs", "", "Comma separated references as name=path or path, must include the Aspekt runtime")
	cacheDir := flag.String("cachedir", "", "Directory to persist the weave journal, in memory when empty")
	cacheMB := flag.Int("cachemb", 64, "Journal cache memory budget in MB")
	parallelism := flag.Int("parallel", 0, "Assemblies woven concurrently, NumCPU when 0")
	reportJsonFile := flag.String("json", "", "File to output weave details")
	reportChartsFile := flag.String("charts", "", "File to output weave overview chart image")
	diffs := flag.Bool("diffs", false, "Include the disassembly diff of every woven method in the report")
	dryRun := flag.Bool("dryrun", false, "Weave without writing images")
	listJournal := flag.Bool("journal", false, "List the images recorded in the cachedir journal")
	clearJournal := flag.Bool("clearjournal", false, "Forget the cachedir journal before weaving")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	if err := applyDefaults(*configFile); err != nil {
		return nil, err
	}

	// Populate config
	config.Assemblies = append(splitList(*assemblies), flag.Args()...)
	config.References = splitList(*references)
	config.CacheDir = *cacheDir
	config.CacheMB = *cacheMB
	config.Parallelism = *parallelism
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.Diffs = *diffs
	config.DryRun = *dryRun
	config.ListJournal = *listJournal
	config.ClearJournal = *clearJournal

	// Validate standard flags
	if len(config.Assemblies) == 0 && !config.ListJournal && !config.ClearJournal {
		return nil, errors.New("usage: aspektweave -refs Aspekt=../Aspekt.akim [-json report.json] app.akim [more.akim]\n" +
			"       aspektweave -cachedir dir [-journal] [-clearjournal]")
	}

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}

// applyDefaults sets every flag not given on the command line from the config file or the
// environment.
func applyDefaults(configFile string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	var err error
	flag.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		value := v.GetString(f.Name)
		if value == "" { // lists in config files
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		}
		if setErr := f.Value.Set(value); setErr != nil {
			err = fmt.Errorf("invalid value %q for %s: %w", value, f.Name, setErr)
		}
	})
	return err
}

func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
