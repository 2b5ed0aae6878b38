package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"

	"github.com/shakenfist/occystrap/pkg/config"
	occylog "github.com/shakenfist/occystrap/pkg/log"
	"github.com/shakenfist/occystrap/pkg/pipeline"
	"github.com/shakenfist/occystrap/pkg/uri"
)

var (
	commit  string
	version = "unversioned"
	date    string

	verboseFlag      = false
	osFlag           = "linux"
	architectureFlag = "amd64"
	variantFlag      = ""
	usernameFlag     = ""
	passwordFlag     = ""
	insecureFlag     = false
	compressionFlag  = ""
	parallelFlag     = 4

	processSource  = ""
	processDest    = ""
	processFilters []string

	searchSource         = ""
	searchPattern        = ""
	searchRegexFlag      = false
	searchScriptFriendly = false
)

func main() {
	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH)

	flaggy.SetName("occystrap")
	flaggy.SetDescription("Move container images between registries, daemons and disk")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/shakenfist/occystrap"
	flaggy.SetVersion(info)

	flaggy.Bool(&verboseFlag, "v", "verbose", "Enable debug logging")
	flaggy.String(&osFlag, "", "os", "Operating system to select from manifest lists")
	flaggy.String(&architectureFlag, "", "architecture", "Architecture to select from manifest lists")
	flaggy.String(&variantFlag, "", "variant", "Architecture variant to select from manifest lists")
	flaggy.String(&usernameFlag, "u", "username", "Registry username")
	flaggy.String(&passwordFlag, "p", "password", "Registry password")
	flaggy.Bool(&insecureFlag, "", "insecure", "Use HTTP instead of HTTPS for registries")
	flaggy.String(&compressionFlag, "", "compression", "Layer compression when pushing (gzip or zstd)")
	flaggy.Int(&parallelFlag, "", "parallel", "Worker pool size for downloads and uploads")

	processCmd := flaggy.NewSubcommand("process")
	processCmd.Description = "Stream an image from SOURCE to DEST, optionally through filters"
	processCmd.AddPositionalValue(&processSource, "SOURCE", 1, true, "Source URI")
	processCmd.AddPositionalValue(&processDest, "DEST", 2, true, "Destination URI")
	processCmd.StringSlice(&processFilters, "f", "filter", "Filter specification (repeatable)")
	flaggy.AttachSubcommand(processCmd, 1)

	searchCmd := flaggy.NewSubcommand("search")
	searchCmd.Description = "Search layer member names in an image"
	searchCmd.AddPositionalValue(&searchSource, "SOURCE", 1, true, "Source URI")
	searchCmd.AddPositionalValue(&searchPattern, "PATTERN", 2, true, "Glob or regex to match")
	searchCmd.Bool(&searchRegexFlag, "", "regex", "Treat PATTERN as a regular expression")
	searchCmd.Bool(&searchScriptFriendly, "", "script-friendly", "Machine-parseable output")
	flaggy.AttachSubcommand(searchCmd, 1)

	flaggy.Parse()

	appConfig := config.NewAppConfig("occystrap", version, verboseFlag)
	appConfig.OS = osFlag
	appConfig.Architecture = architectureFlag
	appConfig.Variant = variantFlag
	appConfig.Insecure = insecureFlag
	appConfig.Parallel = parallelFlag
	if usernameFlag != "" {
		appConfig.Username = usernameFlag
	}
	if passwordFlag != "" {
		appConfig.Password = passwordFlag
	}
	if compressionFlag != "" {
		appConfig.Compression = compressionFlag
	}

	logger := occylog.NewLogger(appConfig)
	builder := &pipeline.Builder{Log: logger, Config: appConfig}
	ctx := context.Background()

	var err error
	switch {
	case processCmd.Used:
		src, chain, buildErr := builder.Build(ctx, processSource, processDest, processFilters)
		if buildErr != nil {
			err = buildErr
		} else {
			err = pipeline.Run(ctx, src, chain)
		}

	case searchCmd.Used:
		src, chain, buildErr := builder.BuildSearch(
			searchSource, searchPattern, searchRegexFlag, searchScriptFriendly)
		if buildErr != nil {
			err = buildErr
		} else {
			err = pipeline.Run(ctx, src, chain)
		}

	default:
		flaggy.ShowHelpAndExit("specify a subcommand: process or search")
	}

	if err == nil {
		return
	}

	var parseErr *uri.ParseError
	if errors.As(err, &parseErr) {
		log.Println(parseErr.Error())
		os.Exit(2)
	}

	stackTrace := goerrors.Wrap(err, 0).ErrorStack()
	logger.Error(stackTrace)
	log.Fatal(err.Error())
}
