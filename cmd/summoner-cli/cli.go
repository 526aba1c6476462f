// Package summoner is the command line interface of the ceremony coordinator.
package summoner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/drand/summoner/admission"
	"github.com/drand/summoner/common"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/config"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/observer"
)

// default output of the operational commands, the daemon uses its own
// logging.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//
//	-X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = common.GetAppVersion().String()
	gitCommit = common.COMMIT
	buildDate = common.BUILDDATE
)

func banner() {
	fmt.Fprintf(output, "summoner %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: config.DefaultFolder(),
	Usage: "Folder holding the configuration and the ledger, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Write logs as JSON instead of the console format.",
}

var degreeFlag = &cli.IntFlag{
	Name:  "degree",
	Usage: fmt.Sprintf("Degree of the CRS to create. Default is %d.", config.DefaultDegree),
}

var ledgerFlag = &cli.StringFlag{
	Name:  "ledger",
	Usage: "Path of the ledger file. Defaults to ledger.db in the folder.",
}

var receiverFlag = &cli.StringFlag{
	Name:  "receiver",
	Usage: "Address that receives the bids of the participants.",
}

var minBidFlag = &cli.Uint64Flag{
	Name:  "min-bid",
	Usage: "Smallest bid, in microAlgos, making an address eligible.",
}

var indexerFlag = &cli.StringFlag{
	Name:  "indexer",
	Usage: "URL of the Algorand indexer used to observe bids.",
}

var indexerTokenFlag = &cli.StringFlag{
	Name:    "indexer-token",
	Usage:   "API token of the Algorand indexer.",
	EnvVars: []string{"SUMMONER_INDEXER_TOKEN"},
}

var httpFlag = &cli.StringFlag{
	Name:  "http",
	Usage: "Serve the public read-only API at the given (host:)port.",
}

var accessLogFlag = &cli.StringFlag{
	Name:  "access-log",
	Usage: "File to log HTTP requests to. Defaults to stdout.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var pprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Usage: "Serve the pprof endpoints on the metrics server.",
}

var maxSlotsFlag = &cli.Uint64Flag{
	Name:  "max-slots",
	Usage: "Close the ceremony once this many contributions are committed.",
}

var exportDirFlag = &cli.StringFlag{
	Name:  "dir",
	Usage: "Directory to write the transcript to.",
}

var bucketFlag = &cli.StringFlag{
	Name:  "bucket",
	Usage: "Name of the AWS bucket to upload the transcript to.",
}

var regionFlag = &cli.StringFlag{
	Name:  "region",
	Usage: "Name of the AWS region to use (optional).",
}

var prefixFlag = &cli.StringFlag{
	Name:  "prefix",
	Usage: "Key prefix of the transcript objects in the bucket.",
}

var fromFlag = &cli.Uint64Flag{
	Name:  "from",
	Usage: "First slot to export.",
}

var reasonFlag = &cli.StringFlag{
	Name:  "reason",
	Usage: "Why the address is banned.",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "Save the contribution into this file.",
}

var crsFileFlag = &cli.StringFlag{
	Name:  "crs",
	Usage: "Contribute on top of the CRS in this file instead of the ledger tip.",
}

var skipBidFlag = &cli.BoolFlag{
	Name:  "skip-bid",
	Usage: "Admit the address without looking up its bid. Bans and past contributions are still checked.",
}

var appCommands = []*cli.Command{
	{
		Name:  "init",
		Usage: "Create the configuration and a fresh ledger holding the genesis CRS.",
		Flags: toArray(folderFlag, ledgerFlag, degreeFlag, receiverFlag, minBidFlag,
			indexerFlag, indexerTokenFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			banner()
			return initCmd(c)
		},
	},
	{
		Name:  "start",
		Usage: "Start the ceremony daemon.",
		Flags: toArray(folderFlag, ledgerFlag, receiverFlag, minBidFlag, indexerFlag,
			indexerTokenFlag, httpFlag, accessLogFlag, metricsFlag, pprofFlag,
			maxSlotsFlag, verboseFlag, jsonLogsFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name:  "status",
		Usage: "Print the state of the ledger.",
		Flags: toArray(folderFlag, ledgerFlag),
		Action: func(c *cli.Context) error {
			return statusCmd(c)
		},
	},
	{
		Name:  "audit",
		Usage: "Verify every slot of the ledger from the genesis CRS.",
		Flags: toArray(folderFlag, ledgerFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			return auditCmd(c)
		},
	},
	{
		Name:      "check",
		Usage:     "Tell whether an address may contribute.",
		ArgsUsage: "`ADDRESS` of the candidate",
		Flags:     toArray(folderFlag, ledgerFlag, receiverFlag, minBidFlag, indexerFlag, indexerTokenFlag),
		Action: func(c *cli.Context) error {
			return checkCmd(c)
		},
	},
	{
		Name:  "contribute",
		Usage: "Compute a contribution on top of the current CRS and save it to a file.",
		Flags: toArray(folderFlag, ledgerFlag, crsFileFlag, outFlag),
		Action: func(c *cli.Context) error {
			return contributeCmd(c)
		},
	},
	{
		Name:      "commit",
		Usage:     "Validate a contribution file and append it to the ledger.",
		ArgsUsage: "`ADDRESS` of the contributor and `FILE` holding the contribution",
		Flags: toArray(folderFlag, ledgerFlag, receiverFlag, minBidFlag, indexerFlag,
			indexerTokenFlag, skipBidFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			return commitCmd(c)
		},
	},
	{
		Name:  "export",
		Usage: "Write the transcript of the ceremony to a directory.",
		Flags: toArray(folderFlag, ledgerFlag, exportDirFlag, fromFlag),
		Action: func(c *cli.Context) error {
			return exportCmd(c)
		},
	},
	{
		Name:  "publish",
		Usage: "Upload the transcript of the ceremony to an AWS S3 bucket.",
		Flags: toArray(folderFlag, ledgerFlag, bucketFlag, regionFlag, prefixFlag, fromFlag),
		Action: func(c *cli.Context) error {
			return publishCmd(c)
		},
	},
	{
		Name:      "ban",
		Usage:     "Prevent an address from contributing.",
		ArgsUsage: "`ADDRESS` to ban",
		Flags:     toArray(folderFlag, ledgerFlag, reasonFlag),
		Action: func(c *cli.Context) error {
			return banCmd(c)
		},
	},
	{
		Name:      "unban",
		Usage:     "Lift the ban of an address.",
		ArgsUsage: "`ADDRESS` to unban",
		Flags:     toArray(folderFlag, ledgerFlag),
		Action: func(c *cli.Context) error {
			return unbanCmd(c)
		},
	},
	{
		Name:  "bans",
		Usage: "List the banned addresses.",
		Flags: toArray(folderFlag, ledgerFlag),
		Action: func(c *cli.Context) error {
			return bansCmd(c)
		},
	},
}

// CLI runs the summoner app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "summoner"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "summoner %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "sequential MPC ceremony coordinator"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

// contextToConfig loads the configuration of the folder and applies the
// flags on top of it.
func contextToConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String(folderFlag.Name))
	if err != nil {
		return nil, err
	}

	if c.IsSet(verboseFlag.Name) {
		conf.Log.Level = "debug"
	}
	if c.IsSet(jsonLogsFlag.Name) {
		conf.Log.JSON = c.Bool(jsonLogsFlag.Name)
	}
	if c.IsSet(ledgerFlag.Name) {
		conf.Ledger.Path = c.String(ledgerFlag.Name)
	}
	if c.IsSet(degreeFlag.Name) {
		conf.Ledger.Degree = c.Int(degreeFlag.Name)
	}
	if c.IsSet(receiverFlag.Name) {
		conf.Admission.Receiver = c.String(receiverFlag.Name)
	}
	if c.IsSet(minBidFlag.Name) {
		conf.Admission.MinBid = c.Uint64(minBidFlag.Name)
	}
	if c.IsSet(indexerFlag.Name) {
		conf.Observer.IndexerURL = c.String(indexerFlag.Name)
	}
	if c.IsSet(indexerTokenFlag.Name) {
		conf.Observer.IndexerToken = c.String(indexerTokenFlag.Name)
	}
	if c.IsSet(httpFlag.Name) {
		conf.HTTP.Bind = c.String(httpFlag.Name)
	}
	if c.IsSet(accessLogFlag.Name) {
		conf.HTTP.AccessLog = c.String(accessLogFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		conf.Metrics.Bind = c.String(metricsFlag.Name)
	}
	if c.IsSet(pprofFlag.Name) {
		conf.Metrics.Pprof = c.Bool(pprofFlag.Name)
	}
	if c.IsSet(maxSlotsFlag.Name) {
		conf.Ceremony.MaxSlots = c.Uint64(maxSlotsFlag.Name)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

func newLogger(conf *config.Config) log.Logger {
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.New(zapcore.Lock(os.Stderr), level, conf.Log.JSON)
}

// openLedger loads the ledger of the configuration.
func openLedger(c *cli.Context, conf *config.Config, l log.Logger) (*ledger.Ledger, error) {
	store, err := ledger.Load(c.Context, l, conf.Ledger.Database(), crs.NewPairingValidator(),
		ledger.WithCacheSize(conf.Ledger.CacheSize))
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	return store, nil
}

// fixedBid reports the minimum bid for every address.
type fixedBid common.Amount

func (f fixedBid) TotalAmountSentTo(context.Context, common.Address) (common.Amount, error) {
	return common.Amount(f), nil
}

// newGate builds the admission gate of the configuration. Without skipBid, a
// configured indexer is required.
func newGate(conf *config.Config, l log.Logger, store *ledger.Ledger, skipBid bool) (*admission.Gate, error) {
	minBid := common.Amount(conf.Admission.MinBid)

	var obs admission.ChainObserver
	if skipBid {
		l.Warnw("admitting without bid lookup")
		obs = fixedBid(minBid)
	} else {
		receiver, err := conf.Receiver()
		if err != nil {
			return nil, err
		}
		if conf.Observer.IndexerURL == "" {
			return nil, errors.New("observer.indexer_url is not configured")
		}
		indexer, err := observer.NewIndexer(l, conf.Observer.IndexerURL, conf.Observer.IndexerToken, receiver)
		if err != nil {
			return nil, err
		}
		obs, err = observer.NewCached(indexer, conf.Observer.CacheSize, conf.Observer.CacheTTL.Duration, nil)
		if err != nil {
			return nil, err
		}
	}

	return admission.NewGate(l, obs,
		admission.WithMinBid(minBid),
		admission.WithBanChecker(store),
		admission.WithContributionChecker(store),
	), nil
}

func parseAddressArg(c *cli.Context, i int) (common.Address, error) {
	if c.NArg() <= i {
		return common.Address{}, errors.New("missing address argument")
	}
	return common.ParseAddress(c.Args().Get(i))
}
