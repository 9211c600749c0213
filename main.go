package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hadv/tshasher/config"
	"github.com/hadv/tshasher/miner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/urfave/cli.v1"
)

const logo = `
 _____ ____  _   _    _    ____  _   _ _____ ____
|_   _/ ___|| | | |  / \  / ___|| | | | ____|  _ \
  | | \___ \| |_| | / _ \ \___ \| |_| |  _| | |_) |
  | |  ___) |  _  |/ ___ \ ___) |  _  | |___|  _ <
  |_| |____/|_| |_/_/   \_\____/|_| |_|_____|_| \_\

      ⛏️  Identity Security Level Miner  ⛏️
`

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "File holding identities and tuned device parameters",
		Value: config.DefaultFile,
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}

	publicKeyFlag = cli.StringFlag{
		Name:  "publickey",
		Usage: fmt.Sprintf("Public key of the identity (%d to %d characters)", miner.MinIdentityLength, miner.MaxIdentityLength),
	}
	startCounterFlag = cli.Uint64Flag{
		Name:  "startcounter",
		Usage: "Counter the search starts at",
	}
	nicknameFlag = cli.StringFlag{
		Name:  "nickname",
		Usage: "Nickname shown in listings",
		Value: config.DefaultNickname,
	}
	yesFlag = cli.BoolFlag{
		Name:  "yes",
		Usage: "Overwrite a stored identity without asking",
	}

	throttleFlag = cli.Float64Flag{
		Name:  "throttle",
		Usage: "Throttle factor >= 1; higher values leave the devices idle for longer",
		Value: 1,
	}
	retuneFlag = cli.BoolFlag{
		Name:  "retune",
		Usage: "Discard the tuned parameters and tune every device again",
	}
	idFlag = cli.IntFlag{
		Name:  "id",
		Usage: "Index of the identity to compute (asks when not given)",
		Value: -1,
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "Compute backend: cpu, opencl or auto",
		Value: miner.BackendAuto,
	}
)

var app = cli.NewApp()

func init() {
	app.Name = "tshasher"
	app.Usage = "raise the security level of an identity by searching SHA-1 counters on every GPU"
	app.HideVersion = true
	app.Flags = []cli.Flag{configFlag, verbosityFlag}
	app.Commands = []cli.Command{
		{
			Action:    addIdentity,
			Name:      "add",
			Usage:     "Store a new identity",
			ArgsUsage: " ",
			Flags:     []cli.Flag{publicKeyFlag, startCounterFlag, nicknameFlag, yesFlag},
			Description: `
Adds the identity to the config file. The start counter is also taken as
the best counter found so far.`,
		},
		{
			Action:    compute,
			Name:      "compute",
			Usage:     "Search better counters for a stored identity",
			ArgsUsage: " ",
			Flags:     []cli.Flag{throttleFlag, retuneFlag, idFlag, backendFlag},
			Description: `
Tunes every device of the backend (once per device), then searches until
Ctrl+C is pressed. Progress is saved every five minutes and on exit.`,
		},
		{
			Action: listIdentities,
			Name:   "list",
			Usage:  "Print the stored identities",
		},
		{
			Action: listDevices,
			Name:   "devices",
			Usage:  "Print the compute devices of a backend",
			Flags:  []cli.Flag{backendFlag},
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx.GlobalInt(verbosityFlag.Name))
		return nil
	}
}

// setupLogging installs a terminal log handler on stderr
func setupLogging(verbosity int) {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity > 5 {
		verbosity = 5
	}

	fd := os.Stderr.Fd()
	useColor := (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	if useColor {
		output = colorable.NewColorableStderr()
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, log.FromLegacyLevel(verbosity), useColor)))
}

func main() {
	fmt.Print(logo)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
