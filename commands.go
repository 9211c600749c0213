package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hadv/tshasher/config"
	"github.com/hadv/tshasher/miner"
	"github.com/hadv/tshasher/report"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/urfave/cli.v1"
)

var stdin = bufio.NewReader(os.Stdin)

func openStore(ctx *cli.Context) (*config.Store, error) {
	path := ctx.GlobalString(configFlag.Name)
	store, err := config.Open(path)
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("Failed to read %s: %v", path, err), 1)
	}
	return store, nil
}

func addIdentity(ctx *cli.Context) error {
	key := strings.TrimSpace(ctx.String(publicKeyFlag.Name))
	if err := miner.ValidateIdentity([]byte(key)); err != nil {
		return cli.NewExitError(fmt.Sprintf("Invalid public key: %v", err), 1)
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	counter := ctx.Uint64(startCounterFlag.Name)
	id := config.Identity{
		Nickname:       ctx.String(nicknameFlag.Name),
		PublicKey:      key,
		CurrentCounter: counter,
		BestCounter:    counter,
	}
	if i, ok := store.FindIdentity(key); ok {
		existing, _ := store.Identity(i)
		if existing.CurrentCounter != counter && !ctx.Bool(yesFlag.Name) {
			question := fmt.Sprintf("Identity %q is stored with counter %d (level %d). Replace it with counter %d?",
				existing.Nickname, existing.CurrentCounter, existing.Level(), counter)
			if !confirm(os.Stdout, question) {
				fmt.Println("Nothing changed.")
				return nil
			}
		}
	}
	if err := store.PutIdentity(id); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := store.Save(); err != nil {
		return cli.NewExitError(fmt.Sprintf("Failed to save %s: %v", store.Path(), err), 1)
	}
	log.Info("Identity stored", "nickname", id.Nickname, "counter", counter, "level", id.Level())
	return nil
}

func compute(ctx *cli.Context) error {
	throttle := ctx.Float64(throttleFlag.Name)
	if throttle < 1 {
		return cli.NewExitError(fmt.Sprintf("Invalid throttle %v, must be at least 1", throttle), 1)
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	index, err := selectIdentity(store, ctx.Int(idFlag.Name))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	id, _ := store.Identity(index)

	devices, err := miner.ListDevices(ctx.String(backendFlag.Name))
	if err != nil {
		log.Error("Failed to open compute devices", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}
	defer func() {
		for _, dev := range devices {
			if err := dev.Close(); err != nil {
				log.Warn("Failed to release device", "device", dev.Info().DisplayName(), "err", err)
			}
		}
	}()

	sched, err := miner.NewScheduler(miner.Config{
		Identity:     []byte(id.PublicKey),
		StartCounter: id.CurrentCounter,
		BestCounter:  id.BestCounter,
		Throttle:     throttle,
		Checkpoint: func(p miner.Progress) error {
			if err := store.UpdateProgress(index, p); err != nil {
				return err
			}
			return store.Save()
		},
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if ctx.Bool(retuneFlag.Name) {
		store.ClearTuning()
	}
	tuner := miner.NewTuner(store, nil)
	for _, dev := range devices {
		tuned, err := tuner.Tune(dev)
		if err != nil {
			log.Error("Failed to tune device", "device", dev.Info().DisplayName(), "err", err)
			return cli.NewExitError(err.Error(), 1)
		}
		sched.AddDevice(dev, tuned)
	}
	if err := store.Save(); err != nil {
		return cli.NewExitError(fmt.Sprintf("Failed to save %s: %v", store.Path(), err), 1)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigch)
		select {
		case sig := <-sigch:
			log.Info("Got interrupt, stopping after the running kernels", "signal", sig)
			cancel()
		case <-runCtx.Done():
		}
	}()

	log.Info("Starting search", "nickname", id.Nickname, "counter", id.CurrentCounter, "level", id.Level(), "devices", len(devices), "throttle", throttle)
	reporter := report.NewReporter(colorable.NewColorableStdout(), isatty.IsTerminal(os.Stdout.Fd()))
	if err := sched.Run(runCtx, reporter.Render); err != nil {
		return searchError(err, store.Path())
	}

	final := sched.Progress()
	best := sched.State().Best()
	log.Info("Progress saved", "path", store.Path(), "counter", final.Counter, "level", best.Difficulty, "best", best.Counter)
	return nil
}

// searchError logs why a search ended with err and returns the exit error
func searchError(err error, path string) error {
	if errors.Is(err, miner.ErrCheckpoint) {
		log.Error("Search stopped but progress could not be saved", "path", path, "err", err)
		return cli.NewExitError(fmt.Sprintf("Failed to save %s: %v", path, err), 1)
	}
	log.Error("Search aborted, progress since the last checkpoint is lost", "err", err)
	return cli.NewExitError(err.Error(), 1)
}

// selectIdentity returns index when it is set, otherwise asks on stdin
func selectIdentity(store *config.Store, index int) (int, error) {
	ids := store.Identities()
	if len(ids) == 0 {
		return 0, fmt.Errorf("no identities stored in %s, use the add command first", store.Path())
	}
	if index >= 0 {
		if index >= len(ids) {
			return 0, fmt.Errorf("%w: %d", config.ErrUnknownIdentity, index)
		}
		return index, nil
	}
	if len(ids) == 1 {
		return 0, nil
	}

	report.Identities(os.Stdout, ids)
	for {
		fmt.Printf("Identity to compute [0-%d]: ", len(ids)-1)
		line, err := stdin.ReadString('\n')
		if n, perr := strconv.Atoi(strings.TrimSpace(line)); perr == nil && n >= 0 && n < len(ids) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("no identity selected: %w", err)
		}
		fmt.Println("Invalid choice.")
	}
}

// confirm asks a yes/no question on stdin, answering no on end of input
func confirm(out io.Writer, question string) bool {
	for {
		fmt.Fprintf(out, "%s [y/n]: ", question)
		line, err := stdin.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return false
		}
	}
}

func listIdentities(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	report.Identities(os.Stdout, store.Identities())
	return nil
}

func listDevices(ctx *cli.Context) error {
	devices, err := miner.ListDevices(ctx.String(backendFlag.Name))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	infos := make([]miner.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, dev.Info())
		if cpu, ok := dev.(*miner.CPUDevice); ok {
			log.Info("Host CPU device", "goroutines", cpu.NumGoroutines(), "shaext", cpu.HasSHAExtensions())
		}
		dev.Close()
	}
	report.Devices(os.Stdout, infos)
	return nil
}
