package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/goscsi/goscsi/pkg/bus"
	"github.com/goscsi/goscsi/pkg/cmdutil"
	"github.com/goscsi/goscsi/pkg/controller"
	"github.com/goscsi/goscsi/pkg/devices"
	"github.com/goscsi/goscsi/pkg/management"
)

const (
	programName = "scsiemud"
	programDesc = "SCSI target emulator daemon"
)

// Device flags pair up by position: the k-th -i goes with the k-th -f,
// and with the k-th -t/-n/-b when given.
var cli struct {
	ID          []string `short:"i" name:"id" help:"SCSI ID[:LUN] to attach to"`
	Type        []string `short:"t" name:"type" help:"Device type (SCHD, SCRM, SCMO, SCCD, SCST, SCBR, SCDP, SCLP, SCHS)"`
	File        []string `short:"f" name:"file" help:"Image file or device parameter(s)"`
	Name        []string `short:"n" name:"name" help:"INQUIRY identity VENDOR:PRODUCT:REVISION"`
	BlockSize   []int    `short:"b" name:"block-size" help:"Sector size (512, 1024, 2048, 4096)"`
	ImageFolder string   `short:"F" name:"image-folder" help:"Default image file folder"`
	LogLevel    string   `short:"L" name:"log-level" default:"info" help:"Log level (trace, debug, info, warn, error)"`
	Port        int      `short:"p" name:"port" default:"6868" help:"Management port (1-65535)"`
	ReservedIDs string   `short:"r" name:"reserved-ids" help:"Comma-separated list of reserved IDs"`
	TokenFile   string   `short:"P" name:"token-file" type:"accessiblefile" help:"Access token file (mode 0600, root-owned)"`
	Version     bool     `short:"v" name:"version" help:"Print the version and exit"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if cli.Version {
		fmt.Printf("%s version %s\n", programName, management.Version)
		os.Exit(0)
	}

	ctx.FatalIfErrorf(run())
}

func run() error {
	level, err := log.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", cli.LogLevel)
	}
	log.SetLevel(level)

	token, err := readAccessToken(cli.TokenFile)
	if err != nil {
		return err
	}

	// Hardware adapters provide a bus.Conn for NewGPIOBus; without a
	// board the in-memory bus serves loopback and development setups.
	b := bus.NewSoftBus()

	registry := devices.NewRegistry()
	factory := devices.NewFactory()
	manager := controller.NewManager(b)
	executor := management.NewExecutor(manager, registry, factory)
	executor.ImageFolder = cli.ImageFolder

	if cli.ReservedIDs != "" {
		ids, err := parseIDList(cli.ReservedIDs)
		if err != nil {
			return err
		}
		executor.ReserveIDs(ids)
	}

	if err := attachInitialDevices(executor); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	executor.ShutdownFunc = func(mode devices.ShutdownMode) {
		handleShutdown(mode)
		cancel()
	}

	service := management.NewService(executor)
	service.Token = token
	if err := service.Start(cli.Port); err != nil {
		return err
	}
	defer service.Stop()

	// The signal handler only flips the shutdown switch; the main
	// loop does the work.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigs:
		case mode := <-manager.Shutdown:
			handleShutdown(mode)
		}
		cancel()
	}()

	log.Infof("%s version %s is up", programName, management.Version)

	// The bus loop owns its thread, pinned and at realtime priority so
	// the REQ/ACK handshakes meet asynchronous-mode timing.
	runtime.LockOSThread()
	setupRealtime()
	manager.Run(runCtx)
	runtime.UnlockOSThread()

	executor.Execute(&management.Command{Operation: management.OpDetachAll})
	return nil
}

// attachInitialDevices turns the positional CLI device groups into
// ATTACH commands so the startup path shares the management validation.
func attachInitialDevices(executor *management.Executor) error {
	for k, id := range cli.ID {
		def := management.DeviceDefinition{Params: map[string]string{}}

		target, lun := id, "0"
		if i := strings.IndexByte(id, ':'); i >= 0 {
			target, lun = id[:i], id[i+1:]
		}
		tid, err := strconv.Atoi(target)
		if err != nil {
			return fmt.Errorf("invalid ID '%s'", id)
		}
		tlun, err := strconv.Atoi(lun)
		if err != nil {
			return fmt.Errorf("invalid LUN '%s'", lun)
		}
		def.ID = int32(tid)
		def.Unit = int32(tlun)

		if k < len(cli.Type) {
			def.Type = cli.Type[k]
		}
		if k < len(cli.File) {
			setFileParams(&def, cli.File[k])
		}
		if k < len(cli.Name) {
			parts := strings.SplitN(cli.Name[k], ":", 3)
			def.Vendor = parts[0]
			if len(parts) > 1 {
				def.Product = parts[1]
			}
			if len(parts) > 2 {
				def.Revision = parts[2]
			}
		}
		if k < len(cli.BlockSize) {
			def.BlockSize = int32(cli.BlockSize[k])
		}

		result := executor.Execute(&management.Command{
			Operation: management.OpAttach,
			Devices:   []management.DeviceDefinition{def},
		})
		if !result.Status {
			return fmt.Errorf("%s", result.Msg)
		}
	}
	return nil
}

// setFileParams distinguishes an image file from key=value device
// parameters.
func setFileParams(def *management.DeviceDefinition, arg string) {
	if !strings.Contains(arg, "=") {
		def.Params["file"] = arg
		return
	}
	for _, pair := range strings.Split(arg, ":") {
		if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
			def.Params[kv[0]] = kv[1]
		}
	}
}

// readAccessToken reads the management token from a file that must be
// root-owned with mode 0600.
func readAccessToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("can't access token file '%s': %v", path, err)
	}
	if fi.Mode().Perm() != 0o600 {
		return "", fmt.Errorf("token file '%s' must have permissions 0600", path)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Uid != 0 {
		return "", fmt.Errorf("token file '%s' must be owned by root", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("can't read token file '%s': %v", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func parseIDList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 || id > 7 {
			return nil, fmt.Errorf("invalid reserved ID '%s'", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// handleShutdown carries out a scheduled administrative request.
func handleShutdown(mode devices.ShutdownMode) {
	switch mode {
	case devices.ShutdownStopHost:
		log.Info("Shutting down the host")
		if err := exec.Command("systemctl", "poweroff").Run(); err != nil {
			log.Errorf("Can't shut down the host: %v", err)
		}
	case devices.ShutdownRestartHost:
		log.Info("Rebooting the host")
		if err := exec.Command("systemctl", "reboot").Run(); err != nil {
			log.Errorf("Can't reboot the host: %v", err)
		}
	default:
		log.Info("Shutting down the emulator")
	}
}
