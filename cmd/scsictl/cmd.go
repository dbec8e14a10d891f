package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/goscsi/goscsi/pkg/cmdutil"
	"github.com/goscsi/goscsi/pkg/management"
)

// context carries the connection flags shared by all sub-commands.
type context struct{}

var cli struct {
	Host    string `short:"h" default:"localhost" help:"Daemon host"`
	Port    int    `short:"p" default:"6868" help:"Daemon port (1-65535)"`
	Token   string `short:"P" optional:"" type:"accessiblefile" help:"Access token file, or '-' to prompt"`
	Verbose bool   `short:"v" help:"Dump the request and response structures"`

	Attach    attachCmd    `cmd:"" help:"Attach a device"`
	Detach    detachCmd    `cmd:"" help:"Detach a device"`
	DetachAll detachAllCmd `cmd:"" name:"detach-all" help:"Detach all devices"`
	Insert    insertCmd    `cmd:"" help:"Insert a medium"`
	Eject     ejectCmd     `cmd:"" help:"Eject a medium"`
	Protect   protectCmd   `cmd:"" help:"Write-protect a medium"`
	Unprotect unprotectCmd `cmd:"" help:"Remove write protection"`
	Start     startCmd     `cmd:"" help:"Start a unit"`
	Stop      stopCmd      `cmd:"" help:"Stop a unit"`
	List      listCmd      `cmd:"" help:"List the attached devices"`
	Stats     statsCmd     `cmd:"" help:"Show the emulator statistics"`
	Version   versionCmd   `cmd:"" help:"Show the daemon version"`
	Reserve   reserveCmd   `cmd:"" help:"Reserve device IDs"`
	Shutdown  shutdownCmd  `cmd:"" help:"Shut down the emulator or the host"`
}

type deviceArgs struct {
	ID        string `short:"i" required:"" help:"SCSI ID[:LUN]"`
	Type      string `short:"t" optional:"" help:"Device type"`
	File      string `short:"f" optional:"" help:"Image file or device parameter(s)"`
	Name      string `short:"n" optional:"" help:"INQUIRY identity VENDOR:PRODUCT:REVISION"`
	BlockSize int    `short:"b" optional:"" help:"Sector size"`
}

func (a *deviceArgs) definition() (management.DeviceDefinition, error) {
	def := management.DeviceDefinition{
		Type:      a.Type,
		BlockSize: int32(a.BlockSize),
		Params:    map[string]string{},
	}

	target, lun := a.ID, "0"
	if i := strings.IndexByte(a.ID, ':'); i >= 0 {
		target, lun = a.ID[:i], a.ID[i+1:]
	}
	id, err := strconv.Atoi(target)
	if err != nil {
		return def, fmt.Errorf("invalid ID '%s'", a.ID)
	}
	unit, err := strconv.Atoi(lun)
	if err != nil {
		return def, fmt.Errorf("invalid LUN '%s'", lun)
	}
	def.ID = int32(id)
	def.Unit = int32(unit)

	if a.File != "" {
		if strings.Contains(a.File, "=") {
			for _, pair := range strings.Split(a.File, ":") {
				if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
					def.Params[kv[0]] = kv[1]
				}
			}
		} else {
			def.Params["file"] = a.File
		}
	}

	if a.Name != "" {
		parts := strings.SplitN(a.Name, ":", 3)
		def.Vendor = parts[0]
		if len(parts) > 1 {
			def.Product = parts[1]
		}
		if len(parts) > 2 {
			def.Revision = parts[2]
		}
	}

	return def, nil
}

// send performs one request/response exchange with the daemon.
func send(cmd *management.Command) (*management.Result, error) {
	if cmd.Params == nil {
		cmd.Params = map[string]string{}
	}
	if token, err := accessToken(); err != nil {
		return nil, err
	} else if token != "" {
		cmd.Params["token"] = token
	}

	if cli.Verbose {
		spew.Fdump(os.Stderr, cmd)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cli.Host, cli.Port))
	if err != nil {
		return nil, fmt.Errorf("can't connect to %s:%d: %v", cli.Host, cli.Port, err)
	}
	defer conn.Close()

	if err := management.WriteFrame(conn, cmd.Marshal()); err != nil {
		return nil, err
	}
	payload, err := management.ReadFrame(conn)
	if err != nil {
		return nil, err
	}

	result, err := management.UnmarshalResult(payload)
	if err != nil {
		return nil, err
	}

	if cli.Verbose {
		spew.Fdump(os.Stderr, result)
	}

	if !result.Status {
		return nil, fmt.Errorf("%s", result.Msg)
	}
	return result, nil
}

// accessToken resolves the token flag: a filename, or '-' for an
// interactive prompt without echo.
func accessToken() (string, error) {
	switch cli.Token {
	case "":
		return "", nil

	case "-":
		return cmdutil.PromptSecret("Access token")

	default:
		data, err := os.ReadFile(cli.Token)
		if err != nil {
			return "", fmt.Errorf("can't read token file '%s': %v", cli.Token, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

func runDeviceOp(op management.Operation, args *deviceArgs) error {
	def, err := args.definition()
	if err != nil {
		return err
	}

	_, err = send(&management.Command{
		Operation: op,
		Devices:   []management.DeviceDefinition{def},
	})
	return err
}

type attachCmd struct{ deviceArgs }

func (c *attachCmd) Run(*context) error {
	return runDeviceOp(management.OpAttach, &c.deviceArgs)
}

type detachCmd struct{ deviceArgs }

func (c *detachCmd) Run(*context) error {
	return runDeviceOp(management.OpDetach, &c.deviceArgs)
}

type detachAllCmd struct{}

func (c *detachAllCmd) Run(*context) error {
	_, err := send(&management.Command{Operation: management.OpDetachAll})
	return err
}

type insertCmd struct{ deviceArgs }

func (c *insertCmd) Run(*context) error {
	return runDeviceOp(management.OpInsert, &c.deviceArgs)
}

type ejectCmd struct{ deviceArgs }

func (c *ejectCmd) Run(*context) error {
	return runDeviceOp(management.OpEject, &c.deviceArgs)
}

type protectCmd struct{ deviceArgs }

func (c *protectCmd) Run(*context) error {
	return runDeviceOp(management.OpProtect, &c.deviceArgs)
}

type unprotectCmd struct{ deviceArgs }

func (c *unprotectCmd) Run(*context) error {
	return runDeviceOp(management.OpUnprotect, &c.deviceArgs)
}

type startCmd struct{ deviceArgs }

func (c *startCmd) Run(*context) error {
	return runDeviceOp(management.OpStart, &c.deviceArgs)
}

type stopCmd struct{ deviceArgs }

func (c *stopCmd) Run(*context) error {
	return runDeviceOp(management.OpStop, &c.deviceArgs)
}

type listCmd struct{}

func (c *listCmd) Run(*context) error {
	result, err := send(&management.Command{Operation: management.OpDevicesInfo})
	if err != nil {
		return err
	}
	fmt.Print(result.Msg)
	return nil
}

type statsCmd struct{}

func (c *statsCmd) Run(*context) error {
	result, err := send(&management.Command{Operation: management.OpStatisticsInfo})
	if err != nil {
		return err
	}
	fmt.Print(result.Msg)
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(*context) error {
	result, err := send(&management.Command{Operation: management.OpVersionInfo})
	if err != nil {
		return err
	}
	fmt.Println(result.Msg)
	return nil
}

type reserveCmd struct {
	IDs string `short:"r" required:"" help:"Comma-separated list of IDs to reserve"`
}

func (c *reserveCmd) Run(*context) error {
	_, err := send(&management.Command{
		Operation: management.OpReserveIDs,
		Params:    map[string]string{"ids": c.IDs},
	})
	return err
}

type shutdownCmd struct {
	Mode string `arg:"" default:"rascsi" help:"Shutdown mode (rascsi, system, reboot)"`
}

func (c *shutdownCmd) Run(*context) error {
	_, err := send(&management.Command{
		Operation: management.OpShutDown,
		Params:    map[string]string{"mode": c.Mode},
	})
	return err
}
