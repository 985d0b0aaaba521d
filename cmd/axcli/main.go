// Command axcli manages ArceOS hypervisor guest VMs.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/client"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/driver"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vmconfig"
)

func main() {
	app := &cli.App{
		Name:  "axcli",
		Usage: "command line interface for the ArceOS hypervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "daemon",
				Value: client.AddrFromEnv(),
				Usage: "axdaemon address, host:port or ws://host:port/ws",
			},
			&cli.StringFlag{
				Name:    "device",
				Value:   driver.DefaultDevice,
				Usage:   "hypervisor driver device",
				EnvVars: []string{"AXCLI_DEVICE"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "bound each daemon request; 0 waits forever",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"AXCLI_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			lvl, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(lvl)
			return nil
		},
		Commands: []*cli.Command{vmCommand},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "axcli:", err)
		os.Exit(1)
	}
}

var vmCommand = &cli.Command{
	Name:  "vm",
	Usage: "manage guest virtual machines",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a guest VM from a TOML config",
			ArgsUsage: "CONFIG",
			Action:    vmCreate,
		},
		{
			Name:      "boot",
			Usage:     "boot a guest VM",
			ArgsUsage: "VMID",
			Action:    vmBoot,
		},
		{
			Name:      "shutdown",
			Usage:     "shut down a guest VM",
			ArgsUsage: "VMID",
			Action:    vmShutdown,
		},
		{
			Name:   "list",
			Usage:  "list the VMs known to axdaemon",
			Action: vmList,
		},
	},
}

func vmCreate(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	cfg, raw, err := vmconfig.Load(c.Args().First())
	if err != nil {
		return err
	}
	img, err := cfg.Images(raw)
	if err != nil {
		return err
	}

	vmid, err := newDriver(c).Create(c.Context, img)
	if err != nil {
		return err
	}
	fmt.Printf("Created VM [%d] %s\n", vmid, cfg.Name)

	if cfg.DiskPath == "" {
		return nil
	}
	return withDaemon(c, func(ctx context.Context, cl *client.Client) error {
		return cl.RegisterVM(ctx, vmid, cfg.DiskPath)
	})
}

func vmBoot(c *cli.Context) error {
	vmid, err := vmidArg(c)
	if err != nil {
		return err
	}
	if err := newDriver(c).Boot(c.Context, vmid); err != nil {
		return err
	}
	if err := withDaemon(c, func(ctx context.Context, cl *client.Client) error {
		return cl.BootVM(ctx, vmid)
	}); err != nil {
		return err
	}
	fmt.Printf("Boot VM [%d]\n", vmid)
	return nil
}

func vmShutdown(c *cli.Context) error {
	vmid, err := vmidArg(c)
	if err != nil {
		return err
	}
	if err := newDriver(c).Shutdown(c.Context, vmid); err != nil {
		return err
	}
	if err := withDaemon(c, func(ctx context.Context, cl *client.Client) error {
		return cl.ShutdownVM(ctx, vmid)
	}); err != nil {
		return err
	}
	fmt.Printf("Shutdown VM [%d]\n", vmid)
	return nil
}

func vmList(c *cli.Context) error {
	return withDaemon(c, func(ctx context.Context, cl *client.Client) error {
		vms, err := cl.ListVMs(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VMID\tSTATE\tDISK")
		for _, vm := range vms {
			fmt.Fprintf(w, "%d\t%s\t%s\n", vm.VMID, vm.State, vm.DiskImagePath)
		}
		return w.Flush()
	})
}

func vmidArg(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, errors.Wrap(errdefs.ErrInvalidInput, "expected exactly one VMID")
	}
	vmid, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidInput, "bad VMID %q", c.Args().First())
	}
	return vmid, nil
}

func newDriver(c *cli.Context) *driver.Driver {
	return driver.New(c.String("device"), logrus.WithField("component", "driver"))
}

func withDaemon(c *cli.Context, fn func(context.Context, *client.Client) error) error {
	ctx := c.Context
	if d := c.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	cl, err := client.Dial(ctx, c.String("daemon"))
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}
