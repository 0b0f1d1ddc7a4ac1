package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sacexec/sace/agent"
	"github.com/sacexec/sace/config"
	"github.com/sacexec/sace/credential"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var credentialFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "uid",
		Usage: "Run as this uid. -1 keeps the daemon's.",
		Value: credential.UnsetUID,
	},
	&cli.IntSliceFlag{
		Name:  "gid",
		Usage: "Group ids, primary first. Repeat for supplementary groups.",
	},
	&cli.StringSliceFlag{
		Name:  "cap",
		Usage: "Ambient capability to raise, e.g. net_bind_service. May be repeated.",
	},
}

func main() {
	app := &cli.App{
		Name:  "sacectl",
		Usage: "talks to saced",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "The daemon's unix socket.",
				Value:   config.DefaultSocket,
				EnvVars: []string{"SACED_SOCKET"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log client requests.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a command to completion, discarding its output",
				ArgsUsage: "COMMAND",
				Flags:     credentialFlags,
				Action:    runCmd,
			},
			{
				Name:      "exec",
				Usage:     "run a command, copying its output to stdout (or stdin to it with --bidirectional)",
				ArgsUsage: "COMMAND",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "bidirectional",
						Usage: "Feed stdin to the command instead of reading its output.",
					},
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "Use a WebSocket session instead of polling reads and writes.",
					},
				}, credentialFlags...),
				Action: execCmd,
			},
			{
				Name:  "service",
				Usage: "manage supervised services",
				Subcommands: []*cli.Command{
					{
						Name:      "start",
						Usage:     "start a service unless one with the name is already running",
						ArgsUsage: "NAME COMMAND",
						Flags: append([]cli.Flag{
							&cli.StringFlag{
								Name:  "restart",
								Usage: "Restart policy. One of [never,on-failure,always].",
								Value: "never",
							},
						}, credentialFlags...),
						Action: serviceStart,
					},
					serviceControl("stop", "stop a service, killing it if it does not exit in time", (*agent.RemoteService).Stop),
					serviceControl("pause", "pause a running service", (*agent.RemoteService).Pause),
					serviceControl("resume", "resume a paused service", (*agent.RemoteService).Resume),
					serviceControl("restart", "stop a service and start it again", (*agent.RemoteService).Restart),
					{
						Name:      "info",
						Usage:     "print a service's state as JSON",
						ArgsUsage: "NAME",
						Action:    serviceInfo,
					},
					{
						Name:      "watch",
						Usage:     "print a line every time a service changes state",
						ArgsUsage: "NAME",
						Action:    serviceWatch,
					},
					{
						Name:   "list",
						Usage:  "list services",
						Action: serviceList,
					},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(c *cli.Context) (*agent.Client, error) {
	logger := zap.NewNop()
	if c.Bool("debug") {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}
	return agent.NewClient(logger.Sugar(), c.String("socket"))
}

func param(c *cli.Context) *credential.Param {
	p := credential.NewParam()
	p.UID = c.Int("uid")
	p.GIDs = c.IntSlice("gid")
	p.Capabilities = c.StringSlice("cap")
	return p
}

func commandArg(c *cli.Context) (string, error) {
	if c.NArg() == 0 {
		return "", errors.New("a command is required")
	}
	return strings.Join(c.Args().Slice(), " "), nil
}

func runCmd(c *cli.Context) error {
	cmd, err := commandArg(c)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ok, err := client.Run(c.Context, cmd, param(c))
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("command failed", 1)
	}
	return nil
}

func execCmd(c *cli.Context) error {
	line, err := commandArg(c)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	bidirectional := c.Bool("bidirectional")

	cmd, err := client.RunCommand(ctx, line, bidirectional, param(c))
	if err != nil {
		return err
	}
	defer cmd.Destroy(context.Background())

	var exitCode int
	if c.Bool("stream") {
		s, err := cmd.Stream(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if bidirectional {
			if _, err := io.Copy(s, os.Stdin); err != nil {
				return fmt.Errorf("sending input: %w", err)
			}
			if err := s.CloseWrite(ctx); err != nil {
				return err
			}
		} else if _, err := io.Copy(os.Stdout, s); err != nil {
			return fmt.Errorf("reading output: %w", err)
		}
		res, err := s.Wait(ctx)
		if err != nil {
			return err
		}
		exitCode = res.ExitCode
	} else {
		if bidirectional {
			if _, err := io.Copy(cmd, os.Stdin); err != nil {
				return fmt.Errorf("sending input: %w", err)
			}
			if err := cmd.Close(); err != nil {
				return err
			}
		} else if _, err := io.Copy(os.Stdout, cmd); err != nil {
			return fmt.Errorf("reading output: %w", err)
		}
		res, err := cmd.Wait(ctx)
		if err != nil {
			return err
		}
		exitCode = res.ExitCode
	}
	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}

func serviceStart(c *cli.Context) error {
	if c.NArg() < 2 {
		return errors.New("a name and a command are required")
	}
	name := c.Args().First()
	line := strings.Join(c.Args().Tail(), " ")
	client, err := newClient(c)
	if err != nil {
		return err
	}
	svc, err := client.CheckService(c.Context, name, line, param(c), c.String("restart"))
	if err != nil {
		return err
	}
	defer svc.Destroy(context.Background())
	info, err := svc.Info(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s pid=%d\n", info.Name, info.StateName, info.Pid)
	return nil
}

func lookup(c *cli.Context) (*agent.RemoteService, error) {
	if c.NArg() != 1 {
		return nil, errors.New("a service name is required")
	}
	client, err := newClient(c)
	if err != nil {
		return nil, err
	}
	return client.LookupService(c.Context, c.Args().First())
}

func serviceControl(name, usage string, op func(*agent.RemoteService, context.Context) (bool, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			svc, err := lookup(c)
			if err != nil {
				return err
			}
			defer svc.Destroy(context.Background())
			ok, err := op(svc, c.Context)
			if err != nil {
				return err
			}
			if !ok {
				state, _ := svc.State(c.Context)
				return cli.Exit(fmt.Sprintf("cannot %s %s while it is %s", name, svc.Name(), state), 1)
			}
			return nil
		},
	}
}

func serviceInfo(c *cli.Context) error {
	svc, err := lookup(c)
	if err != nil {
		return err
	}
	defer svc.Destroy(context.Background())
	info, err := svc.Info(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func serviceList(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	infos, err := client.Services(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tRESTARTS\tCOMMAND")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", info.Name, info.StateName, info.Pid, info.Restarts, info.Command)
	}
	return w.Flush()
}

func serviceWatch(c *cli.Context) error {
	svc, err := lookup(c)
	if err != nil {
		return err
	}
	defer svc.Destroy(context.Background())
	w, err := svc.Watch(c.Context)
	if err != nil {
		return err
	}
	defer w.Close()
	for {
		info, err := w.Next(c.Context)
		if err != nil {
			if c.Context.Err() != nil {
				return nil
			}
			return err
		}
		line := fmt.Sprintf("%s %s pid=%d restarts=%d", info.Name, info.StateName, info.Pid, info.Restarts)
		if info.Exit != "" {
			line += " last-exit=" + info.Exit
		}
		fmt.Println(line)
	}
}
