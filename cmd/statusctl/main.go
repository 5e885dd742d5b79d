// Command statusctl queries a running collector.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/galavrah/machine-status-monitoring/internal/models"
	"github.com/galavrah/machine-status-monitoring/internal/server"
)

type cli struct {
	addr    string
	timeout time.Duration
	out     io.Writer
}

func (c *cli) dial() (*server.Client, error) {
	return server.Dial(c.addr)
}

func newRootCommand() *cobra.Command {
	c := &cli{out: os.Stdout}
	root := &cobra.Command{
		Use:           "statusctl",
		Short:         "Inspect machine liveness as seen by the collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", "127.0.0.1:50051", "collector gRPC address")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "per-request timeout")
	root.AddCommand(c.pingCommand(), c.machinesCommand(), c.machineCommand(), c.watchCommand())
	return root
}

func (c *cli) pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the collector answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			msg, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, msg)
			return nil
		},
	}
}

func (c *cli) machinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List every known machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			list, err := client.ListMachines(ctx)
			if err != nil {
				return err
			}
			printMachines(c.out, list)
			return nil
		},
	}
}

func (c *cli) machineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "machine <id>",
		Short: "Show one machine with its recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			d, err := client.GetMachine(ctx, args[0])
			if errors.Is(err, server.ErrNotFound) {
				return fmt.Errorf("machine %q is not known to the collector", args[0])
			}
			if err != nil {
				return err
			}
			printMachine(c.out, d, time.Now())
			return nil
		},
	}
}

func (c *cli) watchCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a fleet summary periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
				list, err := client.ListMachines(ctx)
				cancel()
				if err != nil {
					fmt.Fprintln(os.Stderr, "list failed:", err)
				} else {
					fmt.Fprintf(c.out, "\n=== %s ===\n", time.Now().Format(time.RFC3339))
					printSummary(c.out, list)
					printMachines(c.out, list)
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "refresh interval")
	return cmd
}

func printSummary(w io.Writer, list []models.MachineSummary) {
	counts := map[models.Liveness]int{}
	for _, m := range list {
		counts[m.Status]++
	}
	fmt.Fprintf(w, "%d machines: %d online, %d offline, %d unknown\n",
		len(list), counts[models.Online], counts[models.Offline], counts[models.Unknown])
}

func printMachines(w io.Writer, list []models.MachineSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MACHINE\tHOSTNAME\tIP\tSTATUS\tCPU\tMEM\tDISK\tLAST SEEN")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%.1f%%\t%.1f%%\t%s\n",
			m.MachineID, orDash(m.Hostname), orDash(m.IPAddress), m.Status,
			m.CPUPercent, m.MemoryPercent, m.StoragePercent, lastSeen(m.LastSeen, m.LastSeenAgo))
	}
	tw.Flush()
}

func printMachine(w io.Writer, d models.MachineDetail, now time.Time) {
	e := d.Entry
	fmt.Fprintf(w, "Machine:   %s\n", e.MachineID)
	fmt.Fprintf(w, "Status:    %s\n", e.Status)
	if !e.LastObserved.IsZero() {
		fmt.Fprintf(w, "Last seen: %s (%s)\n", e.LastObserved.Format(time.RFC3339), humanize.RelTime(e.LastObserved, now, "ago", "from now"))
	}
	if r := e.Report; r != nil {
		fmt.Fprintf(w, "Hostname:  %s\n", orDash(r.Hostname))
		fmt.Fprintf(w, "IP:        %s\n", orDash(r.IPAddress))
		fmt.Fprintf(w, "CPU:       %s, %d cores, %.1f%%\n", orDash(r.CPU.Model), r.CPU.Cores, r.CPU.UsagePercent)
		fmt.Fprintf(w, "Memory:    %s available of %s (%.1f%% used)\n",
			humanize.IBytes(r.Memory.Available), humanize.IBytes(r.Memory.Total), r.Memory.UsagePercent)
		fmt.Fprintf(w, "Storage:   %s free of %s (%.1f%% used)\n",
			humanize.IBytes(r.Storage.Free), humanize.IBytes(r.Storage.Total), r.Storage.UsagePercent)
	}
	if d.Degraded {
		fmt.Fprintln(w, "History:   unavailable (store degraded)")
		return
	}
	fmt.Fprintf(w, "History:   %d records since %s\n", len(d.History), d.Since.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  TIME\tSTATUS\tCPU\tMEM\tDISK")
	for _, rec := range d.History {
		fmt.Fprintf(tw, "  %s\t%s\t%.1f%%\t%.1f%%\t%.1f%%\n",
			rec.EventTime.Format(time.RFC3339), rec.Status,
			rec.CPU.UsagePercent, rec.Memory.UsagePercent, rec.Storage.UsagePercent)
	}
	tw.Flush()
}

func lastSeen(at time.Time, ago time.Duration) string {
	if at.IsZero() {
		return "never"
	}
	return humanize.RelTime(at, at.Add(ago), "ago", "from now")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "statusctl:", err)
		stop()
		os.Exit(1)
	}
}
