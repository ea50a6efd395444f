package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shopfloor-mes/internal/config"
	"shopfloor-mes/internal/seed"
	"shopfloor-mes/internal/storage"
	"shopfloor-mes/internal/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mesctl",
		Short: "Shop-floor MES admin tool",
		Long:  "mesctl seeds directories and inspects production runs, orders and inspection requests.",
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(newSeedCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newOrderCommand())
	rootCmd.AddCommand(newInspectionsCommand())
	rootCmd.AddCommand(newStepCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(cmd *cobra.Command) (*storage.Storage, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dbPath = cfg.DBPath
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load machines, employees and orders from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := f.Apply(context.Background(), store)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d machines, %d employees, %d orders (%d steps, %d materials)\n",
				c.Machines, c.Employees, c.Orders, c.Steps, c.Materials)
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List production runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, _ := cmd.Flags().GetString("order")
			machineID, _ := cmd.Flags().GetString("machine")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(context.Background(), types.RunFilter{
				OrderID: orderID, MachineID: machineID, Status: types.RunStatus(status), Limit: limit,
			})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORDER\tMACHINE\tOPERATOR\tSHIFT\tSTATUS\tSTART\tGOOD\tSCRAP\tDOWNTIME")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d min\n",
					shortID(r.ID), r.OrderID, r.MachineID, r.Operator, r.Shift, r.Status,
					r.StartTime.Local().Format("2006-01-02 15:04"), r.PiecesGood, r.PiecesScrap, r.DowntimeMinutes)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("order", "", "Filter by order ID")
	cmd.Flags().String("machine", "", "Filter by machine ID")
	cmd.Flags().String("status", "", "Filter by status (en_proceso, pausado, terminado)")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	return cmd
}

func newOrderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "order <id>",
		Short: "Show order progress, process steps and materials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			o, err := store.GetOrder(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := store.ListProcessSteps(ctx, o.ID)
			if err != nil {
				return err
			}
			materials, err := store.ListMaterials(ctx, o.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Order %s (%s)\n", o.Code, o.ID)
			fmt.Printf("  Status:   %s\n", o.Status)
			fmt.Printf("  Produced: %d / %d\n", o.ProducedQty, o.RequiredQty)
			fmt.Printf("  Scrap:    %d\n", o.ScrapQty)
			if len(steps) > 0 {
				fmt.Println("\nProcess steps:")
				for _, s := range steps {
					fmt.Printf("  %3d  %-24s %-12s %.1fh\n", s.Sequence, s.Name, s.Status, s.EstimatedHours)
				}
			}
			if len(materials) > 0 {
				fmt.Println("\nMaterials:")
				for _, m := range materials {
					fmt.Printf("  %-12s %-24s %g %s\n", m.Code, m.Name, m.Quantity, m.Unit)
				}
			}
			return nil
		},
	}
}

func newInspectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspections <order-id>",
		Short: "List quality inspection requests for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			reqs, err := store.ListInspections(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No inspection requests found")
				return nil
			}
			for _, r := range reqs {
				fmt.Printf("[%s] %-13s run=%s machine=%s operator=%s good=%d scrap=%d\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Type, shortID(r.RunID),
					r.MachineID, r.Operator, r.PiecesGood, r.PiecesScrap)
				if r.Notes != "" {
					fmt.Printf("    %s\n", r.Notes)
				}
			}
			return nil
		},
	}
}

// newStepCommand 工序状态由计划模块维护，这里提供手动修正
func newStepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "step <step-id> <status>",
		Short: "Set a process step status (pendiente, en_proceso, pausado, terminado)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := types.OrderStatus(args[1])
			switch status {
			case types.OrderPending, types.OrderInProgress, types.OrderPaused, types.OrderFinished:
			default:
				return fmt.Errorf("invalid status %q", args[1])
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpdateProcessStepStatus(context.Background(), args[0], status); err != nil {
				return err
			}
			fmt.Printf("Step %s -> %s\n", args[0], status)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
