package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/riomobi/transitrisk/cmd/internal/app"
	"github.com/riomobi/transitrisk/engine/batch"
	"github.com/riomobi/transitrisk/engine/graph"
	"github.com/riomobi/transitrisk/engine/query"
	"github.com/riomobi/transitrisk/pkg/config"
	"github.com/riomobi/transitrisk/pkg/natsutil"
)

func newSetupCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create graph constraints and indexes and seed neighborhoods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if wipe {
					a.Logger.Warn("wiping graph before setup")
					if err := a.Graph.Clear(ctx); err != nil {
						return err
					}
				}
				if err := a.Setup(ctx); err != nil {
					return err
				}
				a.Logger.Info("schema ready")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe", false, "delete every node and relationship first")
	return cmd
}

func newLoadCmd() *cobra.Command {
	var gtfs, complaints string
	var skipNetwork, skipComplaints bool

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Import the GTFS network and a complaint file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if gtfs == "" {
					gtfs = a.Config.GTFSDir
				}
				if complaints == "" {
					complaints = a.Config.ComplaintsFile
				}
				if !skipNetwork {
					rep, err := a.NetworkLoader().Load(ctx, gtfs)
					if err != nil {
						return err
					}
					a.Logger.Info("network loaded", "path", gtfs, "report", rep)
				}
				if !skipComplaints {
					rep, err := a.ComplaintLoader().LoadFile(ctx, complaints)
					if err != nil {
						return err
					}
					a.Logger.Info("complaints loaded", "report", rep)
					return printJSON(cmd.OutOrStdout(), rep)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gtfs, "gtfs", "", "GTFS directory or zip (default $GTFS_DIR)")
	cmd.Flags().StringVar(&complaints, "complaints", "", "complaint CSV (default $COMPLAINTS_FILE)")
	cmd.Flags().BoolVar(&skipNetwork, "skip-network", false, "do not import the GTFS feed")
	cmd.Flags().BoolVar(&skipComplaints, "skip-complaints", false, "do not import complaints")
	return cmd
}

func runCmd(use, short string, trigger batch.Trigger) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.Runner().Run(ctx, trigger)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	return runCmd("sync", "Join unsynced complaints to stops and recompute risk",
		batch.Trigger{Reason: "cli sync", Sync: true})
}

func newAnalyzeCmd() *cobra.Command {
	return runCmd("analyze", "Recompute risk, centrality, communities and clusters",
		batch.Trigger{Reason: "cli analyze", Analyze: true})
}

func newRunCmd() *cobra.Command {
	return runCmd("run", "Sync then analyze in one run",
		batch.Trigger{Reason: "cli run", Sync: true, Analyze: true})
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear every complaint's synced flag so the next sync rejoins all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Docs.ResetSync(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d complaints\n", n)
				return nil
			})
		},
	}
}

func newMetricsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print node and relationship counts of the graph store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				counts, err := a.RecordCounts(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), counts)
				}
				return printCounts(cmd.OutOrStdout(), counts)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReportCmd() *cobra.Command {
	var top int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the system summary and the top stops and communities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.LoadView(ctx)
				if err != nil {
					return err
				}
				rep := buildReport(v, top)
				if asJSON {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				return printReport(cmd.OutOrStdout(), rep)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "rows per ranking")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var trigger batch.Trigger
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running riskd to start a run over NATS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := logger(); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			nc, err := nats.Connect(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()
			if err := natsutil.Publish(cmd.Context(), nc, batch.SubjectTrigger, trigger); err != nil {
				return err
			}
			return nc.Flush()
		},
	}
	cmd.Flags().StringVar(&trigger.Reason, "reason", "cli trigger", "reason recorded in the run summary")
	cmd.Flags().BoolVar(&trigger.Sync, "sync", true, "join unsynced complaints")
	cmd.Flags().BoolVar(&trigger.Analyze, "analyze", true, "run the graph analytics")
	return cmd
}

// report is the output of the report command.
type report struct {
	Summary     query.SystemSummary   `json:"summary"`
	Critical    []query.StopView      `json:"critical_stops"`
	PageRank    []query.StopView      `json:"pagerank"`
	Communities []query.CommunityRisk `json:"communities"`
}

func buildReport(v *query.View, top int) report {
	return report{
		Summary:     v.Summary(),
		Critical:    v.TopCritical(top),
		PageRank:    v.TopPageRank(top),
		Communities: v.CommunitiesByRisk(top),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(w io.Writer, c graph.Counts) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tCOUNT")
	for _, kind := range []struct {
		name   string
		counts map[string]int64
	}{{"node", c.Nodes}, {"relationship", c.Relationships}} {
		names := make([]string, 0, len(kind.counts))
		for n := range kind.counts {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", kind.name, n, kind.counts[n])
		}
	}
	return tw.Flush()
}

func printReport(w io.Writer, r report) error {
	s := r.Summary
	fmt.Fprintf(w, "stops %d  routes %d  connections %d  complaints %d (%d open)\n",
		s.Stops, s.Routes, s.Connections, s.Complaints, s.OpenComplaints)
	fmt.Fprintf(w, "avg risk %.3f  avg normalized %.1f  high-risk stops %d  cluster edges %d\n\n",
		s.AvgRisk, s.AvgRiskNorm, s.HighRiskStops, s.ClusterEdges)
	if a := s.Analysis; a != nil {
		fmt.Fprintf(w, "communities %d  modularity %.4f  (run %s, %s)\n\n",
			a.Communities, a.Modularity, a.RunID, a.ComputedAt.Format(time.RFC3339))
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOUNT\tAVG WEIGHT")
	for _, c := range s.TopCategories {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\n", c.Category, c.Count, c.AvgWeight)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CRITICAL STOP\tNAME\tBETWEENNESS\tRISK\tLEVEL\tCLASS")
	for _, st := range r.Critical {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.3f\t%s\t%s\n",
			st.ID, st.Name, st.Betweenness, st.RiskScore, st.RiskLevel, st.Classification)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "PAGERANK STOP\tNAME\tPAGERANK\tRISK")
	for _, st := range r.PageRank {
		fmt.Fprintf(tw, "%s\t%s\t%.5f\t%.3f\n", st.ID, st.Name, st.PageRank, st.RiskScore)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "COMMUNITY\tSTOPS\tAVG RISK\tMAX RISK")
	for _, c := range r.Communities {
		fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.3f\n", c.ID, c.Stops, c.AvgRisk, c.MaxRisk)
	}
	return tw.Flush()
}
