package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/bus"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/metrics"
	"github.com/willibrandon/hostwatch/internal/storage"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List and manage alert events",
	}
	cmd.AddCommand(newEventsListCmd(), newEventsAckCmd(), newEventsResolveCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	var filter alerts.EventFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alert events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = alerts.Status(status)
			if filter.Status != "" && !filter.Status.IsValid() {
				return fmt.Errorf("--status must be triggered, acknowledged or resolved, got %q", status)
			}

			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				events, err := store.ListEvents(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}
				if len(events) == 0 {
					fmt.Println("No alert events")
					return nil
				}
				return eventTable(events).Render()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (triggered, acknowledged, resolved)")
	cmd.Flags().StringVar(&filter.Host, "host", "", "filter by host")
	cmd.Flags().StringVar(&filter.RuleID, "rule", "", "filter by rule id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum events to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func eventTable(events []alerts.Event) *pterm.TablePrinter {
	data := pterm.TableData{{"ID", "Rule", "Host", "Status", "Value", "Triggered", "Ack By"}}
	for _, ev := range events {
		rule := ev.RuleID
		if ev.IsDetached() {
			rule = pterm.Gray("(deleted)")
		}
		data = append(data, []string{
			ev.ID,
			rule,
			ev.Host,
			statusStyle(ev.Status),
			humanize.FtoaWithDigits(ev.Value, 2),
			humanize.Time(ev.TriggeredAt),
			ev.AcknowledgedBy,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data)
}

func statusStyle(s alerts.Status) string {
	switch s {
	case alerts.StatusTriggered:
		return pterm.Red(string(s))
	case alerts.StatusAcknowledged:
		return pterm.Yellow(string(s))
	case alerts.StatusResolved:
		return pterm.Green(string(s))
	default:
		return string(s)
	}
}

// withEngine builds an engine over the store for manual transitions. The
// metrics source is constructed but never queried.
func withEngine(fn func(ctx context.Context, engine *alerts.Engine) error) error {
	return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
		source, err := metrics.New(cfg.Metrics)
		if err != nil {
			return err
		}

		var publisher alerts.Publisher
		if cfg.Bus.Enabled {
			b, err := bus.Connect(cfg.Bus)
			if err != nil {
				pterm.Warning.Printfln("NATS unreachable, lifecycle not published: %v", err)
			} else {
				defer b.Close()
				publisher = b
			}
		}

		engine, err := alerts.NewEngine(alerts.EngineConfig{
			Store:     store,
			Source:    source,
			Publisher: publisher,
		})
		if err != nil {
			return err
		}
		return fn(ctx, engine)
	})
}

func newEventsAckCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a triggered alert event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withEngine(func(ctx context.Context, engine *alerts.Engine) error {
				ev, err := engine.Acknowledge(ctx, args[0], userID)
				if err != nil {
					return err
				}
				pterm.Success.Printfln("Acknowledged %s (%s on %s) as %s", ev.ID, ev.RuleID, ev.Host, userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "id of the acknowledging user")
	return cmd
}

func newEventsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an open alert event by hand",
		Long: `Resolve an open alert event by hand. Events whose rule was disabled or
deleted are never resolved by evaluation and must be closed this way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *alerts.Engine) error {
				ev, err := engine.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				pterm.Success.Printfln("Resolved %s (%s)", ev.ID, ev.Host)
				return nil
			})
		},
	}
}
