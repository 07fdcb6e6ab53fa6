package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/willibrandon/hostwatch/internal/agent"
	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/bus"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/rulesfile"
	"github.com/willibrandon/hostwatch/internal/storage"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage alert rules",
	}
	cmd.AddCommand(newRulesImportCmd(), newRulesListCmd(), newRulesValidateCmd())
	return cmd
}

// withStore opens the configured store for one command.
func withStore(fn func(ctx context.Context, cfg *config.Config, store *storage.Store) error) error {
	cfg := mustLoadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := agent.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	return fn(ctx, cfg, store)
}

func newRulesImportCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update rules from a YAML file",
		Long: `Create or update rules from a YAML file. Rules are matched by id.
With --prune, stored rules missing from the file are deleted; their alert
events are kept as history. A running agent is told to re-read its rules.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := rulesfile.Load(args[0])
			if err != nil {
				return err
			}
			printIssues(rulesfile.Issues(rules))

			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				res, err := rulesfile.Sync(ctx, store, rules, prune)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d rules: %d created, %d updated, %d deleted\n",
					len(rules), res.Created, res.Updated, res.Deleted)

				if err := signalAgent(cfg, bus.RuleChange{Action: "import"}); err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", color.YellowString("warning:"), err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored rules that are not in the file")
	return cmd
}

// signalAgent tells a running agent that rules changed, over NATS when the
// bus is enabled and through the admin API otherwise.
func signalAgent(cfg *config.Config, change bus.RuleChange) error {
	if cfg.Bus.Enabled {
		b, err := bus.Connect(cfg.Bus)
		if err != nil {
			return fmt.Errorf("rules saved but NATS is unreachable: %w", err)
		}
		defer b.Close()
		return b.PublishRuleChange(change)
	}

	if !cfg.Admin.Enabled {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+cfg.Admin.Listen+"/reload", "application/json", nil)
	if err != nil {
		// No agent listening; it reads rules on its next start.
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent reload returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show stored rules as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				rules, err := store.ListRules(ctx)
				if err != nil {
					return err
				}
				if len(rules) == 0 {
					fmt.Println("No rules")
					return nil
				}
				fmt.Print(ruleTree(rules).String())
				return nil
			})
		},
	}
}

func ruleTree(rules []alerts.Rule) treeprint.Tree {
	tree := treeprint.NewWithRoot(fmt.Sprintf("rules (%d)", len(rules)))
	for i := range rules {
		r := &rules[i]

		label := fmt.Sprintf("%s  %s", r.ID, r.Name)
		if !r.Enabled {
			label += color.HiBlackString("  [disabled]")
		}
		branch := tree.AddBranch(label)
		branch.AddMetaNode("when", fmt.Sprintf("%s %s %g for %d ticks",
			r.MetricType, r.Comparison, r.Threshold, r.BreachCount))
		branch.AddMetaNode("severity", string(r.Severity))

		targets := make([]string, 0, len(r.Targets))
		for _, t := range r.Targets {
			if t.Type == alerts.TargetAll {
				targets = append(targets, "all hosts")
			} else {
				targets = append(targets, t.ID)
			}
		}
		branch.AddMetaNode("targets", strings.Join(targets, ", "))

		for _, tier := range alerts.Tiers {
			esc := r.Escalation(tier)
			if esc == nil {
				continue
			}
			ch := r.Notifications.Channel(tier)
			state := "off"
			if ch.Ready() {
				state = strings.Join(ch.Recipients, ", ")
			}
			branch.AddMetaNode(string(tier), fmt.Sprintf("%s %g for %d ticks -> %s",
				r.Comparison, esc.Threshold, esc.BreachCount, state))
		}
	}
	return tree
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rules file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := rulesfile.Load(args[0])
			if err != nil {
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("error:"), line)
				}
				return errors.New("rules file is invalid")
			}
			issues := rulesfile.Issues(rules)
			printIssues(issues)
			fmt.Printf("%s %d rules, %d with warnings\n", color.GreenString("ok:"), len(rules), len(issues))
			return nil
		},
	}
}

func printIssues(issues map[string][]string) {
	ids := make([]string, 0, len(issues))
	for id := range issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, issue := range issues[id] {
			fmt.Fprintf(os.Stderr, "%s rule %s: %s\n", color.YellowString("warning:"), id, issue)
		}
	}
}
