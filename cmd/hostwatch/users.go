package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/storage"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and their alert inboxes",
	}
	cmd.AddCommand(newUsersAddCmd(), newUsersListCmd(), newUsersInboxCmd())
	return cmd
}

func newUsersAddCmd() *cobra.Command {
	var u storage.User
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user who can acknowledge alerts",
		Long: `Add a user who can acknowledge alerts. Every user receives an inbox
notification for each alert event created after they are added.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Username = args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				if err := store.CreateUser(ctx, &u); err != nil {
					return err
				}
				pterm.Success.Printfln("Added user %s (%s)", u.Username, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	cmd.Flags().StringVar(&u.Phone, "phone", "", "phone number for SMS")
	return cmd
}

func newUsersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				users, err := store.ListUsers(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(users)
				}
				if len(users) == 0 {
					fmt.Println("No users")
					return nil
				}

				data := pterm.TableData{{"ID", "Username", "Email", "Phone", "Added"}}
				for _, u := range users {
					data = append(data, []string{u.ID, u.Username, u.Email, u.Phone, humanize.Time(u.CreatedAt)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func newUsersInboxCmd() *cobra.Command {
	var unread, markRead bool
	cmd := &cobra.Command{
		Use:   "inbox <user-id>",
		Short: "Show a user's alert notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, store *storage.Store) error {
				items, err := store.Notifications(ctx, userID, unread)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(items); err != nil {
						return err
					}
				} else if len(items) == 0 {
					fmt.Println("Inbox is empty")
				} else {
					data := pterm.TableData{{"ID", "Alert", "Read", "Received"}}
					for _, n := range items {
						read := pterm.Yellow("unread")
						if n.IsRead {
							read = "read"
						}
						data = append(data, []string{n.ID, n.AlertID, read, humanize.Time(n.CreatedAt)})
					}
					if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
						return err
					}
				}

				if markRead {
					n, err := store.MarkAllNotificationsRead(ctx, userID)
					if err != nil {
						return err
					}
					if !jsonOutput {
						fmt.Printf("Marked %d notifications read\n", n)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "show unread notifications only")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark all notifications read after listing")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
