package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/studybot/internal/content"
)

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete transcripts, quiz results and progress older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			if days <= 0 {
				days = cfg.RetentionDays
			}
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("purge is irreversible; rerun with --yes to confirm")
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged records older than %d days: %d turns, %d quiz results, %d progress records\n",
				days, report.Interactions, report.QuizResults, report.Progress)
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "retention window in days (0 = RETENTION_DAYS)")
	cmd.Flags().Bool("yes", false, "confirm the deletion")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <learner-id>",
		Short: "Show a learner's statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintf(out, "Modules completed: %d/%d (%.1f%%)\n", stats.CompletedModules, stats.TotalModules, stats.CompletionRate)
			fmt.Fprintf(out, "Average score:     %.1f\n", stats.AverageScore)
			fmt.Fprintf(out, "Time spent:        %s\n", stats.TotalTime.Round(time.Second))
			for _, t := range stats.DifficultTopics {
				fmt.Fprintf(out, "Needs practice:    %s (%d)\n", t.Topic, t.Mistakes)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func modulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Manage the curriculum",
	}
	cmd.AddCommand(modulesListCmd(), modulesRefreshCmd())
	return cmd
}

func modulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored modules in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			modules, err := s.ListModules(cmd.Context())
			if err != nil {
				return err
			}
			if len(modules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No modules stored. Run 'studyctl modules refresh'.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSOURCE")
			for _, m := range modules {
				source := m.GithubPath
				if source == "" {
					source = "catalog"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", m.ID, m.Title, source)
			}
			return tw.Flush()
		},
	}
}

func modulesRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the curriculum and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			offline, _ := cmd.Flags().GetBool("offline")

			provider, err := content.NewProvider(content.Options{
				GitHub: content.GitHubConfig{
					RepoAPI:  cfg.Content.RepoAPI,
					RawBase:  cfg.Content.RawBase,
					Interval: cfg.Content.RequestInterval,
				},
				CatalogPath: cfg.Content.CatalogPath,
				Offline:     offline || cfg.Content.Offline,
			}, slog.Default())
			if err != nil {
				return err
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			modules, err := content.Sync(cmd.Context(), provider, s, slog.Default())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d modules\n", len(modules))
			return nil
		},
	}
	cmd.Flags().Bool("offline", false, "use only the local catalog")
	return cmd
}
