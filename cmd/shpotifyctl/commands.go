package main

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"shpotify/internal/broker"
	"shpotify/internal/database"
	"shpotify/internal/jobs"
	"shpotify/internal/storage"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>",
		Short: "Store an audio file and queue it for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			objects, err := ctx.newObjects(cfg)
			if err != nil {
				return err
			}

			return ctx.withBroker(cmd.Context(), func(c context.Context, mgr *broker.Manager) error {
				name := storage.ContentName(data, filepath.Base(args[0]))
				exists, err := objects.Exists(c, cfg.Storage.Bucket, name)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("file already existed: %s", name)
				}

				contentType := mime.TypeByExtension(filepath.Ext(name))
				if contentType == "" {
					contentType = "application/octet-stream"
				}
				url, err := objects.Put(c, cfg.Storage.Bucket, name, bytes.NewReader(data), int64(len(data)), contentType)
				if err != nil {
					return err
				}
				body, err := jobs.Encode(jobs.SongUploadJob{URL: url})
				if err != nil {
					return err
				}
				if err := mgr.Publish(c, cfg.Queues.SongUploads, body); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded to %s\n", url)
				return nil
			})
		},
	}
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <source-id>",
		Short: "Queue a metadata scan of one source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			body, err := jobs.Encode(jobs.SongScanJob{SourceID: id})
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withBroker(cmd.Context(), func(c context.Context, mgr *broker.Manager) error {
				if err := mgr.Publish(c, cfg.Queues.ScanJobs, body); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scan of source %d queued\n", id)
				return nil
			})
		},
	}
}

func newRescanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Ask the workers to rescan every source file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			body, err := jobs.Encode(jobs.RescanAllMeta)
			if err != nil {
				return err
			}
			return ctx.withBroker(cmd.Context(), func(c context.Context, mgr *broker.Manager) error {
				if err := mgr.Publish(c, cfg.Queues.Misc, body); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Rescan requested")
				return nil
			})
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the metadata store tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger()
			dbManager, err := database.NewDatabaseManager(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer dbManager.Close()

			if err := database.NewMigrationManager(dbManager.GetGormDB(), cfg.Tables, logger).Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters <queue>",
		Short: "Show how many messages wait in a queue's dead-letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBroker(cmd.Context(), func(c context.Context, mgr *broker.Manager) error {
				dlq := mgr.DeadLetterQueue(args[0])
				n, err := mgr.Declare(dlq)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", dlq, n)
				return nil
			})
		},
	}
}
