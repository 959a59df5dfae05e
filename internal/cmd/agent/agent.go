// Package agent implements a standalone driver for the client-side sync
// stack (internal/client/*): a long-running process that periodically
// pushes local changes and pulls remote ones for one signed-in user,
// outside of any browser extension host.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/client/blobstore"
	"github.com/chirino/bookmarksync/internal/client/httpclient"
	"github.com/chirino/bookmarksync/internal/client/orchestrator"
	"github.com/chirino/bookmarksync/internal/client/outbox"
	"github.com/chirino/bookmarksync/internal/client/recordstore"
	"github.com/chirino/bookmarksync/internal/client/syncengine"
	"github.com/chirino/bookmarksync/internal/client/vault"
	"github.com/chirino/bookmarksync/internal/model"
	"github.com/urfave/cli/v3"
)

// Command returns the agent sub-command and its "unlock" child command.
func Command() *cli.Command {
	var serverURL, token, dataDir, syncMode, redisURL string
	var syncInterval time.Duration

	runFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "server-url",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_SERVER_URL"),
			Destination: &serverURL,
			Usage:       "Base URL of the bookmarksyncd server",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "token",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_TOKEN"),
			Destination: &token,
			Usage:       "Bearer token identifying the signed-in user",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_DATA_DIR"),
			Destination: &dataDir,
			Usage:       "Directory used to persist local records and outboxes",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "sync-mode",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_SYNC_MODE"),
			Destination: &syncMode,
			Value:       string(model.SyncModePlaintext),
			Usage:       "Transport mode to drive: plaintext|e2e",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_REDIS_URL"),
			Destination: &redisURL,
			Usage:       "Redis connection URL for the cross-process SYNC_COMPLETE bus; empty uses an in-process bus",
		},
		&cli.DurationFlag{
			Name:        "sync-interval",
			Sources:     cli.EnvVars("BOOKMARKSYNC_AGENT_SYNC_INTERVAL"),
			Destination: &syncInterval,
			Value:       10 * time.Second,
			Usage:       "How often to push pending local changes and check for remote changes",
		},
	}

	var unlockPassphrase string

	return &cli.Command{
		Name:  "agent",
		Usage: "Run a standalone client that syncs local bookmark data against a bookmarksyncd server",
		Flags: runFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			mode := model.SyncMode(syncMode)
			if mode != model.SyncModePlaintext && mode != model.SyncModeE2E {
				return fmt.Errorf("agent: --sync-mode must be %q or %q, got %q", model.SyncModePlaintext, model.SyncModeE2E, syncMode)
			}
			o, err := build(ctx, buildOptions{serverURL: serverURL, token: token, dataDir: dataDir, mode: mode, redisURL: redisURL})
			if err != nil {
				return err
			}
			return run(ctx, o, syncInterval)
		},
		Commands: []*cli.Command{
			{
				Name:  "unlock",
				Usage: "Verify a vault passphrase against the server's stored envelope without starting the sync loop",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server-url", Sources: cli.EnvVars("BOOKMARKSYNC_AGENT_SERVER_URL"), Destination: &serverURL, Required: true},
					&cli.StringFlag{Name: "token", Sources: cli.EnvVars("BOOKMARKSYNC_AGENT_TOKEN"), Destination: &token, Required: true},
					&cli.StringFlag{Name: "passphrase", Sources: cli.EnvVars("BOOKMARKSYNC_AGENT_PASSPHRASE"), Destination: &unlockPassphrase, Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					httpClient := httpclient.New(serverURL, token)
					session, err := unlockVault(ctx, httpClient, unlockPassphrase)
					if err != nil {
						return err
					}
					log.Info("agent: vault unlocked", "dataKeyBytes", len(session.DataKey))
					return nil
				},
			},
		},
	}
}

type buildOptions struct {
	serverURL, token, dataDir string
	mode                      model.SyncMode
	redisURL                  string
}

// build wires blob storage, the record/outbox pair for the requested mode,
// and the orchestrator that drives them, the same way a browser
// extension's background worker would at startup.
func build(ctx context.Context, opts buildOptions) (*orchestrator.Orchestrator, error) {
	blobs, err := blobstore.NewFile(opts.dataDir)
	if err != nil {
		return nil, fmt.Errorf("agent: opening data directory: %w", err)
	}

	ob, err := outbox.New(blobs, "outbox:"+string(opts.mode))
	if err != nil {
		return nil, fmt.Errorf("agent: loading outbox: %w", err)
	}

	// The record store's change hook feeds local mutations into the
	// outbox.
	records, err := recordstore.New(blobs, func(kind model.RecordType, id string, entry recordstore.Entry, deleted bool) {
		op := outbox.Entry{RecordID: id, RecordType: kind, Payload: entry.Data, BaseVersion: entry.Meta.SyncVersion, Deleted: deleted, CreatedAt: time.Now().UTC()}
		if err := ob.Enqueue(op); err != nil {
			log.Error("agent: enqueueing local change failed", "err", err, "recordId", id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("agent: loading record cache: %w", err)
	}

	httpClient := httpclient.New(opts.serverURL, opts.token)
	engine := syncengine.New(records, ob, httpClient, opts.mode)

	var bus orchestrator.Bus
	if opts.redisURL != "" {
		redisBus, err := orchestrator.NewRedisBus(ctx, opts.redisURL)
		if err != nil {
			return nil, fmt.Errorf("agent: connecting to redis: %w", err)
		}
		bus = redisBus
	} else {
		bus = orchestrator.NewMemoryBus()
	}

	if _, err := httpClient.GetSettings(ctx); err != nil {
		return nil, fmt.Errorf("agent: verifying credentials: %w", err)
	}

	return orchestrator.New(engine, bus, busPartitionKey(opts.token)), nil
}

// busPartitionKey derives a bus channel key and log-safe identifier from
// the bearer token without ever persisting or logging the token itself.
func busPartitionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func run(ctx context.Context, o *orchestrator.Orchestrator, interval time.Duration) error {
	log.Info("agent: starting sync loop", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("agent: shutting down")
			return nil
		case <-ticker.C:
			skipped, err := o.RequestSync(ctx)
			if err != nil {
				log.Error("agent: sync cycle failed", "err", err)
				continue
			}
			if !skipped {
				log.Info("agent: sync cycle complete", "state", o.State())
			}
		}
	}
}

// unlockVault fetches the server's current envelope and unwraps the data
// key with a passphrase, without driving any push/pull loop.
func unlockVault(ctx context.Context, httpClient *httpclient.Client, passphrase string) (*vault.Session, error) {
	info, err := httpClient.GetVault(ctx)
	if err != nil {
		return nil, err
	}
	if info.Envelope == nil {
		return nil, fmt.Errorf("agent: vault is not enabled for this user")
	}
	return vault.UnlockWithPassphrase(*info.Envelope, passphrase)
}
