// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"
)

var upgradeTable dbutil.UpgradeTable

func init() {
	upgradeTable.Register(-1, 1, 0, "Initial revision", dbutil.TxnModeOn, upgradeV1)
	upgradeTable.Register(-1, 2, 1, "Index destination message IDs", dbutil.TxnModeOn, upgradeV2)
	upgradeTable.Register(-1, 3, 2, "Scope message links by channel", dbutil.TxnModeOn, upgradeV3)
}

const createProcessedTable = `
	CREATE TABLE IF NOT EXISTS processed_messages (
		chat_id    INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	)`

const createMsgmapTable = `
	CREATE TABLE msgmap (
		origin_platform   TEXT NOT NULL,
		origin_msg_id     TEXT NOT NULL,
		origin_channel_id TEXT NOT NULL,
		origin_author_id  TEXT NOT NULL DEFAULT '',
		origin_guild_id   TEXT NOT NULL DEFAULT '',
		dest_platform     TEXT NOT NULL,
		dest_msg_id       TEXT NOT NULL,
		dest_channel_id   TEXT NOT NULL,
		dest_author_id    TEXT NOT NULL DEFAULT '',
		dest_guild_id     TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (origin_platform, origin_msg_id, dest_platform, dest_msg_id)
	)`

// upgradeV1 creates the schema. Databases written by the previous relay
// already have processed_messages (kept as is, so history is not re-relayed)
// and a msgmap table with one column per platform, which is moved aside.
func upgradeV1(ctx context.Context, db *dbutil.Database) error {
	if _, err := db.Exec(ctx, createProcessedTable); err != nil {
		return fmt.Errorf("failed to create processed_messages: %w", err)
	}
	legacy, err := db.ColumnExists(ctx, "msgmap", "fluxer_id")
	if err != nil {
		return fmt.Errorf("failed to inspect msgmap: %w", err)
	}
	if legacy {
		if _, err = db.Exec(ctx, "ALTER TABLE msgmap RENAME TO msgmap_legacy"); err != nil {
			return fmt.Errorf("failed to rename legacy msgmap: %w", err)
		}
	}
	if _, err = db.Exec(ctx, createMsgmapTable); err != nil {
		return fmt.Errorf("failed to create msgmap: %w", err)
	}
	return nil
}

func upgradeV2(ctx context.Context, db *dbutil.Database) error {
	_, err := db.Exec(ctx, "CREATE INDEX IF NOT EXISTS msgmap_dest_idx ON msgmap (dest_platform, dest_msg_id)")
	return err
}

// Telegram message IDs are per chat, so links are keyed by channel as well.
const createScopedMsgmapTable = `
	CREATE TABLE msgmap_v3 (
		origin_platform   TEXT NOT NULL,
		origin_msg_id     TEXT NOT NULL,
		origin_channel_id TEXT NOT NULL,
		origin_author_id  TEXT NOT NULL DEFAULT '',
		origin_guild_id   TEXT NOT NULL DEFAULT '',
		dest_platform     TEXT NOT NULL,
		dest_msg_id       TEXT NOT NULL,
		dest_channel_id   TEXT NOT NULL,
		dest_author_id    TEXT NOT NULL DEFAULT '',
		dest_guild_id     TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (origin_platform, origin_channel_id, origin_msg_id, dest_platform, dest_channel_id, dest_msg_id)
	)`

func upgradeV3(ctx context.Context, db *dbutil.Database) error {
	steps := []string{
		createScopedMsgmapTable,
		"INSERT INTO msgmap_v3 (" + linkColumns + ") SELECT " + linkColumns + " FROM msgmap",
		"DROP INDEX IF EXISTS msgmap_dest_idx",
		"DROP TABLE msgmap",
		"ALTER TABLE msgmap_v3 RENAME TO msgmap",
		"CREATE INDEX msgmap_dest_idx ON msgmap (dest_platform, dest_channel_id, dest_msg_id)",
	}
	for _, q := range steps {
		if _, err := db.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to rebuild msgmap: %w", err)
		}
	}
	return nil
}
