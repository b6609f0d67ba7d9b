// Copyright 2024-2026 Aiku AI

// Package store is the durable relay state: which polled messages have been
// processed and how relayed messages correspond across platforms.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exsync"
)

const owner = "fca-bridge"

// IdentityLink records one relayed copy of a message. Platform IDs are kept
// as strings so every platform's message ID fits the same column.
type IdentityLink struct {
	qh *dbutil.QueryHelper[*IdentityLink]

	OriginPlatform  string
	OriginMsgID     string
	OriginChannelID string
	OriginAuthorID  string
	OriginGuildID   string
	DestPlatform    string
	DestMsgID       string
	DestChannelID   string
	DestAuthorID    string
	DestGuildID     string
}

func (l *IdentityLink) Scan(row dbutil.Scannable) (*IdentityLink, error) {
	return dbutil.ValueOrErr(l, row.Scan(
		&l.OriginPlatform, &l.OriginMsgID, &l.OriginChannelID, &l.OriginAuthorID, &l.OriginGuildID,
		&l.DestPlatform, &l.DestMsgID, &l.DestChannelID,
		&l.DestAuthorID, &l.DestGuildID,
	))
}

func (l *IdentityLink) sqlVariables() []any {
	return []any{
		l.OriginPlatform, l.OriginMsgID, l.OriginChannelID, l.OriginAuthorID, l.OriginGuildID,
		l.DestPlatform, l.DestMsgID, l.DestChannelID,
		l.DestAuthorID, l.DestGuildID,
	}
}

const (
	linkColumns = `origin_platform, origin_msg_id, origin_channel_id, origin_author_id, origin_guild_id,
		dest_platform, dest_msg_id, dest_channel_id, dest_author_id, dest_guild_id`

	isProcessedQuery   = `SELECT EXISTS(SELECT 1 FROM processed_messages WHERE chat_id=$1 AND message_id=$2)`
	markProcessedQuery = `INSERT OR IGNORE INTO processed_messages (chat_id, message_id) VALUES ($1, $2)`
	insertLinkQuery    = `INSERT OR IGNORE INTO msgmap (` + linkColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	lookupLinkQuery    = `SELECT ` + linkColumns + ` FROM msgmap
		WHERE origin_platform=$1 AND origin_channel_id=$2 AND origin_msg_id=$3 LIMIT 1`
	linkedMessageQuery = `SELECT ` + linkColumns + ` FROM msgmap
		WHERE (origin_platform=$1 AND origin_channel_id=$2 AND origin_msg_id=$3)
		   OR (dest_platform=$1 AND dest_channel_id=$2 AND dest_msg_id=$3)`
)

type processedKey struct {
	chatID    int64
	messageID int64
}

// Store is the single source of truth for dedup and identity state. The
// in-memory set only caches keys already known to be in the database.
type Store struct {
	db        *dbutil.Database
	links     *dbutil.QueryHelper[*IdentityLink]
	processed *exsync.Set[processedKey]
	log       zerolog.Logger
}

// Open opens (creating if needed) the database at uri and applies
// pending schema upgrades.
func Open(ctx context.Context, dbType, uri string, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()
	db, err := dbutil.NewFromConfig(owner, dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         dbType,
			URI:          uri,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.UpgradeTable = upgradeTable
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	s := &Store{
		db:        db,
		processed: exsync.NewSet[processedKey](),
		log:       log,
	}
	s.links = dbutil.MakeQueryHelper(db, func(qh *dbutil.QueryHelper[*IdentityLink]) *IdentityLink {
		return &IdentityLink{qh: qh}
	})
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IsProcessed reports whether the polled message was already routed.
func (s *Store) IsProcessed(ctx context.Context, chatID, messageID int64) (bool, error) {
	key := processedKey{chatID, messageID}
	if s.processed.Has(key) {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, isProcessedQuery, chatID, messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	if exists {
		s.processed.Add(key)
	}
	return exists, nil
}

// MarkProcessed records the message as routed. Repeated calls are no-ops.
func (s *Store) MarkProcessed(ctx context.Context, chatID, messageID int64) error {
	if _, err := s.db.Exec(ctx, markProcessedQuery, chatID, messageID); err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	s.processed.Add(processedKey{chatID, messageID})
	return nil
}

// LinkIdentity stores the correspondence between an origin message and one of
// its relayed copies.
func (s *Store) LinkIdentity(ctx context.Context, link *IdentityLink) error {
	if err := s.links.Exec(ctx, insertLinkQuery, link.sqlVariables()...); err != nil {
		return fmt.Errorf("failed to link message identity: %w", err)
	}
	return nil
}

// LookupLinkedMessage returns the first copy relayed from the origin message,
// or nil if there is none. Message IDs are only unique within a channel on
// some platforms, so the channel is part of the key.
func (s *Store) LookupLinkedMessage(ctx context.Context, platform, channelID, originMsgID string) (*IdentityLink, error) {
	link, err := s.links.QueryOne(ctx, lookupLinkQuery, platform, channelID, originMsgID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up linked message: %w", err)
	}
	return link, nil
}

// LinkedMessages returns every link in which the message in the platform's
// channel is either the origin or a relayed copy.
func (s *Store) LinkedMessages(ctx context.Context, platform, channelID, msgID string) ([]*IdentityLink, error) {
	links, err := s.links.QueryMany(ctx, linkedMessageQuery, platform, channelID, msgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked messages: %w", err)
	}
	return links, nil
}
