// Package mysql implements store.Backend over a relational schema via
// database/sql and github.com/go-sql-driver/mysql, grounded on the
// storage-authority layer's use of the same driver for its
// authoritative database: a connection pool, Ping at open, and plain
// parameterized SQL rather than an ORM (this schema is two tables,
// not the dozen boulder's SA maps).
package mysql

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/store"
	"github.com/zns-net/zns/internal/xcrypto"
)

// Schema is the DDL this backend expects to already exist. Migrations
// are an operational concern, not something the backend runs itself.
const Schema = `
CREATE TABLE IF NOT EXISTS zone_records (
	id            BIGINT AUTO_INCREMENT PRIMARY KEY,
	zone_pub      BINARY(64) NOT NULL,
	zone_sk       BINARY(32) NOT NULL,
	label         VARCHAR(255) NOT NULL,
	records_wire  LONGBLOB NOT NULL,
	records_count INT NOT NULL,
	UNIQUE KEY zone_label (zone_pub, label)
);

CREATE TABLE IF NOT EXISTS blocks (
	query_hash  BINARY(32) PRIMARY KEY,
	derived_pub LONGBLOB NOT NULL,
	signature   LONGBLOB NOT NULL,
	expiration  BIGINT NOT NULL,
	ciphertext  LONGBLOB NOT NULL
);
`

// Backend is a store.Backend over a MySQL database reachable via dsn.
type Backend struct {
	db *sql.DB
}

// Open connects to dsn (a go-sql-driver/mysql data source name) and
// verifies the connection is live.
func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, &store.StorageError{Op: "mysql-open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &store.StorageError{Op: "mysql-open", Err: err}
	}
	return &Backend{db: db}, nil
}

func (b *Backend) CacheBlock(ctx context.Context, blk record.Block) error {
	query := blk.Query()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blocks (query_hash, derived_pub, signature, expiration, ciphertext)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE derived_pub = VALUES(derived_pub),
			signature = VALUES(signature), expiration = VALUES(expiration),
			ciphertext = VALUES(ciphertext)`,
		query[:], blk.DerivedPub, blk.Signature, blk.Expiration.UnixMicro(), blk.Ciphertext)
	if err != nil {
		return &store.StorageError{Op: "cache-block", Err: err}
	}
	return nil
}

func (b *Backend) LookupBlock(ctx context.Context, query [32]byte) (record.Block, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT derived_pub, signature, expiration, ciphertext FROM blocks WHERE query_hash = ?`,
		query[:])

	var blk record.Block
	var expMicros int64
	if err := row.Scan(&blk.DerivedPub, &blk.Signature, &expMicros, &blk.Ciphertext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Block{}, false, nil
		}
		return record.Block{}, false, &store.StorageError{Op: "lookup-block", Err: err}
	}
	blk.Expiration = time.UnixMicro(expMicros).UTC()
	if time.Now().After(blk.Expiration) {
		return record.Block{}, false, nil
	}
	return blk, true, nil
}

func (b *Backend) StoreRecords(ctx context.Context, zoneSK xcrypto.PrivateKey, label string, records []record.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "store-records", Err: err}
	}
	defer tx.Rollback()

	zonePub := zoneSK.Public().Bytes()
	if len(records) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM zone_records WHERE zone_pub = ? AND label = ?`, zonePub, label); err != nil {
			return &store.StorageError{Op: "store-records", Err: err}
		}
	} else {
		wire := record.Serialize(records)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO zone_records (zone_pub, zone_sk, label, records_wire, records_count)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE records_wire = VALUES(records_wire),
				records_count = VALUES(records_count)`,
			zonePub, zoneSK.Bytes(), label, wire, len(records))
		if err != nil {
			return &store.StorageError{Op: "store-records", Err: err}
		}
	}

	blk, err := store.BuildBlock(zoneSK, label, records, time.Now())
	if err != nil {
		return &store.StorageError{Op: "store-records", Err: err}
	}
	query := blk.Query()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (query_hash, derived_pub, signature, expiration, ciphertext)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE derived_pub = VALUES(derived_pub),
			signature = VALUES(signature), expiration = VALUES(expiration),
			ciphertext = VALUES(ciphertext)`,
		query[:], blk.DerivedPub, blk.Signature, blk.Expiration.UnixMicro(), blk.Ciphertext); err != nil {
		return &store.StorageError{Op: "store-records", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "store-records", Err: err}
	}
	return nil
}

func (b *Backend) IterateRecords(ctx context.Context, zone *xcrypto.PublicKey, offset int) (store.ZoneEntry, bool, error) {
	var row *sql.Row
	if zone != nil {
		row = b.db.QueryRowContext(ctx, `
			SELECT zone_sk, label, records_wire, records_count FROM zone_records
			WHERE zone_pub = ? ORDER BY id LIMIT 1 OFFSET ?`, zone.Bytes(), offset)
	} else {
		row = b.db.QueryRowContext(ctx, `
			SELECT zone_sk, label, records_wire, records_count FROM zone_records
			ORDER BY id LIMIT 1 OFFSET ?`, offset)
	}

	var skBytes, wire []byte
	var label string
	var count int
	if err := row.Scan(&skBytes, &label, &wire, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ZoneEntry{}, false, nil
		}
		return store.ZoneEntry{}, false, &store.StorageError{Op: "iterate-records", Err: err}
	}

	zoneSK, err := xcrypto.PrivateKeyFromBytes(skBytes)
	if err != nil {
		return store.ZoneEntry{}, false, &store.StorageError{Op: "iterate-records", Err: err}
	}
	records, err := record.Deserialize(wire, count)
	if err != nil {
		return store.ZoneEntry{}, false, &store.StorageError{Op: "iterate-records", Err: err}
	}
	return store.ZoneEntry{ZoneSK: zoneSK, Label: label, Records: records}, true, nil
}

func (b *Backend) ZoneToName(ctx context.Context, zoneSK xcrypto.PrivateKey, target xcrypto.PublicKey) (string, bool, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT label, records_wire, records_count FROM zone_records WHERE zone_pub = ?`,
		zoneSK.Public().Bytes())
	if err != nil {
		return "", false, &store.StorageError{Op: "zone-to-name", Err: err}
	}
	defer rows.Close()

	targetHex := hex.EncodeToString(target.Bytes())
	for rows.Next() {
		var label string
		var wire []byte
		var count int
		if err := rows.Scan(&label, &wire, &count); err != nil {
			return "", false, &store.StorageError{Op: "zone-to-name", Err: err}
		}
		records, err := record.Deserialize(wire, count)
		if err != nil {
			return "", false, &store.StorageError{Op: "zone-to-name", Err: err}
		}
		for _, r := range records {
			if r.Type == record.TypeDelegation && hex.EncodeToString(r.Data) == targetHex {
				return label, true, nil
			}
		}
	}
	return "", false, rows.Err()
}

func (b *Backend) Close() error { return b.db.Close() }
