//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Postgres persists emissions into one wide table, upserting on
// (name, tags fingerprint, kind, bin_start_s) so a retried batch
// after a crash-before-commit is idempotent. Grounded on tgres's
// pgSerDe (serde/postgres.go): sql.Open("postgres", ...), a
// CREATE TABLE IF NOT EXISTS bootstrap, and prepared statements for
// the hot path. cernan's schema is a single flat table rather than
// tgres's normalized ds/rra/ts because emissions have no archive
// rollup concept to preserve.
type Postgres struct {
	db     *sql.DB
	table  string
	upsert *sql.Stmt
}

// NewPostgres opens a connection, creates the table if absent, and
// prepares the upsert statement.
func NewPostgres(connectString, table string) (*Postgres, error) {
	if table == "" {
		table = "cernan_emissions"
	}
	db, err := sql.Open("postgres", connectString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	p := &Postgres{db: db, table: table}
	if err := p.createTableIfNotExists(); err != nil {
		return nil, err
	}
	if err := p.prepare(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) createTableIfNotExists() error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  name TEXT NOT NULL,
  tags TEXT NOT NULL DEFAULT '',
  kind SMALLINT NOT NULL,
  bin_start_s BIGINT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  sample_count BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (name, tags, kind, bin_start_s)
);`, p.table)
	_, err := p.db.Exec(ddl)
	return err
}

func (p *Postgres) prepare() error {
	stmt, err := p.db.Prepare(fmt.Sprintf(`
INSERT INTO %[1]s (name, tags, kind, bin_start_s, value, sample_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name, tags, kind, bin_start_s)
DO UPDATE SET value = EXCLUDED.value, sample_count = EXCLUDED.sample_count`, p.table))
	if err != nil {
		return err
	}
	p.upsert = stmt
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Send(emissions []buckets.Emission) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	txStmt := tx.Stmt(p.upsert)
	for _, em := range emissions {
		value := em.Value
		count := int64(0)
		if em.Kind == event.Histogram || em.Kind == event.Timer {
			value = em.Sketch.Sum()
			count = em.Sketch.Count()
		}
		if _, err := txStmt.Exec(em.Name, tagsFingerprint(em.Tags), int(em.Kind), em.BinStartS, value, count); err != nil {
			tx.Rollback()
			return fmt.Errorf("sink: postgres: upsert %s: %w", em.Name, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) SendLogs(logs []*event.LogLine) error {
	// Log lines have no column-shaped representation in the
	// emissions table; the postgres sink is metrics-only.
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func tagsFingerprint(t *event.Tags) string {
	if t == nil {
		return ""
	}
	return t.Fingerprint()
}
