// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package musedb

import (
	"github.com/lib/pq"

	"storj.io/muse/private/migrate"
)

func (db *DB) migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE uploads (
						id uuid NOT NULL,
						user_id uuid NOT NULL,
						submission_id uuid NOT NULL,
						study_id text NOT NULL,
						analysis_id text NOT NULL DEFAULT '',
						object_id text NOT NULL DEFAULT '',
						file_name text NOT NULL DEFAULT '',
						status text NOT NULL,
						error text NOT NULL DEFAULT '',
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY ( id )
					)`,
					notifyFunction("upload_notification"),
					`CREATE TRIGGER uploads_notify
						AFTER INSERT OR UPDATE ON uploads
						FOR EACH ROW EXECUTE PROCEDURE notify_upload()`,
				},
			},
			{
				Description: "Index uploads by user and submission",
				Version:     1,
				Action: migrate.SQL{
					`CREATE INDEX uploads_user_id_created_at_index ON uploads ( user_id, created_at DESC )`,
					`CREATE INDEX uploads_submission_id_index ON uploads ( submission_id )`,
				},
			},
		},
	}
}

// notifyFunction publishes every written uploads row as json on channel.
func notifyFunction(channel string) string {
	return `CREATE OR REPLACE FUNCTION notify_upload() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify(` + pq.QuoteLiteral(channel) + `, row_to_json(NEW)::text);
			RETURN NEW;
		END;
	$$ LANGUAGE plpgsql`
}
