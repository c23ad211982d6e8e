// Command bylawd runs the bylaw capture service.
//
//	bylawd serve --config config.yaml      # API, worker pool and scheduler
//	bylawd capture --site springfield      # one synchronous capture
//	bylawd migrate                         # apply the Postgres schema
//
// Records stay in memory unless database.dsn is set; leases stay
// process-local unless redis.url is set; audit and progress messages go to
// Pub/Sub only when pubsub.project_id is set. Every key can be overridden
// with a BYLAW_ environment variable, for example BYLAW_DATABASE_DSN.
package main
