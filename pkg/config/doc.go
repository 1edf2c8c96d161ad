// Package config loads the convsync YAML configuration.
//
// Every section is optional; omitted fields keep the values from Default,
// which runs on SQLite and bbolt files under ./data. A minimal production
// file only names the stores:
//
//	write_store:
//	  driver: postgres
//	  dsn: postgres://convsync@db/convsync?sslmode=disable
//	read_store:
//	  driver: surrealdb
//	  url: ws://surreal:8000/rpc
//	  namespace: convsync
//	  database: convsync
//	reconciler:
//	  shard_index: 0
//	  shard_count: 4
package config
