// Package config loads the drplane server configuration.
//
// Sources, lowest precedence first:
//
//  1. built-in defaults (Default)
//  2. a YAML file, unknown keys rejected
//  3. .env files
//  4. the process environment
//
// Environment variables are DRPLANE_ followed by the section and field,
// for example DRPLANE_DATABASE_DRIVER, DRPLANE_AWS_REGION, or
// DRPLANE_TELEMETRY_LOG_LEVEL. The merged result is checked with struct tag
// validation.
//
// Example file:
//
//	server:
//	  addr: ":8080"
//	database:
//	  driver: postgres
//	  dsn: postgres://drplane@db/drplane?sslmode=disable
//	terraform:
//	  root_dir: /srv/drplane
//	aws:
//	  region: eu-west-1
//	  session_duration: 1h
//	scheduler:
//	  max_concurrent_runs: 4
//	redis:
//	  addr: redis:6379
//	policy:
//	  dir: /etc/drplane/policies
//	  watch: true
package config
