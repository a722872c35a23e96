// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is the expected way to supply the bot token:
//
//	api:
//	  token: ${GATECORD_TOKEN}
package config
